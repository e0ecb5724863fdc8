package main

import (
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/relaymux/relaymux/internal/channel"
	"github.com/relaymux/relaymux/internal/gateway"
)

func sendCmd() *cobra.Command {
	var (
		gatewayURL   string
		token        string
		channelKind  string
		conversation string
		text         string
		timeout      time.Duration
	)
	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send a message through a running gateway",
		Long:  "Connects to the gateway websocket, issues a send command, and waits for the delivery outcome.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if channelKind == "" || conversation == "" || text == "" {
				return fmt.Errorf("--channel, --conversation and --text are required")
			}

			header := http.Header{}
			if token != "" {
				header.Set("Authorization", "Bearer "+token)
			}
			conn, resp, err := websocket.DefaultDialer.Dial(gatewayURL, header)
			if err != nil {
				if resp != nil {
					return fmt.Errorf("dial gateway: %w (status %s)", err, resp.Status)
				}
				return fmt.Errorf("dial gateway: %w", err)
			}
			defer conn.Close()

			// First frame is the server hello.
			var hello gateway.Frame
			conn.SetReadDeadline(time.Now().Add(timeout))
			if err := conn.ReadJSON(&hello); err != nil {
				return fmt.Errorf("read hello: %w", err)
			}
			if hello.Type != gateway.FrameHello {
				return fmt.Errorf("unexpected first frame %q", hello.Type)
			}

			commandID := uuid.NewString()
			frame := gateway.Frame{
				Type: gateway.FrameCommand,
				ID:   commandID,
				Command: &gateway.Command{
					Kind: gateway.CommandKindSend,
					Message: channel.OutboundMessage{
						Target: channel.ConversationRef{
							Channel: channel.ChannelType(channelKind),
							ID:      conversation,
						},
						Message:          channel.Message{Text: text},
						IdempotencyToken: commandID,
					},
				},
			}
			conn.SetWriteDeadline(time.Now().Add(timeout))
			if err := conn.WriteJSON(frame); err != nil {
				return fmt.Errorf("write command: %w", err)
			}

			deadline := time.Now().Add(timeout)
			for {
				conn.SetReadDeadline(deadline)
				var reply gateway.Frame
				if err := conn.ReadJSON(&reply); err != nil {
					return fmt.Errorf("await result: %w", err)
				}
				if reply.Type != gateway.FrameResult || reply.ID != commandID {
					continue // stream events keep flowing; skip them
				}
				if reply.Error != "" {
					return fmt.Errorf("delivery failed: %s", reply.Error)
				}
				fmt.Printf("delivered: native_id=%s\n", reply.NativeID)
				return nil
			}
		},
	}
	cmd.Flags().StringVar(&gatewayURL, "gateway-url", "ws://127.0.0.1:8465/gateway/ws", "gateway websocket URL")
	cmd.Flags().StringVar(&token, "token", "", "subscriber token (see 'relaymux token')")
	cmd.Flags().StringVar(&channelKind, "channel", "", "target channel kind (telegram, discord, slack, local, ...)")
	cmd.Flags().StringVar(&conversation, "conversation", "", "platform-native conversation id")
	cmd.Flags().StringVar(&text, "text", "", "message text")
	cmd.Flags().DurationVar(&timeout, "timeout", time.Minute, "overall command timeout")
	return cmd
}
