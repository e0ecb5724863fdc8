package gateway

import (
	"context"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"github.com/relaymux/relaymux/internal/channel"
)

// Serve runs one subscriber session over an upgraded websocket connection.
// It blocks until the peer disconnects, the subscriber is closed by the slow
// policy, or ctx is canceled. channels optionally restricts the stream.
func (h *Hub) Serve(ctx context.Context, conn *websocket.Conn, channels []channel.ChannelType) {
	sub := h.newSubscriber(channels)
	sub.enqueue(Frame{Type: FrameHello, SessionID: sub.id, Seq: h.NewestSeq()})
	h.register(sub)
	defer func() {
		h.unregister(sub)
		sub.close()
		conn.Close()
	}()

	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go h.writeLoop(sessCtx, conn, sub)
	h.readLoop(sessCtx, conn, sub)
}

func (h *Hub) writeLoop(ctx context.Context, conn *websocket.Conn, sub *subscriber) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.done:
			deadline := time.Now().Add(h.opts.WriteTimeout)
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "subscriber too slow"),
				deadline)
			conn.Close()
			return
		case frame := <-sub.queue:
			conn.SetWriteDeadline(time.Now().Add(h.opts.WriteTimeout))
			if err := conn.WriteJSON(frame); err != nil {
				h.logger.Debug("subscriber write failed",
					slog.String("subscriber", sub.id),
					slog.Any("error", err),
				)
				sub.close()
				return
			}
		}
	}
}

func (h *Hub) readLoop(ctx context.Context, conn *websocket.Conn, sub *subscriber) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.done:
			return
		default:
		}
		var frame Frame
		if err := conn.ReadJSON(&frame); err != nil {
			return
		}
		switch frame.Type {
		case FrameAck:
			// Acks only move forward.
			for {
				cur := sub.lastAck.Load()
				if frame.Seq <= cur || sub.lastAck.CompareAndSwap(cur, frame.Seq) {
					break
				}
			}
		case FrameResync:
			// A resync without an explicit cursor resumes from the last ack.
			from := frame.FromSeq
			if from == 0 {
				from = sub.lastAck.Load()
			}
			h.replay(ctx, sub, from)
		case FrameCommand:
			go h.runCommand(ctx, sub, frame)
		default:
			h.logger.Debug("ignoring unexpected frame",
				slog.String("subscriber", sub.id),
				slog.String("type", string(frame.Type)),
			)
		}
	}
}

// replay serves events after fromSeq from the backlog. When fromSeq has
// fallen out of the retained window the subscriber gets a gap frame instead:
// the lost range can never be recovered and the subscriber must rebuild its
// state from the current sequence rather than silently skip.
//
// Live frames published while the replay runs are held back by the
// subscriber and re-admitted after the cutover, so the delivered sequence
// never goes backward and nothing is served twice.
func (h *Hub) replay(ctx context.Context, sub *subscriber, fromSeq uint64) {
	sub.beginReplay()
	cut := fromSeq
	defer func() { sub.finishReplay(cut) }()

	events, covered, err := h.backlog.ReplayAfter(ctx, fromSeq)
	if err != nil {
		h.logger.Error("backlog replay failed",
			slog.String("subscriber", sub.id),
			slog.Uint64("from_seq", fromSeq),
			slog.Any("error", err),
		)
		return
	}
	if !covered {
		oldest, newest, _ := h.backlog.Bounds(ctx)
		h.logger.Warn("resync outside backlog window",
			slog.String("subscriber", sub.id),
			slog.Uint64("from_seq", fromSeq),
			slog.Uint64("oldest", oldest),
		)
		gap := Frame{Type: FrameGap, FromSeq: fromSeq + 1, Seq: newest}
		if oldest > 0 {
			gap.ToSeq = oldest - 1
		}
		sub.enqueue(gap)
		cut = newest
		return
	}
	for _, ev := range events {
		if ev.Seq > cut {
			cut = ev.Seq
		}
		if sub.matches(ev) {
			sub.enqueue(eventFrame(ev, true))
		}
	}
}

func (h *Hub) runCommand(ctx context.Context, sub *subscriber, frame Frame) {
	result := Frame{Type: FrameResult, ID: frame.ID}
	defer func() { sub.enqueue(result) }()

	if frame.Command == nil || frame.Command.Kind != CommandKindSend {
		result.Error = "unsupported command"
		return
	}
	if h.sink == nil {
		result.Error = "outbound dispatch unavailable"
		return
	}
	cmdCtx, cancel := context.WithTimeout(ctx, h.opts.CommandTimeout)
	defer cancel()
	nativeID, err := h.sink.Deliver(cmdCtx, frame.Command.Message)
	if err != nil {
		result.Error = err.Error()
		return
	}
	result.NativeID = nativeID
}
