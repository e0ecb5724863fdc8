package handlers

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/relaymux/relaymux/internal/channel"
	"github.com/relaymux/relaymux/internal/channel/adapters/local"
	"github.com/relaymux/relaymux/internal/media"
	"github.com/relaymux/relaymux/internal/supervisor"
)

func newEcho(h interface{ Register(*echo.Echo) }) *echo.Echo {
	e := echo.New()
	h.Register(e)
	return e
}

func TestPing(t *testing.T) {
	t.Parallel()

	e := newEcho(NewPingHandler(slog.Default()))
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ping", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "ok" {
		t.Fatalf("body = %v", body)
	}
}

type staticStatuses struct {
	items []supervisor.ConnectionStatus
}

func (s staticStatuses) Statuses() []supervisor.ConnectionStatus {
	return s.items
}

func TestListChannelsAndStatus(t *testing.T) {
	t.Parallel()

	registry := channel.NewRegistry()
	registry.MustRegister(local.New(nil))
	statuses := staticStatuses{items: []supervisor.ConnectionStatus{
		{Channel: channel.TypeLocal, State: supervisor.StateConnected},
	}}
	e := newEcho(NewChannelsHandler(registry, statuses))

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/channels", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("channels status = %d", rec.Code)
	}
	var descriptors []channel.Descriptor
	if err := json.Unmarshal(rec.Body.Bytes(), &descriptors); err != nil {
		t.Fatalf("decode descriptors: %v", err)
	}
	if len(descriptors) != 1 || descriptors[0].Type != channel.TypeLocal {
		t.Fatalf("descriptors = %+v", descriptors)
	}

	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/channels/status", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status endpoint = %d", rec.Code)
	}
	var got []supervisor.ConnectionStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode statuses: %v", err)
	}
	if len(got) != 1 || got[0].State != supervisor.StateConnected {
		t.Fatalf("statuses = %+v", got)
	}
}

func TestGetAssetValidatesHash(t *testing.T) {
	t.Parallel()

	cache, err := media.NewCache(nil, t.TempDir(), 1<<20)
	if err != nil {
		t.Fatalf("cache: %v", err)
	}
	e := newEcho(NewMediaHandler(cache))
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/media/not-a-hash", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestGetAssetServesCachedBytes(t *testing.T) {
	t.Parallel()

	cache, err := media.NewCache(nil, t.TempDir(), 1<<20)
	if err != nil {
		t.Fatalf("cache: %v", err)
	}
	content := []byte("cached payload")
	sum := sha256.Sum256(content)
	hash := hex.EncodeToString(sum[:])

	tempPath := filepath.Join(t.TempDir(), "spool")
	if err := os.WriteFile(tempPath, content, 0o644); err != nil {
		t.Fatalf("spool: %v", err)
	}
	if _, err := cache.Put(hash, tempPath, "text/plain", "payload.txt", int64(len(content))); err != nil {
		t.Fatalf("put: %v", err)
	}

	e := newEcho(NewMediaHandler(cache))
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/media/"+hash, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.HasPrefix(rec.Header().Get(echo.HeaderContentType), "text/plain") {
		t.Fatalf("content type = %q", rec.Header().Get(echo.HeaderContentType))
	}
	if rec.Body.String() != string(content) {
		t.Fatalf("body = %q", rec.Body.String())
	}

	rec = httptest.NewRecorder()
	missing := strings.Repeat("ab", 32)
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/media/"+missing, nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing asset status = %d, want 404", rec.Code)
	}
}
