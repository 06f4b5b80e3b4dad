package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/allydev/ally/internal/bus"
	"github.com/allydev/ally/internal/config"
	"github.com/allydev/ally/pkg/protocol"
)

type recordingHandler struct {
	mu     sync.Mutex
	inputs []string
	reply  string
	err    error
}

func (h *recordingHandler) HandleInput(_ context.Context, text string) (string, error) {
	h.mu.Lock()
	h.inputs = append(h.inputs, text)
	h.mu.Unlock()
	return h.reply, h.err
}

func (h *recordingHandler) got() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.inputs...)
}

func startTestGateway(t *testing.T, cfg config.GatewayConfig, b *bus.ActivityBus, h InputHandler) (*Server, *websocket.Conn) {
	t.Helper()
	cfg.Port = 0
	srv := New(cfg, b, h)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go srv.Start(ctx)

	url := fmt.Sprintf("ws://%s/ws", srv.Addr())
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { conn.Close() })
	return srv, conn
}

func readFrame(t *testing.T, conn *websocket.Conn) protocol.Frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var f protocol.Frame
	if err := conn.ReadJSON(&f); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return f
}

func TestBusEventsAreBroadcast(t *testing.T) {
	b := bus.New()
	srv, conn := startTestGateway(t, config.GatewayConfig{}, b, nil)

	// Wait for registration before emitting.
	deadline := time.Now().Add(2 * time.Second)
	for srv.ClientCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if srv.ClientCount() != 1 {
		t.Fatal("client never registered")
	}

	b.Emit(bus.Event{Type: bus.EventOutputChunk, Data: map[string]any{"text": "hello"}})

	f := readFrame(t, conn)
	if f.Type != "event" || f.Event == nil {
		t.Fatalf("frame = %+v", f)
	}
	if f.Event.Type != string(bus.EventOutputChunk) {
		t.Errorf("event type = %s", f.Event.Type)
	}
	if f.Event.Data["text"] != "hello" {
		t.Errorf("data = %+v", f.Event.Data)
	}
}

func TestInputFrameReachesHandler(t *testing.T) {
	h := &recordingHandler{reply: "done"}
	_, conn := startTestGateway(t, config.GatewayConfig{}, bus.New(), h)

	if err := conn.WriteJSON(protocol.Frame{Type: protocol.FrameInput, Text: "/model list"}); err != nil {
		t.Fatal(err)
	}

	f := readFrame(t, conn)
	if f.Type != "reply" || f.Text != "done" {
		t.Fatalf("frame = %+v", f)
	}
	got := h.got()
	if len(got) != 1 || got[0] != "/model list" {
		t.Errorf("inputs = %v", got)
	}
}

func TestHandlerErrorReturnsErrorFrame(t *testing.T) {
	h := &recordingHandler{err: errors.New("unknown command")}
	_, conn := startTestGateway(t, config.GatewayConfig{}, bus.New(), h)

	if err := conn.WriteJSON(protocol.Frame{Type: protocol.FrameInput, Text: "/nope"}); err != nil {
		t.Fatal(err)
	}

	f := readFrame(t, conn)
	if f.Type != "error" || f.Text != "unknown command" {
		t.Fatalf("frame = %+v", f)
	}
}

func TestNoHandlerRejectsInput(t *testing.T) {
	_, conn := startTestGateway(t, config.GatewayConfig{}, bus.New(), nil)

	if err := conn.WriteJSON(protocol.Frame{Type: protocol.FrameInput, Text: "hi"}); err != nil {
		t.Fatal(err)
	}
	f := readFrame(t, conn)
	if f.Type != "error" {
		t.Fatalf("frame = %+v", f)
	}
}

func TestRateLimitDropsExcessInput(t *testing.T) {
	h := &recordingHandler{reply: "ok"}
	_, conn := startTestGateway(t, config.GatewayConfig{RateLimitRPS: 2}, bus.New(), h)

	// Burst of 2 passes, the rest are limited.
	for i := 0; i < 6; i++ {
		if err := conn.WriteJSON(protocol.Frame{Type: protocol.FrameInput, Text: "x"}); err != nil {
			t.Fatal(err)
		}
	}

	limited := 0
	for i := 0; i < 6; i++ {
		f := readFrame(t, conn)
		if f.Type == "error" {
			limited++
		}
	}
	if limited == 0 {
		t.Error("no input was rate limited")
	}
	if len(h.got()) == 0 {
		t.Error("all input was rate limited")
	}
}
