package bridge

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/goleak"
	"go.uber.org/zap"
)

func readFrame(t *testing.T, ctx context.Context, conn *websocket.Conn) string {
	t.Helper()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return string(data)
}

func TestHubLifecycle(t *testing.T) {
	defer goleak.VerifyNone(t)

	hub := NewHub(func() Hello {
		return Hello{Version: "test", Personas: []PersonaInfo{{ID: "lyra", Name: "Lyra"}}}
	}, nil, zap.NewNop())
	received := make(chan Inbound, 4)
	hub.OnMessage(func(msg Inbound) bool { received <- msg; return true })

	srv := httptest.NewServer(hub)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	hello := readFrame(t, ctx, conn)
	if !strings.HasPrefix(hello, `{"type":"hello","version":"test"`) {
		t.Fatalf("first frame = %s, want hello", hello)
	}

	if err := conn.Write(ctx, websocket.MessageText, []byte(`{"type":"ping","nonce":"42"}`)); err != nil {
		t.Fatal(err)
	}
	if pong := readFrame(t, ctx, conn); pong != `{"type":"pong","nonce":"42"}` {
		t.Errorf("pong = %s", pong)
	}

	conn.Write(ctx, websocket.MessageText, []byte(`{"type":"teleport"}`))
	conn.Write(ctx, websocket.MessageText, []byte(`{"type":"user_chat","text":"hey"}`))
	select {
	case msg := <-received:
		if msg != (UserChat{Text: "hey"}) {
			t.Errorf("handler got %#v", msg)
		}
	case <-ctx.Done():
		t.Fatal("user_chat never reached the handler")
	}

	waitFor(t, func() bool { return hub.Clients() == 1 })
	data, _ := Encode(Speak{PersonaID: "lyra", Name: "Lyra", Text: "hello"})
	hub.Deliver(ctx, Envelope{Message: Speak{}, Data: data})
	if got := readFrame(t, ctx, conn); got != string(data) {
		t.Errorf("delivered = %s", got)
	}

	hub.Close()
	if _, _, err := conn.Read(ctx); err == nil {
		t.Error("expected the connection to close")
	}
	waitFor(t, func() bool { return hub.Clients() == 0 })
}

func TestHubAnswersDroppedMessages(t *testing.T) {
	defer goleak.VerifyNone(t)

	hub := NewHub(func() Hello { return Hello{Version: "test"} }, nil, zap.NewNop())
	hub.OnMessage(func(Inbound) bool { return false })

	srv := httptest.NewServer(hub)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()
	readFrame(t, ctx, conn) // hello

	conn.Write(ctx, websocket.MessageText, []byte(`{"type":"user_chat","text":"hey"}`))
	if got := readFrame(t, ctx, conn); !strings.HasPrefix(got, `{"type":"log","level":"warn","message":"`+BusyNotice) {
		t.Errorf("dropped chat answered with %s, want a busy warning", got)
	}

	conn.Write(ctx, websocket.MessageText, []byte(`{"type":"debug_command","command":"tick_now"}`))
	want := `{"type":"command_result","command":"tick_now","error":"` + BusyNotice + `"}`
	if got := readFrame(t, ctx, conn); got != want {
		t.Errorf("dropped command answered with %s, want %s", got, want)
	}

	hub.Close()
	conn.Read(ctx)
	waitFor(t, func() bool { return hub.Clients() == 0 })
}

func TestHubRejectsForeignOrigins(t *testing.T) {
	defer goleak.VerifyNone(t)

	hub := NewHub(func() Hello { return Hello{Version: "test"} }, []string{"localhost:*"}, zap.NewNop())
	srv := httptest.NewServer(hub)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	tests := []struct {
		origin string
		ok     bool
	}{
		{"https://evil.example", false},
		{"http://localhost:5173", true},
	}
	for _, tt := range tests {
		conn, resp, err := websocket.Dial(ctx, url, &websocket.DialOptions{
			HTTPHeader: http.Header{"Origin": []string{tt.origin}},
		})
		if tt.ok {
			if err != nil {
				t.Errorf("origin %s: dial: %v", tt.origin, err)
				continue
			}
			readFrame(t, ctx, conn)
			conn.Close(websocket.StatusNormalClosure, "")
			continue
		}
		if err == nil {
			conn.CloseNow()
			t.Errorf("origin %s: connected, want rejection", tt.origin)
			continue
		}
		if resp == nil || resp.StatusCode != http.StatusForbidden {
			t.Errorf("origin %s: err = %v, want 403", tt.origin, err)
		}
	}
	waitFor(t, func() bool { return hub.Clients() == 0 })
}
