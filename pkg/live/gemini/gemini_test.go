package gemini

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/oauth2"

	"github.com/teslashibe/reachy-companion/pkg/live"
)

var upgrader = websocket.Upgrader{}

// fakeServer runs handler for each accepted WebSocket after the setup
// exchange and records what it saw.
type fakeServer struct {
	*httptest.Server
	setups  chan setupMessage
	queries chan string
	auth    chan string
}

func newFakeServer(t *testing.T, handler func(ws *websocket.Conn)) *fakeServer {
	t.Helper()
	fs := &fakeServer{
		setups:  make(chan setupMessage, 1),
		queries: make(chan string, 1),
		auth:    make(chan string, 1),
	}
	fs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fs.queries <- r.URL.Query().Get("key")
		fs.auth <- r.Header.Get("Authorization")

		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()

		var setup setupMessage
		if err := ws.ReadJSON(&setup); err != nil {
			return
		}
		fs.setups <- setup
		if err := ws.WriteJSON(map[string]any{"setupComplete": map[string]any{}}); err != nil {
			return
		}
		handler(ws)
	}))
	t.Cleanup(fs.Close)
	return fs
}

func (fs *fakeServer) dialer() *Dialer {
	return &Dialer{URL: "ws" + strings.TrimPrefix(fs.URL, "http")}
}

func dialTest(t *testing.T, fs *fakeServer, creds live.Credentials) live.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, err := fs.dialer().Dial(ctx, creds, live.DefaultConfig())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestDial_SendsSetup(t *testing.T) {
	fs := newFakeServer(t, func(ws *websocket.Conn) {
		ws.ReadMessage()
	})
	dialTest(t, fs, live.Credentials{APIKey: "secret"})

	if key := <-fs.queries; key != "secret" {
		t.Errorf("Expected key=secret, got %q", key)
	}
	setup := <-fs.setups
	if setup.Setup.Model != "models/"+live.DefaultModel {
		t.Errorf("Expected model models/%s, got %s", live.DefaultModel, setup.Setup.Model)
	}
	if got := setup.Setup.GenerationConfig.ResponseModalities; len(got) != 1 || got[0] != "AUDIO" {
		t.Errorf("Expected [AUDIO] modalities, got %v", got)
	}
	if setup.Setup.SystemInstruction == nil || setup.Setup.SystemInstruction.Parts[0].Text != live.DefaultSystemInstruction {
		t.Error("Expected the system instruction in setup")
	}
}

func TestDial_TokenSource(t *testing.T) {
	fs := newFakeServer(t, func(ws *websocket.Conn) {
		ws.ReadMessage()
	})
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "tok-123"})
	dialTest(t, fs, live.Credentials{TokenSource: ts})

	if key := <-fs.queries; key != "" {
		t.Errorf("Expected no key parameter, got %q", key)
	}
	if auth := <-fs.auth; auth != "Bearer tok-123" {
		t.Errorf("Expected bearer header, got %q", auth)
	}
}

func TestDial_Unauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "denied", http.StatusUnauthorized)
	}))
	defer srv.Close()

	d := &Dialer{URL: "ws" + strings.TrimPrefix(srv.URL, "http")}
	_, err := d.Dial(context.Background(), live.Credentials{APIKey: "bad"}, live.DefaultConfig())

	var connErr *live.ConnectionError
	if !errors.As(err, &connErr) {
		t.Fatalf("Expected ConnectionError, got %v", err)
	}
	if connErr.Retryable {
		t.Error("Expected rejected credentials to be non-retryable")
	}
}

func TestDial_SetupRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		ws.ReadMessage()
		ws.WriteJSON(map[string]any{"error": map[string]any{
			"code": 400, "status": "INVALID_ARGUMENT", "message": "unknown model",
		}})
		ws.ReadMessage()
	}))
	defer srv.Close()

	d := &Dialer{URL: "ws" + strings.TrimPrefix(srv.URL, "http")}
	_, err := d.Dial(context.Background(), live.Credentials{APIKey: "k"}, live.DefaultConfig())

	var svcErr *live.ServiceError
	if !errors.As(err, &svcErr) {
		t.Fatalf("Expected ServiceError, got %v", err)
	}
	if svcErr.Message != "unknown model" {
		t.Errorf("Expected message 'unknown model', got %q", svcErr.Message)
	}
}

func TestConn_AudioRoundTrip(t *testing.T) {
	received := make(chan realtimeInputMessage, 1)
	reply := base64.StdEncoding.EncodeToString([]byte{1, 0, 2, 0})

	fs := newFakeServer(t, func(ws *websocket.Conn) {
		var in realtimeInputMessage
		if err := ws.ReadJSON(&in); err != nil {
			return
		}
		received <- in

		ws.WriteJSON(map[string]any{"serverContent": map[string]any{
			"modelTurn": map[string]any{"parts": []any{
				map[string]any{"inlineData": map[string]any{"mimeType": "audio/pcm;rate=24000", "data": reply}},
			}},
			"turnComplete": true,
		}})
		ws.WriteJSON(map[string]any{"serverContent": map[string]any{"interrupted": true}})
		ws.WriteJSON(map[string]any{"goAway": map[string]any{"timeLeft": "30s"}})
		ws.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
		ws.ReadMessage()
	})
	conn := dialTest(t, fs, live.Credentials{APIKey: "k"})

	ctx := context.Background()
	if err := conn.SendAudio(ctx, []byte{0xff, 0x7f}, live.PCMMimeType(16000)); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}

	in := <-received
	chunks := in.RealtimeInput.MediaChunks
	if len(chunks) != 1 || chunks[0].MimeType != "audio/pcm;rate=16000" {
		t.Fatalf("Unexpected media chunks %+v", chunks)
	}
	if chunks[0].Data != base64.StdEncoding.EncodeToString([]byte{0xff, 0x7f}) {
		t.Errorf("Unexpected payload %s", chunks[0].Data)
	}

	want := []live.EventKind{live.EventAudio, live.EventTurnComplete, live.EventInterrupted, live.EventGoAway}
	for i, kind := range want {
		ev, err := conn.Recv(ctx)
		if err != nil {
			t.Fatalf("Recv %d: %v", i, err)
		}
		if ev.Kind != kind {
			t.Fatalf("Event %d: expected %s, got %s", i, kind, ev.Kind)
		}
		switch kind {
		case live.EventAudio:
			if ev.SampleRate != 24000 || len(ev.Audio) != 4 {
				t.Errorf("Expected 4 bytes at 24000 Hz, got %d at %d", len(ev.Audio), ev.SampleRate)
			}
		case live.EventGoAway:
			if ev.TimeLeft != 30*time.Second {
				t.Errorf("Expected 30s left, got %v", ev.TimeLeft)
			}
		}
	}

	if _, err := conn.Recv(ctx); !errors.Is(err, io.EOF) {
		t.Errorf("Expected io.EOF on normal close, got %v", err)
	}
}

func TestConn_SendText(t *testing.T) {
	received := make(chan clientContentMessage, 1)
	fs := newFakeServer(t, func(ws *websocket.Conn) {
		var msg clientContentMessage
		if err := ws.ReadJSON(&msg); err == nil {
			received <- msg
		}
		ws.ReadMessage()
	})
	conn := dialTest(t, fs, live.Credentials{APIKey: "k"})

	if err := conn.SendText(context.Background(), live.DefaultGreeting); err != nil {
		t.Fatalf("SendText: %v", err)
	}
	msg := <-received
	if !msg.ClientContent.TurnComplete {
		t.Error("Expected turnComplete true")
	}
	turns := msg.ClientContent.Turns
	if len(turns) != 1 || turns[0].Role != "user" || turns[0].Parts[0].Text != live.DefaultGreeting {
		t.Errorf("Unexpected turns %+v", turns)
	}
}

func TestConn_CloseUnblocksRecv(t *testing.T) {
	fs := newFakeServer(t, func(ws *websocket.Conn) {
		ws.ReadMessage()
	})
	conn := dialTest(t, fs, live.Credentials{APIKey: "k"})

	errc := make(chan error, 1)
	go func() {
		_, err := conn.Recv(context.Background())
		errc <- err
	}()
	time.Sleep(20 * time.Millisecond)
	conn.Close()

	select {
	case err := <-errc:
		if err == nil {
			t.Error("Expected an error after Close")
		}
	case <-time.After(time.Second):
		t.Fatal("Recv did not return after Close")
	}
	if err := conn.SendAudio(context.Background(), []byte{0, 0}, live.PCMMimeType(16000)); err == nil {
		t.Error("Expected SendAudio to fail after Close")
	}
}

func TestServerMessage_Events(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want []live.EventKind
	}{
		{
			name: "text parts are ignored",
			raw:  `{"serverContent":{"modelTurn":{"parts":[{"text":"hi"}]}}}`,
			want: nil,
		},
		{
			name: "bad base64 is a non-fatal error",
			raw:  `{"serverContent":{"modelTurn":{"parts":[{"inlineData":{"mimeType":"audio/pcm","data":"!!"}}]}}}`,
			want: []live.EventKind{live.EventError},
		},
		{
			name: "fatal service error",
			raw:  `{"error":{"code":403,"status":"PERMISSION_DENIED","message":"nope"}}`,
			want: []live.EventKind{live.EventError},
		},
		{
			name: "two audio parts then turn complete",
			raw:  `{"serverContent":{"modelTurn":{"parts":[{"inlineData":{"mimeType":"audio/pcm;rate=24000","data":"AAA="}},{"inlineData":{"mimeType":"audio/pcm;rate=24000","data":"AAA="}}]},"turnComplete":true}}`,
			want: []live.EventKind{live.EventAudio, live.EventAudio, live.EventTurnComplete},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var msg serverMessage
			if err := json.Unmarshal([]byte(tt.raw), &msg); err != nil {
				t.Fatalf("Unmarshal: %v", err)
			}
			events := msg.events()
			if len(events) != len(tt.want) {
				t.Fatalf("Expected %d events, got %d", len(tt.want), len(events))
			}
			for i, ev := range events {
				if ev.Kind != tt.want[i] {
					t.Errorf("Event %d: expected %s, got %s", i, tt.want[i], ev.Kind)
				}
			}
		})
	}
}

func TestServerMessage_ErrorFatality(t *testing.T) {
	var msg serverMessage
	json.Unmarshal([]byte(`{"error":{"code":429,"status":"RESOURCE_EXHAUSTED","message":"slow down"}}`), &msg)
	events := msg.events()
	if len(events) != 1 || events[0].Fatal {
		t.Errorf("Expected one non-fatal error, got %+v", events)
	}
}

func TestModelName(t *testing.T) {
	if got := modelName("gemini-2.0-flash-exp"); got != "models/gemini-2.0-flash-exp" {
		t.Errorf("Unexpected model name %s", got)
	}
	if got := modelName("models/x"); got != "models/x" {
		t.Errorf("Expected prefix to be kept, got %s", got)
	}
}
