package hub

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"livesub/internal/domain"
)

type recordingControl struct {
	mu        sync.Mutex
	calls     []string
	devices   []string
	uploads   [][]byte
	triggered chan struct{}
}

func newRecordingControl() *recordingControl {
	return &recordingControl{triggered: make(chan struct{}, 16)}
}

func (c *recordingControl) record(call string) {
	c.mu.Lock()
	c.calls = append(c.calls, call)
	c.mu.Unlock()
	c.triggered <- struct{}{}
}

func (c *recordingControl) StartLive(_ context.Context, device string) error {
	c.mu.Lock()
	c.devices = append(c.devices, device)
	c.mu.Unlock()
	c.record("start")
	return nil
}

func (c *recordingControl) StopLive(context.Context) error {
	c.record("stop")
	return nil
}

func (c *recordingControl) UploadStarting(context.Context) { c.record("upload_start") }

func (c *recordingControl) Upload(_ context.Context, payload []byte) {
	c.mu.Lock()
	c.uploads = append(c.uploads, payload)
	c.mu.Unlock()
	c.record("upload")
}

func (c *recordingControl) wait(t *testing.T, n int) []string {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-c.triggered:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for control call %d", i+1)
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

func startServer(t *testing.T, h *Hub, control ControlHandler, rebroadcast bool) string {
	t.Helper()
	srv := NewServer(context.Background(), h, control, ServerConfig{Path: "/ws", Rebroadcast: rebroadcast})
	server := httptest.NewServer(srv.Handler())
	t.Cleanup(server.Close)
	return "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func waitForSubscribers(t *testing.T, h *Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for h.Len() != n {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d subscribers, have %d", n, h.Len())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func readText(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	kind, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if kind != websocket.TextMessage {
		t.Fatalf("expected text frame, got %d", kind)
	}
	return string(data)
}

func TestServerDeliversBroadcastsToClients(t *testing.T) {
	t.Parallel()

	h := New()
	url := startServer(t, h, newRecordingControl(), false)
	first, second := dial(t, url), dial(t, url)
	waitForSubscribers(t, h, 2)

	if err := h.Broadcast(context.Background(), finalResult()); err != nil {
		t.Fatalf("broadcast failed: %v", err)
	}
	a, b := readText(t, first), readText(t, second)
	if a != b || !strings.Contains(a, `"type":"final"`) || !strings.Contains(a, `"english":"hello"`) {
		t.Fatalf("unexpected payloads: %s / %s", a, b)
	}
}

func TestServerDispatchesControlMessages(t *testing.T) {
	t.Parallel()

	h := New()
	control := newRecordingControl()
	conn := dial(t, startServer(t, h, control, false))

	_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"start_live_audio","device":"hw:1"}`))
	_ = conn.WriteMessage(websocket.TextMessage, []byte(`not json`))
	_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"audio_file_upload_start"}`))
	_ = conn.WriteMessage(websocket.BinaryMessage, []byte{1, 2, 3, 4})
	_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"stop_live_audio"}`))

	calls := control.wait(t, 4)
	want := []string{"start", "upload_start", "upload", "stop"}
	if strings.Join(calls, ",") != strings.Join(want, ",") {
		t.Fatalf("unexpected calls: %v", calls)
	}
	control.mu.Lock()
	defer control.mu.Unlock()
	if control.devices[0] != "hw:1" || len(control.uploads[0]) != 4 {
		t.Fatalf("unexpected arguments: %v %v", control.devices, control.uploads)
	}
}

func TestServerDisconnectUnregisters(t *testing.T) {
	t.Parallel()

	h := New()
	emptied := make(chan struct{}, 1)
	h.OnEmpty(func() { emptied <- struct{}{} })
	conn := dial(t, startServer(t, h, nil, false))
	waitForSubscribers(t, h, 1)

	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	_ = conn.Close()

	select {
	case <-emptied:
	case <-time.After(2 * time.Second):
		t.Fatalf("hub did not notice the disconnect")
	}
}

func TestServerRebroadcastsToOtherClients(t *testing.T) {
	t.Parallel()

	h := New()
	url := startServer(t, h, nil, true)
	producer, viewer := dial(t, url), dial(t, url)
	waitForSubscribers(t, h, 2)

	payload, err := domain.EncodeResult(finalResult())
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	if err := producer.WriteMessage(websocket.TextMessage, payload); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if got := readText(t, viewer); got != string(payload) {
		t.Fatalf("viewer got %s", got)
	}

	_ = producer.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	if _, _, err := producer.ReadMessage(); err == nil {
		t.Fatalf("sender should not receive its own message")
	}
}
