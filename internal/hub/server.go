package hub

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"livesub/internal/domain"
	"livesub/internal/logging"
)

const (
	defaultWriteTimeout = 10 * time.Second
	defaultPongWait     = 60 * time.Second
)

// ControlHandler receives inbound control messages and uploads.
type ControlHandler interface {
	StartLive(ctx context.Context, device string) error
	StopLive(ctx context.Context) error
	UploadStarting(ctx context.Context)
	Upload(ctx context.Context, payload []byte)
}

// ServerConfig controls the websocket endpoint.
type ServerConfig struct {
	Path            string
	MaxMessageBytes int64
	WriteTimeout    time.Duration
	PongWait        time.Duration
	// Rebroadcast turns the server into a plain relay: every inbound message
	// goes to all other subscribers and nothing is dispatched locally.
	Rebroadcast bool
}

// Server accepts websocket subscribers for a Hub.
type Server struct {
	hub      *Hub
	control  ControlHandler
	cfg      ServerConfig
	upgrader websocket.Upgrader
	baseCtx  context.Context
}

// NewServer builds the endpoint. control may be nil in rebroadcast mode.
// ctx bounds work started by inbound messages, such as uploads.
func NewServer(ctx context.Context, h *Hub, control ControlHandler, cfg ServerConfig) *Server {
	if cfg.Path == "" {
		cfg.Path = "/"
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = defaultPongWait
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = 64 << 20
	}
	return &Server{
		hub:     h,
		control: control,
		cfg:     cfg,
		baseCtx: ctx,
		upgrader: websocket.Upgrader{
			// Clients are not authenticated; any origin may subscribe.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Handler serves the websocket endpoint and a health check.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle(s.cfg.Path, s)
	return mux
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warnw("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	sub := newWSSubscriber(conn, s.cfg.WriteTimeout)
	s.hub.Register(sub)
	defer s.hub.Unregister(sub)

	pingEvery := s.cfg.PongWait * 9 / 10
	go sub.keepAlive(pingEvery)

	conn.SetReadLimit(s.cfg.MaxMessageBytes)
	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
	})

	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				logging.Infow("subscriber read ended", "subscriber.id", sub.ID(), "error", err)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))

		if s.cfg.Rebroadcast {
			s.relay(sub.ID(), kind, data)
			continue
		}
		if s.control != nil {
			Dispatch(s.baseCtx, s.control, kind == websocket.BinaryMessage, data)
		}
	}
}

func (s *Server) relay(from string, kind int, data []byte) {
	if kind == websocket.BinaryMessage {
		s.hub.BroadcastBinary(data, from)
		return
	}
	s.hub.BroadcastRaw(data, from)
}

// Dispatch routes one inbound message to handler: binary payloads are
// uploads, text payloads are JSON control messages.
func Dispatch(ctx context.Context, handler ControlHandler, binary bool, data []byte) {
	if binary {
		logging.Infow("received audio upload", "bytes", len(data))
		handler.Upload(ctx, data)
		return
	}

	msg, err := domain.DecodeControl(data)
	if err != nil {
		logging.Warnw("ignoring malformed control message", "error", err)
		return
	}
	switch msg.Type {
	case domain.ControlStartLiveAudio:
		if err := handler.StartLive(ctx, msg.Device); err != nil {
			logging.Warnw("start live audio failed", "device", msg.Device, "error", err)
		}
	case domain.ControlStopLiveAudio:
		if err := handler.StopLive(ctx); err != nil {
			logging.Debugw("stop live audio", "error", err)
		}
	case domain.ControlUploadStart:
		handler.UploadStarting(ctx)
	default:
		logging.Debugw("ignoring message", "type", msg.Type)
	}
}

// BinarySubscriber is implemented by subscribers that can carry raw audio.
type BinarySubscriber interface {
	Subscriber
	SendBinary(payload []byte) error
}

// BroadcastBinary relays an upload payload to binary-capable subscribers
// other than except.
func (h *Hub) BroadcastBinary(payload []byte, except string) {
	h.mu.Lock()
	targets := make([]Subscriber, 0, len(h.subs))
	for id, sub := range h.subs {
		if _, ok := sub.(BinarySubscriber); ok && id != except {
			targets = append(targets, sub)
		}
	}
	h.mu.Unlock()

	h.deliver(targets, func(sub Subscriber) error {
		return sub.(BinarySubscriber).SendBinary(payload)
	})
}

var errSubscriberClosed = errors.New("subscriber closed")

// wsSubscriber is a websocket connection registered with the hub. Writes are
// serialized by writeMu; control frames go through WriteControl, which
// gorilla allows concurrently.
type wsSubscriber struct {
	id           string
	conn         *websocket.Conn
	writeTimeout time.Duration

	writeMu   sync.Mutex
	closed    chan struct{}
	closeOnce sync.Once
}

func newWSSubscriber(conn *websocket.Conn, writeTimeout time.Duration) *wsSubscriber {
	return &wsSubscriber{
		id:           uuid.NewString(),
		conn:         conn,
		writeTimeout: writeTimeout,
		closed:       make(chan struct{}),
	}
}

func (s *wsSubscriber) ID() string { return s.id }

func (s *wsSubscriber) Send(payload []byte) error {
	return s.write(websocket.TextMessage, payload)
}

func (s *wsSubscriber) SendBinary(payload []byte) error {
	return s.write(websocket.BinaryMessage, payload)
}

func (s *wsSubscriber) write(kind int, payload []byte) error {
	select {
	case <-s.closed:
		return errSubscriberClosed
	default:
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	return s.conn.WriteMessage(kind, payload)
}

func (s *wsSubscriber) keepAlive(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-s.closed:
			return
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.writeTimeout)); err != nil {
				_ = s.conn.Close()
				return
			}
		}
	}
}

func (s *wsSubscriber) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		err = s.conn.Close()
	})
	return err
}
