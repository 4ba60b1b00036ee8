package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/MrWong99/voxrelay/internal/observe"
	"github.com/MrWong99/voxrelay/pkg/provider/s2s"
)

const (
	// defaultReadLimit caps one client frame. Base64 audio for a few seconds
	// of 24 kHz PCM16 fits comfortably.
	defaultReadLimit = 4 << 20

	// writeTimeout bounds a single write to the client.
	writeTimeout = 5 * time.Second
)

// HandlerConfig holds the dependencies of a [Handler].
type HandlerConfig struct {
	// Provider opens remote translation sessions.
	Provider s2s.Provider

	// Template returns the remote session config for a new session.
	Template func() s2s.SessionConfig

	// Settings are the framing and timing limits applied to every session.
	Settings Settings

	// Registry tracks live sessions. A new Registry is created when nil.
	Registry *Registry

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// MaxSessions rejects new connections with 503 once reached. Zero means
	// unlimited.
	MaxSessions int

	// AllowedOrigins are host patterns accepted in the Origin header. Empty
	// allows same-origin requests only; "*" allows any origin.
	AllowedOrigins []string

	// BaseContext, when cancelled, ends every running session.
	BaseContext context.Context
}

// Handler accepts client websocket connections and runs one [Session] per
// connection.
type Handler struct {
	cfg    HandlerConfig
	accept websocket.AcceptOptions
	wg     sync.WaitGroup
}

// NewHandler returns a Handler for cfg.
func NewHandler(cfg HandlerConfig) *Handler {
	if cfg.Registry == nil {
		cfg.Registry = NewRegistry()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.BaseContext == nil {
		cfg.BaseContext = context.Background()
	}
	h := &Handler{cfg: cfg}
	if slices.Contains(cfg.AllowedOrigins, "*") {
		h.accept.InsecureSkipVerify = true
	} else {
		h.accept.OriginPatterns = cfg.AllowedOrigins
	}
	return h
}

// Registry returns the registry of live sessions.
func (h *Handler) Registry() *Registry { return h.cfg.Registry }

// Wait blocks until every session started by h has returned.
func (h *Handler) Wait() { h.wg.Wait() }

// ServeHTTP implements [http.Handler].
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := observe.Logger(ctx)

	connID := uuid.NewString()
	client := &wsClient{}
	sess := NewSession(connID, client, h.cfg.Provider, h.cfg.Template, h.cfg.Settings,
		WithMetrics(h.cfg.Metrics),
		WithRegistry(h.cfg.Registry),
	)
	if !h.cfg.Registry.TryAdd(sess, h.cfg.MaxSessions) {
		h.cfg.Metrics.RecordClientError(ctx, "capacity")
		log.Warn("rejecting connection: session capacity reached", "max_sessions", h.cfg.MaxSessions)
		http.Error(w, "session capacity reached", http.StatusServiceUnavailable)
		return
	}

	conn, err := websocket.Accept(w, r, &h.accept)
	if err != nil {
		h.cfg.Registry.Remove(connID)
		log.Debug("websocket upgrade failed", "err", err)
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(defaultReadLimit)
	client.conn = conn

	h.wg.Add(1)
	defer h.wg.Done()

	h.cfg.Metrics.ActiveSessions.Add(ctx, 1)
	defer h.cfg.Metrics.ActiveSessions.Add(context.WithoutCancel(ctx), -1)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(h.cfg.BaseContext, cancel)
	defer stop()

	log.Info("client connected", "conn_id", connID, "remote_addr", r.RemoteAddr)
	if err := sess.Run(ctx); err != nil {
		log.Error("session ended with error", "conn_id", connID, "err", err)
	}
}

// wsClient adapts a websocket connection to [ClientConn].
type wsClient struct {
	conn *websocket.Conn
}

func (c *wsClient) Read(ctx context.Context) ([]byte, error) {
	_, data, err := c.conn.Read(ctx)
	return data, err
}

func (c *wsClient) Write(ctx context.Context, msg ServerMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return c.conn.Write(ctx, websocket.MessageText, data)
}

func (c *wsClient) Close(reason string) error {
	return c.conn.Close(websocket.StatusNormalClosure, reason)
}
