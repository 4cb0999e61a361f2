package websocket

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/satriahrh/l2dbridge/domain/entities"
	"github.com/satriahrh/l2dbridge/internal/correlator"
	"github.com/satriahrh/l2dbridge/internal/metrics"
	"github.com/satriahrh/l2dbridge/internal/protocol"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	defaultHandshakeTimeout = 10 * time.Second
	defaultHeartbeatTimeout = 90 * time.Second
	defaultMaxViolations    = 5
	sendBufferSize          = 256
	inboundBufferSize       = 64
)

var ErrHubClosed = errors.New("hub is shut down")

// Peer is the view of an authenticated connection handed to packet handlers.
type Peer interface {
	Session() *entities.Session
	Send(p *protocol.Packet) error
	Request(ctx context.Context, p *protocol.Packet) (*protocol.Packet, error)
}

// Handler processes packets of authenticated sessions. Packets of one
// connection are handled one at a time in arrival order. An error is
// reported to the client as sys.error carrying the packet id.
type Handler interface {
	HandlePacket(ctx context.Context, peer Peer, p *protocol.Packet) error
	Disconnected(peer Peer)
}

type Options struct {
	AuthToken        string
	MaxConnections   int
	KickOld          bool
	HandshakeTimeout time.Duration
	HeartbeatTimeout time.Duration
	RequestTimeout   time.Duration
	MaxFrameBytes    int
	MaxViolations    int
	// AckConfig is sent as the config object of sys.handshake_ack.
	AckConfig map[string]interface{}
	// TracerProvider receives one span per dispatched packet. Nil uses the
	// global provider.
	TracerProvider trace.TracerProvider
}

func (o *Options) setDefaults() {
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = defaultHandshakeTimeout
	}
	if o.HeartbeatTimeout <= 0 {
		o.HeartbeatTimeout = defaultHeartbeatTimeout
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = correlator.DefaultTimeout
	}
	if o.MaxFrameBytes <= 0 {
		o.MaxFrameBytes = protocol.DefaultMaxFrameBytes
	}
	if o.MaxViolations <= 0 {
		o.MaxViolations = defaultMaxViolations
	}
}

// pingPeriod must stay below the heartbeat timeout.
func (o Options) pingPeriod() time.Duration {
	return o.HeartbeatTimeout * 9 / 10
}

// Hub maintains the set of authenticated clients, one per client id.
type Hub struct {
	opts     Options
	handler  Handler
	codec    protocol.Codec
	upgrader websocket.Upgrader
	metrics  *metrics.Metrics
	tracer   trace.Tracer
	logger   *zap.Logger

	mu      sync.Mutex
	clients map[string]*Client
	// live holds every open connection, authenticated or not.
	live   map[*Client]struct{}
	closed bool

	conns sync.WaitGroup
}

// NewHub creates a hub. metrics may be nil.
func NewHub(opts Options, handler Handler, m *metrics.Metrics, logger *zap.Logger) *Hub {
	opts.setDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	tp := opts.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return &Hub{
		opts:    opts,
		handler: handler,
		codec:   protocol.NewCodec(opts.MaxFrameBytes),
		upgrader: websocket.Upgrader{
			// Desktop shells connect from file:// and custom schemes.
			CheckOrigin:     func(r *http.Request) bool { return true },
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		metrics: m,
		tracer:  tp.Tracer("github.com/satriahrh/l2dbridge/internal/websocket"),
		logger:  logger,
		clients: make(map[string]*Client),
		live:    make(map[*Client]struct{}),
	}
}

func (h *Hub) Options() Options { return h.opts }

// HandleWebSocket upgrades the request and serves the connection in the
// background.
func (h *Hub) HandleWebSocket(c echo.Context) error {
	h.mu.Lock()
	closed := h.closed
	h.mu.Unlock()
	if closed {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "shutting down")
	}

	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		h.logger.Error("WebSocket upgrade failed", zap.Error(err))
		return err
	}

	client := newClient(h, conn, uuid.NewString(), c.RealIP())
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(writeWait))
		return conn.Close()
	}
	h.live[client] = struct{}{}
	h.conns.Add(1)
	h.mu.Unlock()

	go client.writePump()
	go client.run()
	return nil
}

// admit registers c for its client id. An earlier connection of the same
// client is always replaced; when the hub is full the oldest session is kicked
// if allowed, otherwise admission fails with connection-full.
func (h *Hub) admit(c *Client) ([]*Client, error) {
	clientID := c.session.ClientID

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, ErrHubClosed
	}

	var kicked []*Client
	if old, ok := h.clients[clientID]; ok {
		delete(h.clients, clientID)
		kicked = append(kicked, old)
	}

	if max := h.opts.MaxConnections; max > 0 && len(h.clients) >= max {
		if !h.opts.KickOld {
			for _, old := range kicked {
				h.clients[old.session.ClientID] = old
			}
			return nil, protocol.Errorf(protocol.CodeConnectionFull, "connection limit of %d reached", max)
		}
		for len(h.clients) >= max {
			oldest := h.oldestLocked()
			delete(h.clients, oldest.session.ClientID)
			kicked = append(kicked, oldest)
		}
	}

	h.clients[clientID] = c
	return kicked, nil
}

func (h *Hub) oldestLocked() *Client {
	var oldest *Client
	for _, c := range h.clients {
		if oldest == nil || c.session.CreatedAt.Before(oldest.session.CreatedAt) {
			oldest = c
		}
	}
	return oldest
}

// unregister forgets c. Its session slot is released unless a newer
// connection already took it.
func (h *Hub) unregister(c *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.live, c)
	if c.session == nil {
		return false
	}
	if cur, ok := h.clients[c.session.ClientID]; ok && cur == c {
		delete(h.clients, c.session.ClientID)
		return true
	}
	return false
}

// Lookup finds a session by session id, user id or client id. An empty target
// resolves when exactly one session is connected.
func (h *Hub) Lookup(target string) (Peer, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if target == "" {
		if len(h.clients) == 1 {
			for _, c := range h.clients {
				return c, nil
			}
		}
		return nil, protocol.Errorf(protocol.CodeSessionNotExist, "target required with %d sessions connected", len(h.clients))
	}
	if c, ok := h.clients[target]; ok {
		return c, nil
	}
	for _, c := range h.clients {
		if c.session.ID == target || c.session.UserID == target {
			return c, nil
		}
	}
	return nil, protocol.Errorf(protocol.CodeSessionNotExist, "no session for %q", target)
}

// Sessions lists connected sessions, oldest first.
func (h *Hub) Sessions() []entities.SessionInfo {
	h.mu.Lock()
	out := make([]entities.SessionInfo, 0, len(h.clients))
	for _, c := range h.clients {
		out = append(out, c.session.Info())
	}
	h.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Shutdown closes every session with going-away and waits for the
// connections to finish or ctx to expire.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.closed = true
	clients := make([]*Client, 0, len(h.live))
	for c := range h.live {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.Close(websocket.CloseGoingAway, "server shutting down")
	}

	done := make(chan struct{})
	go func() {
		h.conns.Wait()
		close(done)
	}()
	select {
	case <-done:
		h.logger.Info("WebSocket hub stopped", zap.Int("closed", len(clients)))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
