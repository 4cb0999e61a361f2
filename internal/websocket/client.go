package websocket

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/satriahrh/l2dbridge/domain/entities"
	"github.com/satriahrh/l2dbridge/internal/correlator"
	"github.com/satriahrh/l2dbridge/internal/protocol"
)

var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrSendTimeout      = errors.New("send buffer full")
)

// Close reasons reported to metrics and logs.
const (
	reasonTransport  = "transport"
	reasonKicked     = "kicked"
	reasonShutdown   = "shutdown"
	reasonHeartbeat  = "heartbeat_timeout"
	reasonViolations = "violations"
	reasonHandshake  = "handshake_failed"
	reasonSlow       = "slow_consumer"
	reasonClosed     = "closed"
)

// maxCloseText is the room left for a reason in a close frame.
const maxCloseText = 123

// Client is a middleman between the websocket connection and the hub.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	connID string
	remote string
	logger *zap.Logger

	// Buffered channel of encoded outbound frames, drained by writePump.
	send chan []byte
	// Packets waiting for the handler, in arrival order.
	inbound chan *protocol.Packet
	// quit is closed once the connection starts closing.
	quit chan struct{}
	// stopped is closed when writePump has closed the socket.
	stopped chan struct{}

	state atomic.Int32

	// Set by the reader before admission and never changed afterwards.
	session  *entities.Session
	admitted bool

	calls      *correlator.Correlator
	violations int

	closeOnce sync.Once
	closeCode int
	closeText string
	reason    string

	ctx    context.Context
	cancel context.CancelFunc
}

func newClient(h *Hub, conn *websocket.Conn, connID, remote string) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		hub:     h,
		conn:    conn,
		connID:  connID,
		remote:  remote,
		logger:  h.logger.With(zap.String("connectionID", connID), zap.String("remote", remote)),
		send:    make(chan []byte, sendBufferSize),
		inbound: make(chan *protocol.Packet, inboundBufferSize),
		quit:    make(chan struct{}),
		stopped: make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}
	c.state.Store(int32(entities.StateConnecting))
	c.calls = correlator.New(c.Send, h.opts.RequestTimeout)
	return c
}

func (c *Client) Session() *entities.Session { return c.session }

func (c *Client) ConnectionID() string { return c.connID }

func (c *Client) State() entities.ConnectionState {
	return entities.ConnectionState(c.state.Load())
}

// Send queues p for the writer. It fails once the connection is closing, and
// closes a connection whose peer stopped draining its buffer.
func (c *Client) Send(p *protocol.Packet) error {
	data, err := c.hub.codec.Encode(p)
	if err != nil {
		return err
	}

	select {
	case <-c.quit:
		return ErrConnectionClosed
	default:
	}

	timer := time.NewTimer(writeWait)
	defer timer.Stop()
	select {
	case c.send <- data:
		c.hub.metrics.PacketOut(p.Op)
		if p.Error != nil {
			c.hub.metrics.PacketError(p.Error.Code)
		}
		return nil
	case <-c.quit:
		return ErrConnectionClosed
	case <-timer.C:
		c.logger.Warn("Closing slow client", zap.Int("queued", len(c.send)))
		c.closeWith(websocket.ClosePolicyViolation, "send buffer full", reasonSlow)
		return ErrSendTimeout
	}
}

// Request sends a server-initiated query and waits for the client's answer.
func (c *Client) Request(ctx context.Context, p *protocol.Packet) (*protocol.Packet, error) {
	if c.session != nil && !c.session.HasCapability(p.Op) {
		c.hub.metrics.Request(p.Op, "unsupported")
		return nil, protocol.Errorf(protocol.CodeUnsupportedType, "client does not support %s", p.Op)
	}
	reply, err := c.calls.Request(ctx, p)
	switch {
	case err == nil:
		c.hub.metrics.Request(p.Op, "ok")
	case errors.Is(err, correlator.ErrTimeout):
		c.hub.metrics.Request(p.Op, "timeout")
	default:
		c.hub.metrics.Request(p.Op, "error")
	}
	return reply, err
}

// Close starts closing the connection with the given close code. Frames
// already queued are flushed first.
func (c *Client) Close(code int, text string) {
	c.closeWith(code, text, reasonClosed)
}

func (c *Client) closeWith(code int, text, reason string) {
	c.closeOnce.Do(func() {
		if len(text) > maxCloseText {
			text = text[:maxCloseText]
		}
		c.closeCode, c.closeText, c.reason = code, text, reason
		c.state.Store(int32(entities.StateClosing))
		close(c.quit)
	})
}

// run owns the read side: handshake, then the read loop, then teardown.
func (c *Client) run() {
	defer c.teardown()

	c.conn.SetReadLimit(int64(c.hub.opts.MaxFrameBytes))
	if !c.handshake() {
		return
	}
	go c.inboundWorker()
	c.readLoop()
}

func (c *Client) teardown() {
	c.closeWith(websocket.CloseNormalClosure, "", reasonTransport)
	<-c.stopped

	c.cancel()
	c.calls.Close()
	c.hub.unregister(c)
	c.state.Store(int32(entities.StateClosed))

	if c.admitted {
		c.hub.metrics.SessionClosed(c.reason)
		if c.hub.handler != nil {
			c.hub.handler.Disconnected(c)
		}
		c.logger.Info("Session closed",
			zap.String("sessionID", c.session.ID),
			zap.String("reason", c.reason),
			zap.Duration("age", time.Since(c.session.CreatedAt)))
	}
	c.hub.conns.Done()
}

func (c *Client) refresh() {
	c.conn.SetReadDeadline(time.Now().Add(c.hub.opts.HeartbeatTimeout))
	if c.session != nil {
		c.session.Touch(time.Now())
	}
}

// readLoop pumps packets from the websocket connection.
func (c *Client) readLoop() {
	c.refresh()
	c.conn.SetPongHandler(func(string) error {
		c.refresh()
		return nil
	})

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			var netErr net.Error
			switch {
			case errors.As(err, &netErr) && netErr.Timeout():
				c.logger.Info("Heartbeat timeout", zap.String("sessionID", c.session.ID))
				c.closeWith(websocket.CloseGoingAway, "heartbeat timeout", reasonHeartbeat)
			case websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived):
				if c.State() == entities.StateActive {
					c.logger.Warn("WebSocket error", zap.Error(err))
				}
			}
			return
		}
		c.refresh()

		if messageType != websocket.TextMessage {
			c.violation("", protocol.Errorf(protocol.CodeInvalidPayload, "binary frames are not supported"))
			continue
		}
		p, err := c.hub.codec.Decode(data)
		if err != nil {
			var derr *protocol.DecodeError
			id := ""
			if errors.As(err, &derr) {
				id = derr.ID
			}
			c.violation(id, protocol.AsError(err, protocol.CodeInvalidPayload))
			continue
		}
		c.violations = 0
		c.hub.metrics.PacketIn(p.Op)

		if c.calls.Resolve(p) {
			continue
		}

		switch {
		case p.Op == protocol.OpPing:
			_ = c.Send(p.Reply(protocol.OpPong, map[string]interface{}{"serverTime": time.Now().UnixMilli()}))
		case p.Op == protocol.OpPong:
		case p.Op == protocol.OpHandshake:
			_ = c.Send(protocol.ErrorPacket(p.ID, protocol.Errorf(protocol.CodeInvalidPayload, "session already authenticated")))
		case protocol.IsQueryOp(p.Op):
			c.logger.Debug("Dropping reply without a pending request", zap.String("op", p.Op), zap.String("id", p.ID))
		default:
			select {
			case c.inbound <- p:
			case <-c.quit:
				return
			}
		}
	}
}

// violation reports an invalid packet and closes the connection once too many
// arrive in a row.
func (c *Client) violation(id string, perr *protocol.Error) {
	c.violations++
	c.logger.Debug("Invalid packet", zap.Int("violations", c.violations), zap.String("reason", perr.Message))
	_ = c.Send(protocol.ErrorPacket(id, perr))

	if c.violations >= c.hub.opts.MaxViolations {
		c.logger.Warn("Closing connection after repeated invalid packets", zap.Int("violations", c.violations))
		c.closeWith(websocket.ClosePolicyViolation, "too many invalid packets", reasonViolations)
	}
}

func (c *Client) inboundWorker() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case p := <-c.inbound:
			c.dispatch(p)
		}
	}
}

func (c *Client) dispatch(p *protocol.Packet) {
	start := time.Now()
	ctx, span := c.hub.tracer.Start(c.ctx, p.Op,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("l2d.op", p.Op),
			attribute.String("l2d.packet_id", p.ID),
			attribute.String("l2d.session_id", c.session.ID),
		))
	defer span.End()

	err := c.hub.handler.HandlePacket(ctx, c, p)
	c.hub.metrics.ObservePacket(p.Op, time.Since(start))
	if err == nil {
		return
	}

	perr := protocol.AsError(err, protocol.CodePerformFailed)
	span.RecordError(err)
	span.SetStatus(codes.Error, perr.Message)
	c.logger.Warn("Packet failed",
		zap.String("op", p.Op),
		zap.String("id", p.ID),
		zap.Int("code", perr.Code),
		zap.Error(err))
	if sendErr := c.Send(protocol.ErrorPacket(p.ID, perr)); sendErr != nil {
		c.logger.Debug("Failed to report packet error", zap.Error(sendErr))
	}
}

// writePump pumps frames from the send buffer to the websocket connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(c.hub.opts.pingPeriod())
	defer func() {
		ticker.Stop()
		c.conn.Close()
		close(c.stopped)
	}()

	for {
		select {
		case message := <-c.send:
			if err := c.write(websocket.TextMessage, message); err != nil {
				c.logger.Debug("Failed to write message", zap.Error(err))
				c.closeWith(websocket.CloseAbnormalClosure, "", reasonTransport)
				return
			}

		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				c.closeWith(websocket.CloseAbnormalClosure, "", reasonTransport)
				return
			}

		case <-c.quit:
			if !c.flush() {
				return
			}
			_ = c.write(websocket.CloseMessage, websocket.FormatCloseMessage(c.closeCode, c.closeText))
			return
		}
	}
}

// flush writes whatever is still queued.
func (c *Client) flush() bool {
	for {
		select {
		case message := <-c.send:
			if err := c.write(websocket.TextMessage, message); err != nil {
				return false
			}
		default:
			return true
		}
	}
}

func (c *Client) write(messageType int, data []byte) error {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(messageType, data)
}
