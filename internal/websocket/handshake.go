package websocket

import (
	"errors"
	"net"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/satriahrh/l2dbridge/domain/entities"
	"github.com/satriahrh/l2dbridge/internal/auth"
	"github.com/satriahrh/l2dbridge/internal/protocol"
)

// handshake authenticates the connection. The first frame must be
// sys.handshake and must arrive within the handshake timeout.
func (c *Client) handshake() bool {
	c.state.Store(int32(entities.StateAuthenticating))
	c.conn.SetReadDeadline(time.Now().Add(c.hub.opts.HandshakeTimeout))

	_, data, err := c.conn.ReadMessage()
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return c.reject("", protocol.Errorf(protocol.CodeAuthFailed, "handshake timeout"), "timeout")
		}
		c.hub.metrics.Handshake("aborted")
		c.logger.Debug("Connection dropped before handshake", zap.Error(err))
		return false
	}

	p, err := c.hub.codec.Decode(data)
	if err != nil {
		var derr *protocol.DecodeError
		id := ""
		if errors.As(err, &derr) {
			id = derr.ID
		}
		return c.reject(id, protocol.Errorf(protocol.CodeAuthFailed, "malformed handshake: %v", err), "malformed")
	}
	if p.Op != protocol.OpHandshake {
		return c.reject(p.ID, protocol.Errorf(protocol.CodeAuthFailed, "expected %s, got %s", protocol.OpHandshake, p.Op), "unexpected_op")
	}

	var hs protocol.HandshakePayload
	bindErr := protocol.Bind(p.Payload, &hs)
	if err := protocol.CheckVersion(hs.Version); err != nil {
		return c.reject(p.ID, protocol.AsError(err, protocol.CodeVersionMismatch), "version")
	}
	if bindErr != nil {
		return c.reject(p.ID, protocol.Errorf(protocol.CodeAuthFailed, "%s", protocol.AsError(bindErr, protocol.CodeAuthFailed).Message), "malformed")
	}
	if !auth.Equal(c.hub.opts.AuthToken, hs.Token) {
		return c.reject(p.ID, protocol.Errorf(protocol.CodeAuthFailed, "invalid token"), "auth")
	}

	c.session = entities.NewSession(hs.ResolveClientID(), c.connID, hs.Capabilities)
	kicked, err := c.hub.admit(c)
	if err != nil {
		c.session = nil
		return c.reject(p.ID, protocol.AsError(err, protocol.CodeConnectionFull), "full")
	}
	for _, old := range kicked {
		old.logger.Info("Kicking session",
			zap.String("sessionID", old.session.ID),
			zap.String("replacedBy", c.connID))
		old.closeWith(websocket.CloseNormalClosure, "replaced by a newer connection", reasonKicked)
	}

	c.admitted = true
	c.state.Store(int32(entities.StateActive))
	c.hub.metrics.SessionOpened()
	c.hub.metrics.Handshake("accepted")
	c.logger.Info("Session authenticated",
		zap.String("sessionID", c.session.ID),
		zap.String("clientID", c.session.ClientID),
		zap.Strings("capabilities", hs.Capabilities),
		zap.Int("kicked", len(kicked)))

	ack := p.Reply(protocol.OpHandshakeAck, map[string]interface{}{
		"version":      protocol.Version,
		"serverTime":   time.Now().UnixMilli(),
		"features":     protocol.Features,
		"capabilities": protocol.ServerCapabilities,
		"config":       c.hub.opts.AckConfig,
		"session": map[string]interface{}{
			"sessionId": c.session.ID,
			"userId":    c.session.UserID,
		},
	})
	if err := c.Send(ack); err != nil {
		return false
	}
	_ = c.Send(protocol.NewPacket(protocol.OpStateReady, map[string]interface{}{
		"clientId": c.session.ClientID,
	}))
	return true
}

// reject reports a failed handshake and closes with policy violation.
func (c *Client) reject(id string, perr *protocol.Error, result string) bool {
	c.hub.metrics.Handshake(result)
	c.logger.Info("Handshake rejected", zap.Int("code", perr.Code), zap.String("reason", perr.Message))
	_ = c.Send(protocol.ErrorPacket(id, perr))
	c.closeWith(websocket.ClosePolicyViolation, perr.Message, reasonHandshake)
	return false
}
