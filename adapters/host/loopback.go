package host

import (
	"context"

	"go.uber.org/zap"

	"github.com/satriahrh/l2dbridge/domain/entities"
	"github.com/satriahrh/l2dbridge/domain/repositories"
)

const DefaultEchoPrefix = "Received: "

// Loopback answers every message by echoing it back. It stands in for a chat
// backend when none is configured.
type Loopback struct {
	prefix string
	logger *zap.Logger
}

func NewLoopback(prefix string, logger *zap.Logger) *Loopback {
	if prefix == "" {
		prefix = DefaultEchoPrefix
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loopback{prefix: prefix, logger: logger}
}

func (l *Loopback) Deliver(ctx context.Context, msg entities.InboundMessage, reply repositories.Replier) error {
	l.logger.Info("Echoing message",
		zap.String("sessionID", msg.SessionID),
		zap.String("messageID", msg.MessageID),
		zap.String("kind", string(msg.Kind)))

	out := entities.Message{Elements: []entities.Element{entities.Text{Text: l.prefix + msg.Text}}}
	for _, el := range msg.Elements {
		switch el.(type) {
		case entities.Image, entities.Video:
			out.Elements = append(out.Elements, el)
		}
	}
	return reply.Reply(ctx, out)
}
