package repositories

import (
	"context"

	"github.com/satriahrh/l2dbridge/domain/entities"
)

// MessageSink is the host framework's intake. Deliver may answer through reply
// at any point, including after it returns.
type MessageSink interface {
	Deliver(ctx context.Context, msg entities.InboundMessage, reply Replier) error
}

// Replier sends canonical messages back to the session that produced the
// inbound message.
type Replier interface {
	Reply(ctx context.Context, msgs ...entities.Message) error
	// Stream opens an incremental reply.
	Stream(ctx context.Context) (ReplyWriter, error)
}

// ReplyWriter accepts reply text as it is produced. Close flushes whatever is
// still buffered.
type ReplyWriter interface {
	Write(text string) error
	Close() error
}
