package correlator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/satriahrh/l2dbridge/internal/protocol"
)

// DefaultTimeout is how long a server-initiated request waits for the client.
const DefaultTimeout = 15 * time.Second

var (
	ErrTimeout     = errors.New("correlator: request timed out")
	ErrClosed      = errors.New("correlator: connection closed")
	ErrDuplicateID = errors.New("correlator: request id already in flight")
)

// SendFunc writes a packet to the peer.
type SendFunc func(*protocol.Packet) error

// Call is one pending request.
type Call struct {
	ID   string
	Op   string
	done chan struct{}
	once sync.Once

	reply *protocol.Packet
	err   error
	timer *time.Timer
}

func (c *Call) finish(reply *protocol.Packet, err error) bool {
	finished := false
	c.once.Do(func() {
		c.reply = reply
		c.err = err
		if c.timer != nil {
			c.timer.Stop()
		}
		close(c.done)
		finished = true
	})
	return finished
}

// Done is closed once the call has a result.
func (c *Call) Done() <-chan struct{} {
	return c.done
}

// Wait blocks until the reply arrives, the call times out, the correlator is
// closed, or ctx ends. A reply carrying an error body is returned as that
// protocol error together with the packet.
func (c *Call) Wait(ctx context.Context) (*protocol.Packet, error) {
	select {
	case <-c.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if c.err != nil {
		return nil, c.err
	}
	if c.reply.Error != nil {
		return c.reply, c.reply.Error
	}
	return c.reply, nil
}

// Correlator matches client replies to server-initiated requests by id.
type Correlator struct {
	send    SendFunc
	timeout time.Duration

	mu      sync.Mutex
	pending map[string]*Call
	closed  bool
}

func New(send SendFunc, timeout time.Duration) *Correlator {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Correlator{
		send:    send,
		timeout: timeout,
		pending: make(map[string]*Call),
	}
}

// Start registers p, sends it and arms the timeout. An empty id is filled in.
func (c *Correlator) Start(p *protocol.Packet) (*Call, error) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.TS == 0 {
		p.TS = time.Now().UnixMilli()
	}

	call := &Call{ID: p.ID, Op: p.Op, done: make(chan struct{})}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	if _, exists := c.pending[p.ID]; exists {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDuplicateID, p.ID)
	}
	c.pending[p.ID] = call
	call.timer = time.AfterFunc(c.timeout, func() {
		c.fail(call.ID, call, fmt.Errorf("%w: %s after %s", ErrTimeout, call.Op, c.timeout))
	})
	c.mu.Unlock()

	if err := c.send(p); err != nil {
		c.fail(call.ID, call, fmt.Errorf("send %s: %w", p.Op, err))
		return nil, fmt.Errorf("send %s: %w", p.Op, err)
	}
	return call, nil
}

// Request is Start followed by Wait.
func (c *Correlator) Request(ctx context.Context, p *protocol.Packet) (*protocol.Packet, error) {
	call, err := c.Start(p)
	if err != nil {
		return nil, err
	}
	reply, err := call.Wait(ctx)
	if ctx.Err() != nil {
		c.fail(call.ID, call, ctx.Err())
	}
	return reply, err
}

// Resolve hands p to the call waiting on its id. It reports false when nothing
// was waiting, so the caller can route the packet elsewhere.
func (c *Correlator) Resolve(p *protocol.Packet) bool {
	if p == nil || p.ID == "" {
		return false
	}
	c.mu.Lock()
	call, ok := c.pending[p.ID]
	if ok {
		delete(c.pending, p.ID)
	}
	c.mu.Unlock()
	if !ok {
		return false
	}
	return call.finish(p, nil)
}

func (c *Correlator) fail(id string, call *Call, err error) {
	c.mu.Lock()
	if c.pending[id] == call {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	call.finish(nil, err)
}

// Close fails every pending call with ErrClosed and refuses new ones.
func (c *Correlator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	calls := c.pending
	c.pending = make(map[string]*Call)
	c.mu.Unlock()

	for _, call := range calls {
		call.finish(nil, ErrClosed)
	}
}

// Pending returns the number of calls still waiting.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
