package correlator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/satriahrh/l2dbridge/internal/protocol"
)

type recorder struct {
	mu   sync.Mutex
	sent []*protocol.Packet
	err  error
}

func (r *recorder) send(p *protocol.Packet) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.sent = append(r.sent, p)
	return nil
}

func TestRequestResolved(t *testing.T) {
	rec := &recorder{}
	c := New(rec.send, time.Second)

	req := protocol.NewPacket(protocol.OpDesktopWindowList, nil)
	call, err := c.Start(req)
	require.NoError(t, err)
	require.Len(t, rec.sent, 1)
	assert.Equal(t, 1, c.Pending())

	reply := req.Reply(protocol.OpDesktopWindowList, map[string]interface{}{"windows": []interface{}{}})
	assert.True(t, c.Resolve(reply))

	got, err := call.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, req.ID, got.ID)
	assert.Equal(t, 0, c.Pending())

	// A second reply with the same id is not consumed.
	assert.False(t, c.Resolve(reply))
}

func TestRequestTimeout(t *testing.T) {
	rec := &recorder{}
	c := New(rec.send, 20*time.Millisecond)

	start := time.Now()
	_, err := c.Request(context.Background(), protocol.NewPacket(protocol.OpDesktopCaptureScreenshot, nil))
	assert.ErrorIs(t, err, ErrTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
	assert.Equal(t, 0, c.Pending())
}

func TestLateReplyAfterTimeoutIsIgnored(t *testing.T) {
	rec := &recorder{}
	c := New(rec.send, 10*time.Millisecond)

	req := protocol.NewPacket(protocol.OpDesktopWindowActive, nil)
	call, err := c.Start(req)
	require.NoError(t, err)
	_, err = call.Wait(context.Background())
	require.ErrorIs(t, err, ErrTimeout)

	assert.False(t, c.Resolve(req.Reply(protocol.OpDesktopWindowActive, nil)))
}

func TestReplyCarryingError(t *testing.T) {
	rec := &recorder{}
	c := New(rec.send, time.Second)

	req := protocol.NewPacket(protocol.OpModelList, nil)
	call, err := c.Start(req)
	require.NoError(t, err)

	c.Resolve(protocol.ErrorPacket(req.ID, protocol.NewError(protocol.CodeUnsupportedType, "no models")))
	got, err := call.Wait(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, protocol.ErrUnsupportedType))
	require.NotNil(t, got)
	assert.Equal(t, req.ID, got.ID)
}

func TestDuplicateID(t *testing.T) {
	rec := &recorder{}
	c := New(rec.send, time.Second)

	p := &protocol.Packet{Op: protocol.OpModelState, ID: "fixed"}
	_, err := c.Start(p)
	require.NoError(t, err)

	_, err = c.Start(&protocol.Packet{Op: protocol.OpModelState, ID: "fixed"})
	assert.ErrorIs(t, err, ErrDuplicateID)
}

func TestCloseFailsPending(t *testing.T) {
	rec := &recorder{}
	c := New(rec.send, time.Minute)

	calls := make([]*Call, 3)
	for i := range calls {
		call, err := c.Start(protocol.NewPacket(protocol.OpDesktopWindowList, nil))
		require.NoError(t, err)
		calls[i] = call
	}

	c.Close()
	for _, call := range calls {
		_, err := call.Wait(context.Background())
		assert.ErrorIs(t, err, ErrClosed)
	}

	_, err := c.Start(protocol.NewPacket(protocol.OpDesktopWindowList, nil))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestSendFailureUnregisters(t *testing.T) {
	rec := &recorder{err: errors.New("broken pipe")}
	c := New(rec.send, time.Minute)

	_, err := c.Start(protocol.NewPacket(protocol.OpDesktopWindowList, nil))
	require.Error(t, err)
	assert.Equal(t, 0, c.Pending())
}

func TestEmptyIDIsGenerated(t *testing.T) {
	rec := &recorder{}
	c := New(rec.send, time.Second)

	p := &protocol.Packet{Op: protocol.OpModelList}
	call, err := c.Start(p)
	require.NoError(t, err)
	assert.NotEmpty(t, p.ID)
	assert.Equal(t, p.ID, call.ID)
	assert.NotZero(t, p.TS)
}

func TestContextCancelReleasesCall(t *testing.T) {
	rec := &recorder{}
	c := New(rec.send, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.Request(ctx, protocol.NewPacket(protocol.OpDesktopWindowList, nil))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, c.Pending())
}
