package usecase

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/satriahrh/l2dbridge/domain/entities"
	"github.com/satriahrh/l2dbridge/internal/cleanup"
	"github.com/satriahrh/l2dbridge/internal/converter"
	"github.com/satriahrh/l2dbridge/internal/protocol"
)

func newAdminFixture(t *testing.T, peers ...*fakePeer) (*AdminService, *bridgeFixture) {
	t.Helper()
	f := newBridgeFixture(t, BridgeOptions{}, peers...)
	logger := zaptest.NewLogger(t)
	cleaner := cleanup.NewService(time.Minute, nil, logger, f.store)
	return NewAdminService(f.bridge, f.store, nil, cleaner, "loopback", logger), f
}

func TestAdmin_Status(t *testing.T) {
	admin, f := newAdminFixture(t, newFakePeer("desk-1"))
	_, err := f.store.Put(context.Background(), entities.KindImage, "image/png", []byte("png"))
	require.NoError(t, err)

	st := admin.Status()
	assert.Equal(t, protocol.Version, st.Version)
	assert.Equal(t, 1, st.Sessions)
	assert.Equal(t, "loopback", st.HostMode)
	require.Contains(t, st.Stores, "resources")
	assert.Equal(t, 1, st.Stores["resources"].Files)
	assert.NotContains(t, st.Stores, "temp")
}

func TestAdmin_SessionsAndResources(t *testing.T) {
	peer := newFakePeer("desk-1")
	admin, f := newAdminFixture(t, peer)

	sessions := admin.Sessions()
	require.Len(t, sessions, 1)
	assert.Equal(t, peer.session.ID, sessions[0].SessionID)

	res, err := f.store.Put(context.Background(), entities.KindAudio, "audio/wav", []byte("RIFF"))
	require.NoError(t, err)
	report, err := admin.Resources()
	require.NoError(t, err)
	require.Len(t, report.Resources, 1)
	assert.Equal(t, res.RID, report.Resources[0].RID)
	assert.EqualValues(t, 4, report.Stats.Bytes)
}

func TestAdmin_Cleanup(t *testing.T) {
	admin, _ := newAdminFixture(t)

	results, err := admin.Cleanup(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "resources", results[0].Store)
}

func TestAdmin_Say(t *testing.T) {
	peer := newFakePeer("desk-1")
	admin, _ := newAdminFixture(t, peer)
	ctx := context.Background()

	err := admin.Say(ctx, SayRequest{Text: "  "})
	assert.ErrorIs(t, err, protocol.ErrInvalidPayload)

	require.NoError(t, admin.Say(ctx, SayRequest{Text: "hello"}))
	no := false
	require.NoError(t, admin.Say(ctx, SayRequest{Target: "desk-1", Text: "queued", Interrupt: &no}))

	shows := peer.packets(protocol.OpPerformShow)
	require.Len(t, shows, 2)
	assert.Equal(t, true, shows[0].Payload["interrupt"])
	assert.Equal(t, false, shows[1].Payload["interrupt"])
	assert.Equal(t, "queued", textOf(sequence(t, shows[1])))
}

func TestAdmin_Query(t *testing.T) {
	peer := newFakePeer("desk-1")
	peer.answer = &protocol.Packet{Op: protocol.OpDesktopWindowList, Payload: map[string]interface{}{"windows": []interface{}{}}}
	admin, _ := newAdminFixture(t, peer)

	_, err := admin.Query(context.Background(), QueryRequest{})
	assert.ErrorIs(t, err, protocol.ErrInvalidPayload)

	reply, err := admin.Query(context.Background(), QueryRequest{Op: protocol.OpDesktopWindowList})
	require.NoError(t, err)
	assert.Contains(t, reply.Payload, "windows")
}

func TestAdmin_Motion(t *testing.T) {
	admin, _ := newAdminFixture(t)

	types := admin.MotionTypes()
	require.Len(t, types, len(converter.DefaultMotionRules))
	assert.Equal(t, converter.MotionIdle, types[0].Type)

	_, err := admin.MatchMotion(MotionRequest{Text: " "})
	assert.ErrorIs(t, err, protocol.ErrInvalidPayload)

	match, err := admin.MatchMotion(MotionRequest{Text: "哈哈，太开心了"})
	require.NoError(t, err)
	assert.Equal(t, converter.MotionHappy, match.Type)
	assert.Equal(t, []string{"开心", "哈哈"}, match.Keywords)
	assert.Equal(t, 4, match.Score)
}

func TestAdmin_DisabledSubsystems(t *testing.T) {
	f := newBridgeFixture(t, BridgeOptions{})
	admin := NewAdminService(f.bridge, nil, nil, nil, "webhook", zaptest.NewLogger(t))

	_, err := admin.Resources()
	assert.ErrorIs(t, err, protocol.ErrUnsupportedType)
	_, err = admin.Cleanup(context.Background())
	assert.ErrorIs(t, err, protocol.ErrUnsupportedType)
	assert.Empty(t, admin.Status().Stores)
	assert.NotNil(t, admin.Sessions())
}
