package usecase

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/satriahrh/l2dbridge/domain/entities"
	"github.com/satriahrh/l2dbridge/internal/protocol"
)

func TestStream_IncrementalChunks(t *testing.T) {
	peer := newFakePeer("desk-1")
	f := newBridgeFixture(t, BridgeOptions{EnableStreaming: true}, peer)

	w, err := f.bridge.Stream(context.Background(), "", StreamOptions{})
	require.NoError(t, err)

	pieces := []string{"Hello there. How", " are you? Fine"}
	for _, p := range pieces {
		require.NoError(t, w.Write(p))
	}
	require.Len(t, peer.packets(protocol.OpPerformShow), 2, "completed sentences are shown before Close")
	require.NoError(t, w.Close())

	shows := peer.packets(protocol.OpPerformShow)
	require.Len(t, shows, 3)

	var got []string
	for i, show := range shows {
		assert.Equal(t, false, show.Payload["interrupt"], "packet %d", i)
		got = append(got, textOf(sequence(t, show)))
	}
	assert.Equal(t, []string{"Hello there. ", "How are you? ", "Fine"}, got)
	assert.Equal(t, strings.Join(pieces, ""), strings.Join(got, ""))

	var motions int
	for i, show := range shows {
		for _, el := range sequence(t, show) {
			if _, ok := el.(entities.MotionElement); ok {
				motions++
				assert.Equal(t, len(shows)-1, i, "placeholders ride on the final packet")
			}
		}
	}
	assert.Equal(t, 1, motions)
}

func TestStream_Buffered(t *testing.T) {
	peer := newFakePeer("desk-1")
	f := newBridgeFixture(t, BridgeOptions{EnableStreaming: true}, peer)

	w, err := f.bridge.Stream(context.Background(), "", StreamOptions{Mode: StreamBuffered})
	require.NoError(t, err)
	require.NoError(t, w.Write("One. "))
	require.NoError(t, w.Write("Two."))
	assert.Empty(t, peer.packets(protocol.OpPerformShow))

	require.NoError(t, w.Close())
	shows := peer.packets(protocol.OpPerformShow)
	require.Len(t, shows, 1)
	assert.Equal(t, true, shows[0].Payload["interrupt"])
	assert.Equal(t, "One. Two.", textOf(sequence(t, shows[0])))
}

func TestStream_WhitespaceReplySameInBothModes(t *testing.T) {
	modes := map[string]StreamMode{"incremental": StreamIncremental, "buffered": StreamBuffered}
	for name, mode := range modes {
		t.Run(name, func(t *testing.T) {
			peer := newFakePeer("desk-1")
			f := newBridgeFixture(t, BridgeOptions{EnableStreaming: true}, peer)

			w, err := f.bridge.Stream(context.Background(), "", StreamOptions{Mode: mode})
			require.NoError(t, err)
			require.NoError(t, w.Write(" \n "))
			require.NoError(t, w.Close())

			shows := peer.packets(protocol.OpPerformShow)
			require.Len(t, shows, 1)
			assert.Equal(t, " \n ", textOf(sequence(t, shows[0])))
		})
	}
}

func TestStream_DefaultFollowsConfig(t *testing.T) {
	peer := newFakePeer("desk-1")
	f := newBridgeFixture(t, BridgeOptions{EnableStreaming: false}, peer)

	w, err := f.bridge.Stream(context.Background(), "", StreamOptions{})
	require.NoError(t, err)
	require.NoError(t, w.Write("First! Second!"))
	assert.Empty(t, peer.packets(protocol.OpPerformShow))
	require.NoError(t, w.Close())
	assert.Len(t, peer.packets(protocol.OpPerformShow), 1)
}

func TestStream_CloseTwiceAndWriteAfterClose(t *testing.T) {
	peer := newFakePeer("desk-1")
	f := newBridgeFixture(t, BridgeOptions{EnableStreaming: true}, peer)

	w, err := f.bridge.Stream(context.Background(), "", StreamOptions{})
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.NoError(t, w.Close())
	assert.ErrorIs(t, w.Write("late"), ErrStreamClosed)
	assert.Empty(t, peer.packets(protocol.OpPerformShow), "an empty stream shows nothing")
}

func TestStream_ThroughReplier(t *testing.T) {
	peer := newFakePeer("desk-1")
	f := newBridgeFixture(t, BridgeOptions{EnableStreaming: true, StreamMaxChunkRunes: 4}, peer)

	reply := &sessionReplier{bridge: f.bridge, target: peer.session.ID}
	w, err := reply.Stream(context.Background())
	require.NoError(t, err)
	require.NoError(t, w.Write("abcdefghij"))
	require.NoError(t, w.Close())

	var got []string
	for _, show := range peer.packets(protocol.OpPerformShow) {
		got = append(got, textOf(sequence(t, show)))
	}
	assert.Equal(t, []string{"abcd", "efgh", "ij"}, got)
}
