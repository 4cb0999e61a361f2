package usecase

import (
	"errors"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/satriahrh/l2dbridge/domain/entities"
	"github.com/satriahrh/l2dbridge/internal/converter"
	"github.com/satriahrh/l2dbridge/internal/websocket"
)

var ErrStreamClosed = errors.New("stream already closed")

// StreamWriter turns reply text produced piece by piece into performances.
// Incremental writers show every completed sentence as a queued performance
// and add the motion placeholders to the last one. Buffered writers show the
// whole reply as one interrupting performance on Close.
type StreamWriter struct {
	bridge      *BridgeService
	peer        websocket.Peer
	incremental bool

	mu      sync.Mutex
	chunker *converter.Chunker
	text    strings.Builder
	shown   int
	closed  bool
}

func newStreamWriter(b *BridgeService, peer websocket.Peer, incremental bool) *StreamWriter {
	return &StreamWriter{
		bridge:      b,
		peer:        peer,
		incremental: incremental,
		chunker:     converter.NewChunker(b.opts.StreamMaxChunkRunes),
	}
}

func (w *StreamWriter) Write(text string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrStreamClosed
	}
	w.text.WriteString(text)
	if !w.incremental {
		return nil
	}
	for _, chunk := range w.chunker.Push(text) {
		if err := w.showLocked(w.bridge.output.TextChunk(chunk, "").Sequence, false); err != nil {
			return err
		}
	}
	return nil
}

// Close shows whatever is left. Closing twice is a no-op.
func (w *StreamWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	full := w.text.String()
	var seq []entities.PerformElement
	if w.incremental {
		if rest := w.chunker.Flush(); rest != "" {
			seq = w.bridge.output.TextChunk(rest, "").Sequence
		}
	} else if full != "" {
		seq = w.bridge.output.TextChunk(full, "").Sequence
	}
	seq = append(seq, w.bridge.output.Placeholders(full)...)
	if len(seq) == 0 {
		return nil
	}
	if err := w.showLocked(seq, !w.incremental); err != nil {
		return err
	}

	w.bridge.logger.Debug("Stream closed",
		zap.String("sessionID", w.peer.Session().ID),
		zap.Int("performances", w.shown),
		zap.Int("bytes", len(full)))
	return nil
}

func (w *StreamWriter) showLocked(seq []entities.PerformElement, interrupt bool) error {
	if err := w.bridge.show(w.peer, entities.Performance{Interrupt: interrupt, Sequence: seq}); err != nil {
		return err
	}
	w.shown++
	return nil
}
