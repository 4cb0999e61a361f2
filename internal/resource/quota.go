package resource

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/satriahrh/l2dbridge/internal/protocol"
)

var (
	ErrNotFound     = errors.New("resource: not found")
	ErrNotPending   = errors.New("resource: not pending")
	ErrTooLarge     = errors.New("resource: exceeds size limit")
	ErrQuota        = errors.New("resource: quota exhausted")
	ErrChecksum     = errors.New("resource: sha256 mismatch")
	ErrSizeMismatch = errors.New("resource: size mismatch")
	ErrBusy         = errors.New("resource: upload in progress")
	ErrIO           = errors.New("resource: io failure")
)

// fail builds an error that carries both the protocol code reported to the
// peer and a sentinel the HTTP layer maps to a status.
func fail(code int, sentinel error, format string, args ...interface{}) error {
	return fmt.Errorf("%w: %w", protocol.Errorf(code, format, args...), sentinel)
}

// Limits caps a namespace by total bytes and file count. Zero disables a cap.
type Limits struct {
	MaxBytes int64
	MaxFiles int
}

type quotaEntry struct {
	key       string
	size      int64
	createdAt time.Time
	evictable bool
}

// plan picks the oldest evictable entries to drop so the namespace fits within
// the limits after admitting reserveBytes in reserveFiles new files. ok is false
// when dropping every evictable entry is still not enough.
func (l Limits) plan(entries []quotaEntry, reserveBytes int64, reserveFiles int) (victims []string, ok bool) {
	var total int64
	for _, e := range entries {
		total += e.size
	}
	count := len(entries)

	fits := func() bool {
		if l.MaxBytes > 0 && total+reserveBytes > l.MaxBytes {
			return false
		}
		if l.MaxFiles > 0 && count+reserveFiles > l.MaxFiles {
			return false
		}
		return true
	}
	if fits() {
		return nil, true
	}

	candidates := make([]quotaEntry, 0, len(entries))
	for _, e := range entries {
		if e.evictable {
			candidates = append(candidates, e)
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].createdAt.Before(candidates[j].createdAt)
	})

	for _, c := range candidates {
		if fits() {
			break
		}
		victims = append(victims, c.key)
		total -= c.size
		count--
	}
	return victims, fits()
}

// SweepReport summarises one cleanup pass over a namespace.
type SweepReport struct {
	Target         string `json:"target"`
	Expired        int    `json:"expired"`
	Evicted        int    `json:"evicted"`
	FreedBytes     int64  `json:"freedBytes"`
	Remaining      int    `json:"remaining"`
	RemainingBytes int64  `json:"remainingBytes"`
}

// Stats describes the current occupancy of a namespace.
type Stats struct {
	Files    int   `json:"files"`
	Pending  int   `json:"pending"`
	Bytes    int64 `json:"bytes"`
	MaxBytes int64 `json:"maxBytes"`
	MaxFiles int   `json:"maxFiles"`
}
