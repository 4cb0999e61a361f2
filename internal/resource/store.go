package resource

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"io/fs"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/satriahrh/l2dbridge/domain/entities"
	"github.com/satriahrh/l2dbridge/domain/repositories"
	"github.com/satriahrh/l2dbridge/internal/protocol"
)

const (
	DefaultMaxInlineBytes = 256 * 1024
	DefaultTTL            = 7 * 24 * time.Hour
	DefaultMaxTotalBytes  = 1 << 30
	DefaultMaxFiles       = 2000
	DefaultProtectRecent  = 30 * time.Second
	DefaultLinkTTL        = time.Hour
)

// Options configures a Store.
type Options struct {
	// BaseURL and Path form the transfer endpoint URL, e.g.
	// http://127.0.0.1:9091 and /resources.
	BaseURL string
	Path    string

	MaxInlineBytes   int64
	MaxResourceBytes int64
	TTL              time.Duration
	MaxTotalBytes    int64
	MaxFiles         int
	ProtectRecent    time.Duration
	LinkTTL          time.Duration
}

func (o *Options) setDefaults() {
	if o.Path == "" {
		o.Path = "/resources"
	}
	if !strings.HasPrefix(o.Path, "/") {
		o.Path = "/" + o.Path
	}
	o.Path = strings.TrimRight(o.Path, "/")
	o.BaseURL = strings.TrimRight(o.BaseURL, "/")
	if o.MaxInlineBytes <= 0 {
		o.MaxInlineBytes = DefaultMaxInlineBytes
	}
	if o.TTL <= 0 {
		o.TTL = DefaultTTL
	}
	if o.MaxTotalBytes <= 0 {
		o.MaxTotalBytes = DefaultMaxTotalBytes
	}
	if o.MaxFiles <= 0 {
		o.MaxFiles = DefaultMaxFiles
	}
	if o.MaxResourceBytes <= 0 || o.MaxResourceBytes > o.MaxTotalBytes {
		o.MaxResourceBytes = o.MaxTotalBytes
	}
	if o.ProtectRecent < 0 {
		o.ProtectRecent = 0
	}
	if o.LinkTTL <= 0 {
		o.LinkTTL = DefaultLinkTTL
	}
}

// URLSigner issues short-lived tokens scoped to one rid and HTTP method.
type URLSigner interface {
	Sign(rid, method string) (string, error)
}

// UploadTarget tells the client where to PUT the bytes.
type UploadTarget struct {
	URL       string            `json:"url"`
	Method    string            `json:"method"`
	Headers   map[string]string `json:"headers"`
	ExpiresAt time.Time         `json:"-"`
}

// Ticket is the answer to a prepare call.
type Ticket struct {
	Resource entities.Resource
	Upload   UploadTarget
}

// Blob is a resource handed out for download. Exactly one of Body and
// RedirectURL is set; the caller closes Body.
type Blob struct {
	Resource    entities.Resource
	Body        io.ReadCloser
	RedirectURL string
}

// Store is the quota and TTL bounded registry of resources. The bytes live in
// a BlobStore; the metadata lives here under a single mutex.
type Store struct {
	opts   Options
	blobs  repositories.BlobStore
	signer URLSigner
	logger *zap.Logger
	now    func() time.Time

	mu        sync.Mutex
	entries   map[string]*entities.Resource
	uploading map[string]bool
}

func NewStore(blobs repositories.BlobStore, opts Options, signer URLSigner, logger *zap.Logger) *Store {
	opts.setDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		opts:      opts,
		blobs:     blobs,
		signer:    signer,
		logger:    logger,
		now:       time.Now,
		entries:   make(map[string]*entities.Resource),
		uploading: make(map[string]bool),
	}
}

func (s *Store) Name() string { return "resources" }

func (s *Store) Options() Options { return s.opts }

// ShouldInline reports whether content of size bytes travels base64 encoded
// inside the packet instead of through the transfer endpoint.
func (s *Store) ShouldInline(size int64) bool {
	return size <= s.opts.MaxInlineBytes
}

// Prepare reserves room for an upload and returns where to send it.
func (s *Store) Prepare(ctx context.Context, kind entities.ResourceKind, mime string, size int64, sum string) (*Ticket, error) {
	if size <= 0 {
		return nil, protocol.Errorf(protocol.CodeInvalidPayload, "size must be positive, got %d", size)
	}
	if size > s.opts.MaxResourceBytes {
		return nil, fail(protocol.CodeUploadFailed, ErrTooLarge, "resource of %d bytes exceeds the %d byte limit", size, s.opts.MaxResourceBytes)
	}

	now := s.now()
	res := &entities.Resource{
		RID:          uuid.NewString(),
		Kind:         kind,
		Mime:         mime,
		Size:         size,
		SHA256:       strings.ToLower(sum),
		Status:       entities.ResourcePending,
		CreatedAt:    now,
		LastAccessAt: now,
	}

	s.mu.Lock()
	removed, err := s.admitLocked(now, size)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.entries[res.RID] = res
	snapshot := *res
	s.mu.Unlock()

	s.deleteBlobs(ctx, removed)

	upload, err := s.uploadTarget(snapshot, now)
	if err != nil {
		s.Release(ctx, snapshot.RID)
		return nil, err
	}
	s.logger.Debug("Resource prepared",
		zap.String("rid", snapshot.RID),
		zap.String("kind", string(kind)),
		zap.Int64("size", size),
		zap.Int("evicted", len(removed)))
	return &Ticket{Resource: snapshot, Upload: upload}, nil
}

// admitLocked makes room for one more file of size bytes, evicting the oldest
// settled resources that are outside the protected recency window.
func (s *Store) admitLocked(now time.Time, size int64) ([]*entities.Resource, error) {
	entries := make([]quotaEntry, 0, len(s.entries))
	for rid, res := range s.entries {
		entries = append(entries, quotaEntry{
			key:       rid,
			size:      res.Size,
			createdAt: res.CreatedAt,
			evictable: res.Status != entities.ResourcePending &&
				!s.uploading[rid] &&
				now.Sub(res.LastAccessAt) >= s.opts.ProtectRecent,
		})
	}
	limits := Limits{MaxBytes: s.opts.MaxTotalBytes, MaxFiles: s.opts.MaxFiles}
	victims, ok := limits.plan(entries, size, 1)
	if !ok {
		return nil, fail(protocol.CodeUploadFailed, ErrQuota, "no room for %d bytes within the resource quota", size)
	}
	return s.detachLocked(victims), nil
}

func (s *Store) detachLocked(rids []string) []*entities.Resource {
	removed := make([]*entities.Resource, 0, len(rids))
	for _, rid := range rids {
		if res, ok := s.entries[rid]; ok {
			delete(s.entries, rid)
			removed = append(removed, res)
		}
	}
	return removed
}

func (s *Store) deleteBlobs(ctx context.Context, removed []*entities.Resource) {
	for _, res := range removed {
		if err := s.blobs.Delete(ctx, res.RID); err != nil {
			s.logger.Warn("Failed to delete resource blob", zap.String("rid", res.RID), zap.Error(err))
		}
	}
}

func (s *Store) endpoint(rid string) string {
	return s.opts.BaseURL + s.opts.Path + "/" + url.PathEscape(rid)
}

func (s *Store) signedURL(rid, method string) (string, error) {
	u := s.endpoint(rid)
	if s.signer == nil {
		return u, nil
	}
	token, err := s.signer.Sign(rid, method)
	if err != nil {
		return "", fail(protocol.CodeResourceIO, ErrIO, "sign %s url for %s: %v", method, rid, err)
	}
	return u + "?token=" + url.QueryEscape(token), nil
}

func (s *Store) uploadTarget(res entities.Resource, now time.Time) (UploadTarget, error) {
	u, err := s.signedURL(res.RID, "PUT")
	if err != nil {
		return UploadTarget{}, err
	}
	headers := map[string]string{}
	if res.Mime != "" {
		headers["Content-Type"] = res.Mime
	}
	return UploadTarget{
		URL:       u,
		Method:    "PUT",
		Headers:   headers,
		ExpiresAt: now.Add(s.opts.LinkTTL),
	}, nil
}

// URL returns the download URL for rid.
func (s *Store) URL(rid string) (string, error) {
	return s.signedURL(rid, "GET")
}

// Upload streams body into the blob for a pending rid. More bytes than declared
// or a digest that does not match the declared one discard the bytes; the
// resource stays pending either way.
func (s *Store) Upload(ctx context.Context, rid string, body io.Reader) (*entities.Resource, error) {
	s.mu.Lock()
	res, ok := s.entries[rid]
	if !ok {
		s.mu.Unlock()
		return nil, fail(protocol.CodeResourceNotFound, ErrNotFound, "resource %s not found", rid)
	}
	if res.Status != entities.ResourcePending {
		s.mu.Unlock()
		return nil, fail(protocol.CodeUploadFailed, ErrNotPending, "resource %s is %s", rid, res.Status)
	}
	if s.uploading[rid] {
		s.mu.Unlock()
		return nil, fail(protocol.CodeUploadFailed, ErrBusy, "resource %s already has an upload in progress", rid)
	}
	s.uploading[rid] = true
	declared, mime, want := res.Size, res.Mime, res.SHA256
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.uploading, rid)
		s.mu.Unlock()
	}()

	hasher := sha256.New()
	n, err := s.blobs.Put(ctx, rid, mime, io.TeeReader(io.LimitReader(body, declared+1), hasher))
	if err != nil {
		s.discard(ctx, rid)
		return nil, fail(protocol.CodeResourceIO, ErrIO, "store resource %s: %v", rid, err)
	}
	if n > declared {
		s.discard(ctx, rid)
		return nil, fail(protocol.CodeUploadFailed, ErrTooLarge, "upload for %s exceeds the declared %d bytes", rid, declared)
	}
	digest := hex.EncodeToString(hasher.Sum(nil))
	if want != "" && digest != want {
		s.discard(ctx, rid)
		return nil, fail(protocol.CodeUploadFailed, ErrChecksum, "sha256 mismatch for %s", rid)
	}

	s.mu.Lock()
	if s.entries[rid] != res {
		// Released or swept while the bytes were in flight.
		s.mu.Unlock()
		s.discard(ctx, rid)
		return nil, fail(protocol.CodeResourceNotFound, ErrNotFound, "resource %s not found", rid)
	}
	res.Received = n
	if res.SHA256 == "" && n == declared {
		res.SHA256 = digest
	}
	res.LastAccessAt = s.now()
	snapshot := *res
	s.mu.Unlock()

	s.logger.Debug("Resource uploaded", zap.String("rid", rid), zap.Int64("bytes", n))
	return &snapshot, nil
}

func (s *Store) discard(ctx context.Context, rid string) {
	if err := s.blobs.Delete(ctx, rid); err != nil {
		s.logger.Warn("Failed to discard upload", zap.String("rid", rid), zap.Error(err))
	}
	s.mu.Lock()
	if res, ok := s.entries[rid]; ok {
		res.Received = 0
	}
	s.mu.Unlock()
}

// Commit marks a fully uploaded resource ready. The committed size, the
// declared size and the received byte count must all agree.
func (s *Store) Commit(ctx context.Context, rid string, size int64) (*entities.Resource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, ok := s.entries[rid]
	if !ok {
		return nil, fail(protocol.CodeResourceNotFound, ErrNotFound, "resource %s not found", rid)
	}
	if res.Status != entities.ResourcePending {
		return nil, fail(protocol.CodeInvalidPayload, ErrNotPending, "resource %s is %s, not pending", rid, res.Status)
	}
	if s.uploading[rid] {
		return nil, fail(protocol.CodeUploadFailed, ErrBusy, "resource %s is still uploading", rid)
	}
	if size != res.Size || res.Received != res.Size {
		return nil, fail(protocol.CodeUploadFailed, ErrSizeMismatch,
			"size mismatch for %s: declared %d, committed %d, received %d", rid, res.Size, size, res.Received)
	}
	res.Status = entities.ResourceReady
	res.LastAccessAt = s.now()
	snapshot := *res
	return &snapshot, nil
}

// Put creates a ready resource from bytes the server already holds.
func (s *Store) Put(ctx context.Context, kind entities.ResourceKind, mime string, data []byte) (*entities.Resource, error) {
	size := int64(len(data))
	if size == 0 {
		return nil, protocol.Errorf(protocol.CodeInvalidPayload, "empty resource")
	}
	if size > s.opts.MaxResourceBytes {
		return nil, fail(protocol.CodeUploadFailed, ErrTooLarge, "resource of %d bytes exceeds the %d byte limit", size, s.opts.MaxResourceBytes)
	}

	sum := sha256.Sum256(data)
	now := s.now()
	res := &entities.Resource{
		RID:          uuid.NewString(),
		Kind:         kind,
		Mime:         mime,
		Size:         size,
		SHA256:       hex.EncodeToString(sum[:]),
		Status:       entities.ResourcePending,
		CreatedAt:    now,
		LastAccessAt: now,
	}

	s.mu.Lock()
	removed, err := s.admitLocked(now, size)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.entries[res.RID] = res
	s.uploading[res.RID] = true
	s.mu.Unlock()

	s.deleteBlobs(ctx, removed)

	_, err = s.blobs.Put(ctx, res.RID, mime, bytes.NewReader(data))

	s.mu.Lock()
	delete(s.uploading, res.RID)
	if err != nil {
		delete(s.entries, res.RID)
		s.mu.Unlock()
		s.deleteBlobs(ctx, []*entities.Resource{res})
		return nil, fail(protocol.CodeResourceIO, ErrIO, "store resource: %v", err)
	}
	res.Received = size
	res.Status = entities.ResourceReady
	snapshot := *res
	s.mu.Unlock()
	return &snapshot, nil
}

// Lookup returns the metadata of a servable resource and refreshes its access
// time.
func (s *Store) Lookup(rid string) (*entities.Resource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	res, ok := s.entries[rid]
	if !ok || !res.Servable(now, s.opts.TTL) {
		return nil, fail(protocol.CodeResourceNotFound, ErrNotFound, "resource %s not found", rid)
	}
	res.LastAccessAt = now
	snapshot := *res
	return &snapshot, nil
}

// Get opens a servable resource for download. Backends that can link directly
// yield a redirect instead of a body.
func (s *Store) Get(ctx context.Context, rid string) (*Blob, error) {
	res, err := s.Lookup(rid)
	if err != nil {
		return nil, err
	}

	if linker, ok := s.blobs.(repositories.BlobLinker); ok {
		link, err := linker.Link(ctx, rid, s.opts.LinkTTL)
		if err == nil {
			return &Blob{Resource: *res, RedirectURL: link}, nil
		}
		s.logger.Warn("Failed to link resource, streaming instead", zap.String("rid", rid), zap.Error(err))
	}

	body, err := s.blobs.Open(ctx, rid)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fail(protocol.CodeResourceNotFound, ErrNotFound, "resource %s has no content", rid)
		}
		return nil, fail(protocol.CodeResourceIO, ErrIO, "open resource %s: %v", rid, err)
	}
	return &Blob{Resource: *res, Body: body}, nil
}

// Release drops rid. It reports whether anything was removed; releasing an
// unknown rid is not an error.
func (s *Store) Release(ctx context.Context, rid string) (bool, error) {
	s.mu.Lock()
	res, ok := s.entries[rid]
	if ok {
		delete(s.entries, rid)
	}
	s.mu.Unlock()
	if !ok {
		return false, nil
	}
	if err := s.blobs.Delete(ctx, res.RID); err != nil {
		return true, fail(protocol.CodeResourceIO, ErrIO, "delete resource %s: %v", rid, err)
	}
	return true, nil
}

// Sweep drops resources older than the TTL, pending ones included, then evicts
// the oldest ready resources while the store is over its caps.
func (s *Store) Sweep(ctx context.Context) (SweepReport, error) {
	report := SweepReport{Target: s.Name()}

	s.mu.Lock()
	now := s.now()
	var expired []string
	for rid, res := range s.entries {
		if !s.uploading[rid] && res.Expired(now, s.opts.TTL) {
			expired = append(expired, rid)
		}
	}
	removed := s.detachLocked(expired)
	report.Expired = len(removed)

	entries := make([]quotaEntry, 0, len(s.entries))
	for rid, res := range s.entries {
		entries = append(entries, quotaEntry{
			key:       rid,
			size:      res.Size,
			createdAt: res.CreatedAt,
			evictable: res.Status == entities.ResourceReady && !s.uploading[rid],
		})
	}
	limits := Limits{MaxBytes: s.opts.MaxTotalBytes, MaxFiles: s.opts.MaxFiles}
	victims, _ := limits.plan(entries, 0, 0)
	evicted := s.detachLocked(victims)
	report.Evicted = len(evicted)
	removed = append(removed, evicted...)

	for _, res := range s.entries {
		report.Remaining++
		report.RemainingBytes += res.Size
	}
	s.mu.Unlock()

	var errs []error
	for _, res := range removed {
		report.FreedBytes += res.Size
		if err := s.blobs.Delete(ctx, res.RID); err != nil {
			errs = append(errs, err)
		}
	}
	if len(removed) > 0 {
		s.logger.Info("Resource sweep completed",
			zap.Int("expired", report.Expired),
			zap.Int("evicted", report.Evicted),
			zap.Int64("freedBytes", report.FreedBytes))
	}
	return report, errors.Join(errs...)
}

func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Stats{MaxBytes: s.opts.MaxTotalBytes, MaxFiles: s.opts.MaxFiles}
	for _, res := range s.entries {
		st.Files++
		st.Bytes += res.Size
		if res.Status == entities.ResourcePending {
			st.Pending++
		}
	}
	return st
}

// List returns a snapshot of every resource, oldest first.
func (s *Store) List() []entities.Resource {
	s.mu.Lock()
	out := make([]entities.Resource, 0, len(s.entries))
	for _, res := range s.entries {
		out = append(out, *res)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}
