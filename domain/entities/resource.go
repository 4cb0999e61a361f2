package entities

import "time"

// ResourceStatus is the lifecycle status of a stored blob.
type ResourceStatus string

const (
	ResourcePending ResourceStatus = "pending"
	ResourceReady   ResourceStatus = "ready"
	ResourceExpired ResourceStatus = "expired"
)

// ResourceKind classifies resource content.
type ResourceKind string

const (
	KindImage ResourceKind = "image"
	KindAudio ResourceKind = "audio"
	KindVideo ResourceKind = "video"
	KindFile  ResourceKind = "file"
)

// Resource is the metadata of a blob addressed by rid.
type Resource struct {
	RID          string         `json:"rid"`
	Kind         ResourceKind   `json:"kind"`
	Mime         string         `json:"mime"`
	Size         int64          `json:"size"`
	SHA256       string         `json:"sha256,omitempty"`
	Status       ResourceStatus `json:"status"`
	CreatedAt    time.Time      `json:"createdAt"`
	LastAccessAt time.Time      `json:"lastAccessAt"`

	// Received counts the bytes actually written by the upload.
	Received int64 `json:"received"`
}

// Expired reports whether the resource outlived ttl. A zero ttl never expires.
func (r *Resource) Expired(now time.Time, ttl time.Duration) bool {
	if r.Status == ResourceExpired {
		return true
	}
	return ttl > 0 && now.Sub(r.CreatedAt) > ttl
}

// Servable reports whether the resource may be handed out.
func (r *Resource) Servable(now time.Time, ttl time.Duration) bool {
	return r.Status == ResourceReady && !r.Expired(now, ttl)
}

// TempFile is inbound content materialised on disk for the host framework.
type TempFile struct {
	Path      string    `json:"path"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"createdAt"`
}
