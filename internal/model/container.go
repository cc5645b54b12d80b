package model

// ContainerRef identifies a container.
type ContainerRef struct {
	Account   string `json:"account"`
	Container string `json:"container"`
}

func (c ContainerRef) Path() string {
	return "/" + c.Account + "/" + c.Container
}

func (c ContainerRef) String() string {
	return c.Path()
}

// ContainerListingEntry is one object row in a container listing.
type ContainerListingEntry struct {
	Name        string    `json:"name"`
	Timestamp   Timestamp `json:"timestamp"`
	Size        int64     `json:"size"`
	ContentType string    `json:"content_type,omitempty"`
	ETag        string    `json:"etag,omitempty"`
	// DeleteAt is zero when the object never expires.
	DeleteAt Timestamp `json:"delete_at,omitempty"`
	Deleted  bool      `json:"deleted"`
}

// CountsAt reports whether the row contributes to aggregates at now.
func (e *ContainerListingEntry) CountsAt(now Timestamp) bool {
	if e.Deleted {
		return false
	}
	return e.DeleteAt.IsZero() || e.DeleteAt > now
}

// ContainerRow is a listing entry together with the container it belongs to.
// It is the unit exchanged by container replication.
type ContainerRow struct {
	Ref   ContainerRef          `json:"ref"`
	Entry ContainerListingEntry `json:"entry"`
}

func (r *ContainerRow) RecordKey() string {
	return r.Ref.Path() + "/" + r.Entry.Name
}

func (r *ContainerRow) RecordTimestamp() Timestamp {
	return r.Entry.Timestamp
}

// ContainerStats is the object count and byte total of a container.
type ContainerStats struct {
	ObjectCount int64 `json:"object_count"`
	BytesUsed   int64 `json:"bytes_used"`
}

// Sub returns s - o.
func (s ContainerStats) Sub(o ContainerStats) ContainerStats {
	return ContainerStats{
		ObjectCount: s.ObjectCount - o.ObjectCount,
		BytesUsed:   s.BytesUsed - o.BytesUsed,
	}
}

// Add returns s + o.
func (s ContainerStats) Add(o ContainerStats) ContainerStats {
	return ContainerStats{
		ObjectCount: s.ObjectCount + o.ObjectCount,
		BytesUsed:   s.BytesUsed + o.BytesUsed,
	}
}

func (s ContainerStats) IsZero() bool {
	return s.ObjectCount == 0 && s.BytesUsed == 0
}
