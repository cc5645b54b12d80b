package model

import (
	"strings"
)

// MetaDeleteAt holds the absolute expiration time of an object, in whole or
// fractional seconds.
const MetaDeleteAt = "X-Delete-At"

// ObjectKey identifies an object within the cluster.
type ObjectKey struct {
	Account   string `json:"account"`
	Container string `json:"container"`
	Object    string `json:"object"`
}

// Path returns the "/account/container/object" form of the key.
func (k ObjectKey) Path() string {
	return "/" + k.Account + "/" + k.Container + "/" + k.Object
}

// ContainerRef returns the container owning the object.
func (k ObjectKey) ContainerRef() ContainerRef {
	return ContainerRef{Account: k.Account, Container: k.Container}
}

func (k ObjectKey) String() string {
	return k.Path()
}

// ParseObjectPath reverses ObjectKey.Path. Object names may contain slashes.
func ParseObjectPath(path string) (ObjectKey, bool) {
	parts := strings.SplitN(strings.TrimPrefix(path, "/"), "/", 3)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return ObjectKey{}, false
	}
	return ObjectKey{Account: parts[0], Container: parts[1], Object: parts[2]}, true
}

// RecordState is the kind of version stored for a key.
type RecordState string

const (
	StateLive      RecordState = "data"
	StateTombstone RecordState = "ts"
	// StateExpired is a tombstone written by expiration rather than by a
	// client delete.
	StateExpired RecordState = "expired"
)

// Valid reports whether s is a known state.
func (s RecordState) Valid() bool {
	switch s {
	case StateLive, StateTombstone, StateExpired:
		return true
	}
	return false
}

// IsDeletion reports whether the state hides the object from readers.
func (s RecordState) IsDeletion() bool {
	return s == StateTombstone || s == StateExpired
}

// ObjectRecord is the current version of a key on one device.
type ObjectRecord struct {
	Key       ObjectKey         `json:"key"`
	Data      []byte            `json:"data,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Timestamp Timestamp         `json:"timestamp"`
	State     RecordState       `json:"state"`
}

// IsLive reports whether the record holds readable content.
func (r *ObjectRecord) IsLive() bool {
	return r != nil && r.State == StateLive
}

// DeleteAt returns the parsed expiration time, if the record has a valid one.
func (r *ObjectRecord) DeleteAt() (Timestamp, bool) {
	if r == nil || r.Metadata == nil {
		return 0, false
	}
	raw, ok := r.Metadata[MetaDeleteAt]
	if !ok {
		return 0, false
	}
	ts, err := ParseTimestamp(raw)
	if err != nil {
		return 0, false
	}
	return ts, true
}

// IsDue reports whether a live record has reached its expiration time.
func (r *ObjectRecord) IsDue(now Timestamp) bool {
	if !r.IsLive() {
		return false
	}
	deleteAt, ok := r.DeleteAt()
	return ok && deleteAt <= now
}

// ExpirationTimestamp is the timestamp every replica assigns to the
// expiration marker of r, so independently expired replicas agree.
func (r *ObjectRecord) ExpirationTimestamp() Timestamp {
	deleteAt, _ := r.DeleteAt()
	if Supersedes(deleteAt, r.Timestamp) {
		return deleteAt
	}
	return r.Timestamp.Next()
}

func (r *ObjectRecord) RecordKey() string {
	return r.Key.Path()
}

func (r *ObjectRecord) RecordTimestamp() Timestamp {
	return r.Timestamp
}

// WriteOutcome reports what a timestamp-ordered write did.
type WriteOutcome int

const (
	// OutcomeApplied means the write became the current version.
	OutcomeApplied WriteOutcome = iota
	// OutcomeStale means an equal or newer version already existed.
	OutcomeStale
)

func (o WriteOutcome) String() string {
	if o == OutcomeApplied {
		return "applied"
	}
	return "stale"
}

// ExpireOutcome reports what an expiration attempt did.
type ExpireOutcome int

const (
	ExpireApplied ExpireOutcome = iota
	// ExpireNotDue means the record has no delete-at or it lies in the future.
	ExpireNotDue
	// ExpireNotLive means there is no live record to expire.
	ExpireNotLive
)

func (o ExpireOutcome) String() string {
	switch o {
	case ExpireApplied:
		return "expired"
	case ExpireNotDue:
		return "not_due"
	default:
		return "not_live"
	}
}
