package model

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Timestamp is a point in time with microsecond precision. It is the only
// input to conflict resolution: for any two versions of the same key the one
// with the greater Timestamp is authoritative.
type Timestamp int64

const microsPerSecond = 1_000_000

// maxSeconds is the largest whole second a Timestamp can hold.
const maxSeconds = math.MaxInt64/microsPerSecond - 1

// NewTimestamp converts a wall clock time to a Timestamp.
func NewTimestamp(t time.Time) Timestamp {
	return Timestamp(t.UnixMicro())
}

// Now returns the current time as a Timestamp.
func Now() Timestamp {
	return NewTimestamp(time.Now())
}

// TimestampFromSeconds builds a Timestamp from whole seconds, the unit used by
// the X-Delete-At metadata value.
func TimestampFromSeconds(sec int64) Timestamp {
	return Timestamp(sec * microsPerSecond)
}

// ParseTimestamp accepts the internal "seconds.micros" encoding, plain
// integer seconds and fractional seconds with fewer than six digits.
func ParseTimestamp(s string) (Timestamp, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty timestamp")
	}

	secPart, fracPart, hasFrac := strings.Cut(s, ".")
	sec, err := strconv.ParseInt(secPart, 10, 64)
	if err != nil || sec < 0 {
		return 0, fmt.Errorf("invalid timestamp %q", s)
	}
	if sec > maxSeconds {
		return 0, fmt.Errorf("timestamp %q out of range", s)
	}
	if !hasFrac {
		return TimestampFromSeconds(sec), nil
	}
	if fracPart == "" || len(fracPart) > 6 {
		return 0, fmt.Errorf("invalid timestamp fraction %q", s)
	}
	fracPart += strings.Repeat("0", 6-len(fracPart))
	micros, err := strconv.ParseInt(fracPart, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid timestamp %q", s)
	}
	return Timestamp(sec*microsPerSecond + micros), nil
}

// Internal returns the fixed width encoding. Encodings of non-negative
// timestamps sort lexicographically in timestamp order.
func (t Timestamp) Internal() string {
	return fmt.Sprintf("%010d.%06d", int64(t)/microsPerSecond, int64(t)%microsPerSecond)
}

func (t Timestamp) String() string {
	return t.Internal()
}

// Seconds truncates to whole seconds.
func (t Timestamp) Seconds() int64 {
	return int64(t) / microsPerSecond
}

// Time converts back to a wall clock time.
func (t Timestamp) Time() time.Time {
	return time.UnixMicro(int64(t))
}

// Add shifts the timestamp by d, truncated to microseconds.
func (t Timestamp) Add(d time.Duration) Timestamp {
	return t + Timestamp(d.Microseconds())
}

// Next is the smallest timestamp strictly greater than t.
func (t Timestamp) Next() Timestamp {
	return t + 1
}

func (t Timestamp) IsZero() bool {
	return t == 0
}

func (t Timestamp) MarshalText() ([]byte, error) {
	return []byte(t.Internal()), nil
}

func (t *Timestamp) UnmarshalText(b []byte) error {
	parsed, err := ParseTimestamp(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Supersedes reports whether a version written at incoming replaces a
// version written at existing. Objects, tombstones, expiration markers and
// container rows all resolve through this rule.
func Supersedes(incoming, existing Timestamp) bool {
	return incoming > existing
}

// Versioned is implemented by every replicated unit: object records and
// container rows.
type Versioned interface {
	RecordKey() string
	RecordTimestamp() Timestamp
}
