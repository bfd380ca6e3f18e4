package envelope

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"
)

// Timestamp is an opaque instant carried on every envelope.
//
// It encodes as an RFC 3339 string in UTC. Decoding also accepts epoch
// milliseconds, which is what some clients emit instead of an ISO string.
type Timestamp time.Time

// Now returns the current time as a Timestamp.
func Now() Timestamp {
	return Timestamp(time.Now().UTC())
}

// Time returns the underlying time.Time value.
func (t Timestamp) Time() time.Time {
	return time.Time(t)
}

// IsZero reports whether t is the zero instant.
func (t Timestamp) IsZero() bool {
	return time.Time(t).IsZero()
}

// Equal reports whether t and u represent the same instant.
func (t Timestamp) Equal(u Timestamp) bool {
	return time.Time(t).Equal(time.Time(u))
}

func (t Timestamp) String() string {
	return time.Time(t).UTC().Format(time.RFC3339Nano)
}

// MarshalJSON implements json.Marshaler.
func (t Timestamp) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *Timestamp) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*t = Timestamp{}
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		return t.parse(s)
	}
	ms, err := strconv.ParseFloat(string(b), 64)
	if err != nil {
		return fmt.Errorf("timestamp %s: not a string or epoch milliseconds", b)
	}
	ts, err := floatEpochMillis(ms)
	if err != nil {
		return err
	}
	*t = ts
	return nil
}

func fromEpochMillis(ms int64) Timestamp {
	return Timestamp(time.UnixMilli(ms).UTC())
}

// floatEpochMillis truncates ms toward zero. Values that do not fit an
// int64 are rejected.
func floatEpochMillis(ms float64) (Timestamp, error) {
	if math.IsNaN(ms) || ms < math.MinInt64 || ms >= math.MaxInt64 {
		return Timestamp{}, fmt.Errorf("timestamp %v: epoch milliseconds out of range", ms)
	}
	return fromEpochMillis(int64(ms)), nil
}

func (t *Timestamp) parse(s string) error {
	if s == "" {
		*t = Timestamp{}
		return nil
	}
	parsed, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return fmt.Errorf("timestamp %q: %w", s, err)
	}
	*t = Timestamp(parsed.UTC())
	return nil
}
