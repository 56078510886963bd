// Package vector implements the per-device logical clocks attached to every
// synchronized record. A Vector maps device ids to monotonically increasing
// counters; comparing two vectors yields their causal order. Wall-clock time
// never participates in ordering decisions.
package vector

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Ordering is the result of comparing two version vectors.
type Ordering int

const (
	// Equal — identical in every component.
	Equal Ordering = iota
	// Dominates — a ≥ b in every component and > in at least one.
	Dominates
	// Dominated — b dominates a.
	Dominated
	// Concurrent — neither dominates: a genuine conflict.
	Concurrent
)

func (o Ordering) String() string {
	switch o {
	case Equal:
		return "equal"
	case Dominates:
		return "dominates"
	case Dominated:
		return "dominated"
	case Concurrent:
		return "concurrent"
	default:
		return fmt.Sprintf("ordering(%d)", int(o))
	}
}

// Vector is a version vector: device id → counter. A nil Vector is valid and
// equal to the empty vector (zero in every component).
type Vector map[string]uint64

// New returns an empty vector.
func New() Vector {
	return Vector{}
}

// Counter returns the component for the given device (0 when absent).
func (v Vector) Counter(deviceID string) uint64 {
	return v[deviceID]
}

// Clone returns an independent copy of v.
func (v Vector) Clone() Vector {
	out := make(Vector, len(v))
	for k, c := range v {
		out[k] = c
	}
	return out
}

// Increment returns a copy of v with the device's counter bumped by one.
// The receiver is not modified, so stored and in-flight copies never alias.
// A device must increment its own counter before publishing any mutation.
func (v Vector) Increment(deviceID string) Vector {
	out := v.Clone()
	out[deviceID]++
	return out
}

// Compare returns the causal ordering of a relative to b.
// Missing components count as zero.
func Compare(a, b Vector) Ordering {
	var aAhead, bAhead bool

	for dev, ac := range a {
		bc := b[dev]
		if ac > bc {
			aAhead = true
		} else if ac < bc {
			bAhead = true
		}
	}
	for dev, bc := range b {
		if _, seen := a[dev]; seen {
			continue
		}
		if bc > 0 {
			bAhead = true
		}
	}

	switch {
	case aAhead && bAhead:
		return Concurrent
	case aAhead:
		return Dominates
	case bAhead:
		return Dominated
	default:
		return Equal
	}
}

// Merge returns the componentwise maximum of a and b in a fresh vector.
// Used when accepting a remote vector as the new baseline after resolution,
// so future comparisons see both devices' contributions.
func Merge(a, b Vector) Vector {
	out := make(Vector, len(a)+len(b))
	for dev, c := range a {
		out[dev] = c
	}
	for dev, c := range b {
		if c > out[dev] {
			out[dev] = c
		}
	}
	return out
}

// Encode serializes v as canonical JSON. encoding/json sorts map keys, so
// equal vectors always encode to identical bytes — required for the relay's
// (record_id, version_vector) idempotence key.
func Encode(v Vector) ([]byte, error) {
	if v == nil {
		v = Vector{}
	}
	return json.Marshal(v)
}

// Decode parses bytes produced by Encode. Malformed input fails loudly;
// a vector is never silently defaulted.
func Decode(b []byte) (Vector, error) {
	if len(b) == 0 {
		return nil, fmt.Errorf("empty version vector")
	}
	var v Vector
	if err := json.Unmarshal(b, &v); err != nil {
		return nil, fmt.Errorf("decode version vector: %w", err)
	}
	if v == nil {
		v = Vector{}
	}
	return v, nil
}

// String renders the vector as sorted "dev:counter" pairs for logs.
func (v Vector) String() string {
	if len(v) == 0 {
		return "{}"
	}
	devs := make([]string, 0, len(v))
	for dev := range v {
		devs = append(devs, dev)
	}
	sort.Strings(devs)

	var sb strings.Builder
	sb.WriteByte('{')
	for i, dev := range devs {
		if i > 0 {
			sb.WriteByte(' ')
		}
		fmt.Fprintf(&sb, "%s:%d", dev, v[dev])
	}
	sb.WriteByte('}')
	return sb.String()
}
