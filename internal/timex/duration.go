// Package timex provides a time.Duration wrapper that can be unmarshalled
// from JSON either as a duration string ("90s", "5m") or as integer
// nanoseconds. Config DTOs use it for interval fields.
package timex

import (
	"encoding/json"
	"errors"
	"time"
)

// Duration embeds time.Duration and implements json.Marshaler/Unmarshaler.
type Duration struct {
	time.Duration
}

// MarshalJSON encodes the duration in its string form (e.g. "1m30s").
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalJSON accepts either a number (nanoseconds) or a string parsable
// by time.ParseDuration.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch value := v.(type) {
	case float64:
		d.Duration = time.Duration(value)
		return nil
	case string:
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return err
		}
		d.Duration = parsed
		return nil
	default:
		return errors.New("invalid duration")
	}
}
