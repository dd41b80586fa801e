package alarm

import (
	"bytes"
	"encoding/json"
	"math"
	"time"
)

// Timestamp is the panel's embedded event time. Panels disagree on its
// format, and the stream is ordered by arrival anyway, so decoding never
// fails: RFC 3339 strings and Unix seconds are understood, anything else
// (empty, null, other layouts) decodes as the zero time.
type Timestamp struct {
	time.Time
}

func (t *Timestamp) UnmarshalJSON(b []byte) error {
	t.Time = time.Time{}

	b = bytes.TrimSpace(b)
	if len(b) == 0 || b[0] == 'n' {
		return nil
	}
	if b[0] == '"' {
		var s string
		if json.Unmarshal(b, &s) != nil {
			return nil
		}
		if parsed, err := time.Parse(time.RFC3339Nano, s); err == nil {
			t.Time = parsed
		}
		return nil
	}

	var secs float64
	if json.Unmarshal(b, &secs) != nil || math.IsNaN(secs) || math.IsInf(secs, 0) {
		return nil
	}
	whole, frac := math.Modf(secs)
	t.Time = time.Unix(int64(whole), int64(frac*1e9)).UTC()
	return nil
}
