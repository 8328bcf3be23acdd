package qualify

import (
	"encoding/json"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/MrWong99/qualivox/internal/transcript"
)

// firstInt matches the first integer in free text. Groups of three digits
// separated by '.', ',' or a space are one number ("1.200", "1 200").
var firstInt = regexp.MustCompile(`\d{1,3}(?:[., ]\d{3})+\b|\d+`)

// ParseCount extracts the first embedded non-negative integer from v.
// JSON numbers are truncated toward zero. It reports false when v holds no
// integer.
func ParseCount(v any) (int, bool) {
	switch x := v.(type) {
	case int:
		return x, x >= 0
	case int64:
		return int(x), x >= 0
	case float64:
		// float64(math.MaxInt) rounds up, so equality is already out of range.
		if math.IsNaN(x) || math.IsInf(x, 0) || x < 0 || x >= math.MaxInt {
			return 0, false
		}
		return int(x), true
	case json.Number:
		return ParseCount(x.String())
	case string:
		m := firstInt.FindString(x)
		if m == "" {
			return 0, false
		}
		m = strings.NewReplacer(".", "", ",", "", " ", "").Replace(m)
		n, err := strconv.Atoi(m)
		if err != nil {
			return 0, false
		}
		return n, true
	default:
		return 0, false
	}
}

// normalize converts a raw extractor value for field f. It reports false for
// values that must be ignored: nil, empty, zero or unparseable.
func normalize(f Field, raw any) (any, bool) {
	if f.Kind == KindInt {
		n, ok := ParseCount(raw)
		if !ok || n == 0 {
			return nil, false
		}
		return n, true
	}

	var s string
	switch x := raw.(type) {
	case nil:
		return nil, false
	case string:
		s = x
	case bool:
		if x {
			s = "sim"
		} else {
			s = "não"
		}
	case float64:
		s = strconv.FormatFloat(x, 'f', -1, 64)
	default:
		s = formatValue(x)
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, false
	}
	return s, true
}

// merge writes every acceptable value of fields into rec in schema order and
// returns one log entry per change. Metadata keys, unknown keys, empty
// values and values equal to the current one are skipped.
func merge(rec *Record, fields map[string]any, now time.Time, source transcript.Speaker, conf Confidence) []LogEntry {
	var entries []LogEntry
	for _, f := range Schema {
		raw, ok := fields[f.Name]
		if !ok {
			continue
		}
		v, ok := normalize(f, raw)
		if !ok {
			continue
		}
		old, _ := rec.Get(f.Name)
		if old == v {
			continue
		}
		rec.set(f.Name, v)
		entries = append(entries, LogEntry{
			Timestamp:  now,
			Field:      f.Name,
			OldValue:   old,
			NewValue:   v,
			Source:     source,
			Confidence: conf,
		})
	}
	return entries
}
