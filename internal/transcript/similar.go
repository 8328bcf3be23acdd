package transcript

import (
	"strings"

	"github.com/antzucaro/matchr"
)

// Similar returns the Jaro-Winkler similarity of a and b in [0, 1],
// compared case-insensitively after whitespace normalization.
//
// Multi-word inputs are additionally compared with their spaces removed and
// the higher score wins, so "meu nome é" and "meu nomeé" score close to 1.
func Similar(a, b string) float64 {
	a = strings.ToLower(Normalize(a))
	b = strings.ToLower(Normalize(b))
	if a == b {
		return 1
	}
	if a == "" || b == "" {
		return 0
	}

	score := matchr.JaroWinkler(a, b, false)
	if strings.Contains(a, " ") || strings.Contains(b, " ") {
		ca := strings.ReplaceAll(a, " ", "")
		cb := strings.ReplaceAll(b, " ", "")
		if s := matchr.JaroWinkler(ca, cb, false); s > score {
			score = s
		}
	}
	return score
}

// Duplicate reports whether next repeats prev. Texts that are equal ignoring
// case and spacing always match. When threshold is positive, texts whose
// [Similar] score reaches it match as well.
func Duplicate(prev, next string, threshold float64) bool {
	if strings.EqualFold(Normalize(prev), Normalize(next)) {
		return true
	}
	return threshold > 0 && Similar(prev, next) >= threshold
}
