package remote

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// MaxPathBytes is the longest path, in bytes, the remote store accepts.
// The local scanner skips anything longer.
const MaxPathBytes = 255

// foldAccents decomposes to NFD, removes the combining marks, and
// recomposes, turning accented characters into their base letters
// ("café" -> "cafe").
var foldAccents = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// NormalizeForRemote maps a vault path onto the character set the remote
// store accepts: accents fold to their base letters, emoji and other
// symbol runes are dropped along with invisible format characters, and
// any run of spaces left behind collapses to one. Pure function, applied
// before every remote write and attempted as a fallback before reads.
func NormalizeForRemote(path string) string {
	folded, _, err := transform.String(foldAccents, path)
	if err != nil {
		folded = path
	}

	var b strings.Builder
	b.Grow(len(folded))

	prevSpace := false
	for _, r := range folded {
		if unicode.In(r, unicode.So, unicode.Co, unicode.Cf) {
			continue
		}

		if r == ' ' {
			if prevSpace {
				continue
			}

			prevSpace = true
		} else {
			prevSpace = false
		}

		b.WriteRune(r)
	}

	return strings.TrimSpace(b.String())
}

// Representable reports whether a path survives remote normalization
// unchanged, meaning it round-trips through the store as-is. Paths that
// fail this check are skipped by the local scanner.
func Representable(path string) bool {
	return NormalizeForRemote(path) == path
}
