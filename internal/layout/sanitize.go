package layout

import (
	"crypto/sha1"
	"encoding/hex"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/gosimple/slug"
	"golang.org/x/text/unicode/norm"
)

const (
	DefaultMaxSegment = 100
	untitled          = "untitled"
	hashSuffixLen     = 8
)

// Windows reserved device names, matched case-insensitively against the part before the first dot.
var reservedNames = map[string]struct{}{
	"CON": {}, "PRN": {}, "AUX": {}, "NUL": {},
	"COM1": {}, "COM2": {}, "COM3": {}, "COM4": {}, "COM5": {}, "COM6": {}, "COM7": {}, "COM8": {}, "COM9": {},
	"LPT1": {}, "LPT2": {}, "LPT3": {}, "LPT4": {}, "LPT5": {}, "LPT6": {}, "LPT7": {}, "LPT8": {}, "LPT9": {},
}

// SanitizeOptions controls Sanitize.
type SanitizeOptions struct {
	// MaxLength is the maximum segment length in runes; 0 means DefaultMaxSegment.
	MaxLength int
	// ASCII transliterates the segment to a lower-case ASCII slug.
	ASCII bool
}

// Sanitize makes s safe to use as a single path segment on Windows, macOS and Linux. It is a pure function: the
// same input always gives the same output.
func Sanitize(s string, opts SanitizeOptions) string {
	maxLength := opts.MaxLength
	if maxLength <= 0 {
		maxLength = DefaultMaxSegment
	}
	s = norm.NFC.String(s)
	if opts.ASCII {
		s = slug.Make(s)
	}

	var b strings.Builder
	lastUnderscore, lastSpace := false, false
	for _, r := range s {
		switch {
		case strings.ContainsRune(`<>:"/\|?*`, r) || unicode.IsControl(r) || r == utf8.RuneError:
			if !lastUnderscore {
				b.WriteRune('_')
			}
			lastUnderscore, lastSpace = true, false
		case r == '_':
			if !lastUnderscore {
				b.WriteRune('_')
			}
			lastUnderscore, lastSpace = true, false
		case unicode.IsSpace(r):
			if !lastSpace {
				b.WriteRune(' ')
			}
			lastUnderscore, lastSpace = false, true
		default:
			b.WriteRune(r)
			lastUnderscore, lastSpace = false, false
		}
	}
	out := trimSegment(b.String())

	if utf8.RuneCountInString(out) > maxLength {
		out = truncate(out, maxLength)
	}
	if out == "" {
		return untitled
	}
	stem := out
	if i := strings.IndexByte(stem, '.'); i >= 0 {
		stem = stem[:i]
	}
	if _, ok := reservedNames[strings.ToUpper(strings.TrimSpace(stem))]; ok {
		out = "_" + out
	}
	return out
}

// truncate keeps a stable prefix of s and appends a short hash of the whole of s, so distinct long inputs sharing a
// prefix stay distinct.
func truncate(s string, maxLength int) string {
	sum := sha1.Sum([]byte(s))
	suffix := "~" + hex.EncodeToString(sum[:])[:hashSuffixLen]
	keep := maxLength - utf8.RuneCountInString(suffix)
	if keep < 1 {
		keep = 1
	}
	runes := []rune(s)
	return trimSegment(string(runes[:keep])) + suffix
}

func trimSegment(s string) string {
	return strings.Trim(s, " .")
}
