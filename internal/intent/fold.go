package intent

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// folded is a lowercase, accent-free copy of a text that remembers where
// each byte came from, so matches can be cut back out of the original.
type folded struct {
	text   string
	orig   string
	offset []int // offset[i] is the original byte index of text[i]; len(text)+1 entries
}

func newFolder() transform.Transformer {
	return transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
}

// Fold lowercases s and strips diacritics ("Reunión" -> "reunion").
func Fold(s string) string {
	out, _, err := transform.String(newFolder(), strings.ToLower(s))
	if err != nil {
		return strings.ToLower(s)
	}
	return out
}

func fold(s string) folded {
	t := newFolder()
	var (
		b      strings.Builder
		offset = make([]int, 0, len(s)+1)
	)
	for i, r := range s {
		t.Reset()
		f, _, err := transform.String(t, strings.ToLower(string(r)))
		if err != nil {
			f = strings.ToLower(string(r))
		}
		for j := 0; j < len(f); j++ {
			offset = append(offset, i)
		}
		b.WriteString(f)
	}
	offset = append(offset, len(s))
	return folded{text: b.String(), orig: s, offset: offset}
}

// original returns the original text behind folded[start:end].
func (f folded) original(start, end int) string {
	if start < 0 || end > len(f.text) || start >= end {
		return ""
	}
	from := f.offset[start]
	to := f.offset[end]
	// end may point into the middle of a multi-byte original rune.
	for to < len(f.orig) && !utf8.RuneStart(f.orig[to]) {
		to++
	}
	return f.orig[from:to]
}

// blank replaces folded[start:end] with spaces so later matchers skip it.
func (f *folded) blank(start, end int) {
	if start < 0 || end > len(f.text) || start >= end {
		return
	}
	f.text = f.text[:start] + strings.Repeat(" ", end-start) + f.text[end:]
}

// tokens splits folded text into words.
func tokens(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
