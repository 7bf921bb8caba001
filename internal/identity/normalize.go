// Package identity produces the canonical forms of DOIs, OpenAlex IDs,
// titles, and author lists used for duplicate detection. Normalized values are
// compared, never displayed.
package identity

import (
	"regexp"
	"sort"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

var (
	doiURLPrefix = regexp.MustCompile(`^https?://(dx\.)?doi\.org/`)
	doiShape     = regexp.MustCompile(`^10\.\d{4,9}/\S+$`)
	openalexID   = regexp.MustCompile(`[Ww]\d+`)
	nonAlnumRun  = regexp.MustCompile(`[^a-z0-9]+`)
)

// NormalizeDOI canonicalizes a DOI: whitespace and doi:/URL prefixes removed,
// lowercased, trailing punctuation stripped. Returns "" when the result does
// not look like a DOI.
func NormalizeDOI(doi string) string {
	s := strings.ToLower(strings.TrimSpace(doi))
	s = strings.TrimPrefix(s, "doi:")
	s = doiURLPrefix.ReplaceAllString(s, "")
	s = strings.TrimRight(s, ".,;")
	if !doiShape.MatchString(s) {
		return ""
	}
	return s
}

// NormalizeOpenAlexID extracts the work ID (W + digits) from a bare ID or a
// full https://openalex.org/W... URL. Returns "" when no ID is present.
func NormalizeOpenAlexID(id string) string {
	m := openalexID.FindString(id)
	if m == "" {
		return ""
	}
	return "W" + m[1:]
}

// NormalizeTitle folds a title to its compact comparison form: NFKD
// decomposed, combining marks and all non-alphanumerics dropped, lowercased.
func NormalizeTitle(title string) string {
	folded := foldMarks(title)
	folded = strings.ToLower(folded)
	spaced := strings.TrimSpace(nonAlnumRun.ReplaceAllString(folded, " "))
	return strings.ReplaceAll(spaced, " ", "")
}

// NormalizeAuthors reduces each author to a lowercased surname, sorts the
// surnames, and joins them with commas.
func NormalizeAuthors(authors []string) string {
	surnames := make([]string, 0, len(authors))
	for _, a := range authors {
		s := Surname(a)
		if s != "" {
			surnames = append(surnames, s)
		}
	}
	sort.Strings(surnames)
	return strings.Join(surnames, ",")
}

// Surname extracts the comparison surname from a display name: the part
// before the first comma when present ("Knuth, D."), otherwise the last
// whitespace-separated token ("Donald Knuth").
func Surname(name string) string {
	s := strings.ToLower(strings.TrimSpace(name))
	if s == "" {
		return ""
	}
	if i := strings.Index(s, ","); i >= 0 {
		s = s[:i]
	} else {
		fields := strings.Fields(s)
		if len(fields) == 0 {
			return ""
		}
		s = fields[len(fields)-1]
	}
	return strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return r
		}
		return -1
	}, s)
}

// foldMarks applies NFKD decomposition and strips combining marks, so that
// "Müller" and "Muller" compare equal.
func foldMarks(s string) string {
	decomposed := norm.NFKD.String(s)
	var b strings.Builder
	b.Grow(len(decomposed))
	for _, r := range decomposed {
		if unicode.Is(unicode.Mn, r) {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Apply fills the normalized shadow fields of a reference in place. The
// reference type lives in domain; this helper keeps the rule that every
// insert path normalizes identically.
func Apply(doi, title string, authors []string) (normDOI, normTitle, normAuthors string) {
	return NormalizeDOI(doi), NormalizeTitle(title), NormalizeAuthors(authors)
}
