package matcher

import (
	"sort"
	"strings"
)

// lastNameGate is the fuzzy-ratio threshold a surname pair must clear before
// first names are even considered.
const lastNameGate = 85

// nobilityParticles are surname prefixes that belong with the last name when
// splitting an uncommaed display name ("Ludwig van Beethoven").
var nobilityParticles = map[string]bool{
	"von": true, "van": true, "de": true, "du": true, "der": true,
	"la": true, "le": true, "da": true, "dos": true, "del": true,
}

// splitName divides a display name into first names and last name. A comma
// means "Last, First"; otherwise the last token is the surname, pulled
// together with any preceding nobility particles.
func splitName(name string) (first, last string) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", ""
	}
	if i := strings.Index(name, ","); i >= 0 {
		return strings.TrimSpace(name[i+1:]), strings.TrimSpace(name[:i])
	}

	tokens := strings.Fields(name)
	if len(tokens) == 1 {
		return "", tokens[0]
	}

	// Walk back from the final token while particles precede it.
	start := len(tokens) - 1
	for start > 0 && nobilityParticles[strings.ToLower(tokens[start-1])] {
		start--
	}
	return strings.Join(tokens[:start], " "), strings.Join(tokens[start:], " ")
}

// initials concatenates the leading letter of each first-name token.
func initials(first string) string {
	var sb strings.Builder
	for _, tok := range strings.Fields(first) {
		r := []rune(strings.TrimLeft(tok, ".-"))
		if len(r) > 0 {
			sb.WriteRune(r[0])
		}
	}
	return strings.ToLower(sb.String())
}

// pairScore compares one reference author to one candidate author, in [0,1].
// The surnames must clear the fuzzy gate or the pair scores zero. Matching
// initials are treated as a confirmed identity.
func pairScore(refName, candName string) float64 {
	refFirst, refLast := splitName(refName)
	candFirst, candLast := splitName(candName)

	lastRatio := ratio(refLast, candLast)
	if lastRatio <= lastNameGate {
		return 0
	}
	if refFirst != "" && candFirst != "" && initials(refFirst) == initials(candFirst) {
		return 1.0
	}
	return (0.7*lastRatio + 0.3*partialRatio(refFirst, candFirst)) / 100
}

// branchScore scores a candidate author list against one reference branch
// (authors or editors): all pair scores, best-N averaged, N = branch size.
func branchScore(refNames, candNames []string) float64 {
	if len(refNames) == 0 || len(candNames) == 0 {
		return 0
	}
	scores := make([]float64, 0, len(refNames)*len(candNames))
	for _, r := range refNames {
		for _, c := range candNames {
			scores = append(scores, pairScore(r, c))
		}
	}
	sort.Sort(sort.Reverse(sort.Float64Slice(scores)))

	n := len(refNames)
	sum := 0.0
	for i := 0; i < n && i < len(scores); i++ {
		sum += scores[i]
	}
	return sum / float64(n)
}

// authorMatchScore is the score of a candidate against the reference's
// authors and editors, whichever branch matches better.
func authorMatchScore(refAuthors, refEditors, candAuthors []string) float64 {
	score := branchScore(refAuthors, candAuthors)
	if s := branchScore(refEditors, candAuthors); s > score {
		score = s
	}
	return score
}
