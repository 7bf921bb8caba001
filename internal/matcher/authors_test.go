package matcher

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSplitName(t *testing.T) {
	cases := []struct {
		in    string
		first string
		last  string
	}{
		{"Doe, Jane", "Jane", "Doe"},
		{"Jane Q. Doe", "Jane Q.", "Doe"},
		{"Ludwig van Beethoven", "Ludwig", "van Beethoven"},
		{"Jean de la Fontaine", "Jean", "de la Fontaine"},
		{"Plato", "", "Plato"},
		{"", "", ""},
	}
	for _, tc := range cases {
		first, last := splitName(tc.in)
		assert.Equal(t, tc.first, first, tc.in)
		assert.Equal(t, tc.last, last, tc.in)
	}
}

func TestInitials(t *testing.T) {
	assert.Equal(t, "jq", initials("Jane Q."))
	assert.Equal(t, "j", initials("J."))
	assert.Equal(t, "jr", initials("John Ronald"))
	assert.Equal(t, "", initials(""))
}

func TestPairScore(t *testing.T) {
	// Surname mismatch fails the gate outright.
	assert.Zero(t, pairScore("Doe, Jane", "Jane Smith"))

	// Matching initials confirm identity even with abbreviated first names.
	assert.Equal(t, 1.0, pairScore("Doe, J.", "Jane Doe"))
	assert.Equal(t, 1.0, pairScore("Doe, Jane", "J. Doe"))

	// Different first names with the same surname score below 1.
	s := pairScore("Doe, Jane", "Richard Doe")
	assert.Greater(t, s, 0.0)
	assert.Less(t, s, 1.0)

	// A one-letter typo in a longer surname still clears the gate.
	assert.Equal(t, 1.0, pairScore("Johnson, Jane", "Jane Jonson"))
	// Short surnames have no room for typos.
	assert.Zero(t, pairScore("Doe, Jane", "Jane Doee"))
}

func TestBranchScoreAveragesTopN(t *testing.T) {
	refs := []string{"Doe, Jane", "Roe, Richard"}
	cands := []string{"Jane Doe", "Richard Roe", "Someone Else"}
	assert.InDelta(t, 1.0, branchScore(refs, cands), 1e-9)

	// One unknown reference author halves the score.
	refs = []string{"Doe, Jane", "Nobody, Ned"}
	assert.InDelta(t, 0.5, branchScore(refs, cands), 1e-9)

	assert.Zero(t, branchScore(nil, cands))
	assert.Zero(t, branchScore(refs, nil))
}

func TestAuthorMatchScoreUsesEditorsBranch(t *testing.T) {
	// A book cited by its editors still matches the work's author list.
	score := authorMatchScore(nil, []string{"Doe, Jane"}, []string{"Jane Doe"})
	assert.Equal(t, 1.0, score)

	// The better branch wins.
	score = authorMatchScore([]string{"Wrong, Person"}, []string{"Doe, Jane"}, []string{"Jane Doe"})
	assert.Equal(t, 1.0, score)
}

func TestRatio(t *testing.T) {
	assert.Equal(t, 100.0, ratio("doe", "Doe"))
	assert.Equal(t, 0.0, ratio("doe", ""))
	assert.Greater(t, ratio("meier", "meyer"), 75.0)
	assert.Equal(t, 100.0, partialRatio("doe", "jane doe"))
}
