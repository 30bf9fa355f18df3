package bulk

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"verifier_server/core/domain"
)

func TestNormalizeEmail(t *testing.T) {
	assert.Equal(t, "a@b.com", NormalizeEmail("  A@B.Com "))
	assert.Equal(t, "", NormalizeEmail("   "))
}

func TestValidSyntax(t *testing.T) {
	tests := []struct {
		email string
		want  bool
	}{
		{"user@example.com", true},
		{"first.last@sub.example.co", true},
		{"user+tag@example.io", true},
		{"no-at-sign", false},
		{"two@@example.com", false},
		{"user@nodot", false},
		{"user@domain.c", false},
		{"spa ce@example.com", false},
		{"", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ValidSyntax(tt.email), tt.email)
	}
}

func TestDetectEmailColumn(t *testing.T) {
	col, name := DetectEmailColumn([]string{"Name", "E-Mail Address", "Phone"})
	assert.Equal(t, 1, col)
	assert.Equal(t, "E-Mail Address", name)

	col, name = DetectEmailColumn([]string{"Contact", "Phone"})
	assert.Equal(t, 0, col)
	assert.Equal(t, "Contact", name)

	col, _ = DetectEmailColumn(nil)
	assert.Equal(t, 0, col)
}

func TestClassifyCategorizesEveryRow(t *testing.T) {
	rows := [][]string{
		{"alice@example.com", "Alice"},
		{"  ALICE@example.com", "Alice dup"},
		{"bob@example", "Bob bad"},
		{"", "no email"},
		{"carol@example.org", "Carol"},
	}

	cls := Classify(rows, 0)

	assert.Equal(t, []domain.RowCategory{
		domain.RowUniqueValid,
		domain.RowDuplicate,
		domain.RowInvalidFormat,
		domain.RowEmptyOrJunk,
		domain.RowUniqueValid,
	}, cls.Categories)

	assert.Equal(t, 4, cls.Stats.TotalRowsWithEmailCell)
	assert.Equal(t, 2, cls.Stats.UniqueValid)
	assert.Equal(t, 1, cls.Stats.Duplicates)
	assert.Equal(t, 1, cls.Stats.InvalidFormat)
	assert.Equal(t, 1, cls.Stats.EmptyOrJunk)
	assert.Equal(t, 3, cls.Stats.ErrorsFound)
	assert.Equal(t, 2, cls.Stats.CleanupSavings)

	assert.Equal(t, []string{"alice@example.com", "carol@example.org"}, cls.UniqueValidEmails())
}

// Category counts always partition the rows: every row lands in exactly
// one bucket.
func TestClassifyCountsPartitionRows(t *testing.T) {
	rows := [][]string{
		{"a@x.com"}, {"a@x.com"}, {"b@x.com"}, {"junk"}, {""}, {"  "}, {"c@y.org"}, {"B@X.COM"},
	}
	cls := Classify(rows, 0)
	total := cls.Stats.UniqueValid + cls.Stats.Duplicates + cls.Stats.InvalidFormat + cls.Stats.EmptyOrJunk
	assert.Equal(t, len(rows), total)
	assert.Equal(t, cls.Stats.InvalidFormat+cls.Stats.Duplicates+cls.Stats.EmptyOrJunk, cls.Stats.ErrorsFound)
}

func TestClassifyBlankEmailCellIsJunkRegardlessOfOtherCells(t *testing.T) {
	rows := [][]string{
		{"", "Bob", "555-0100"},
	}
	cls := Classify(rows, 0)
	assert.Equal(t, domain.RowEmptyOrJunk, cls.Categories[0])
	assert.Equal(t, 0, cls.Stats.TotalRowsWithEmailCell)
}

func TestClassifyFirstOccurrenceWins(t *testing.T) {
	rows := [][]string{
		{"dup@example.com", "first"},
		{"other@example.com", "middle"},
		{"DUP@example.com", "second"},
		{"dup@example.com ", "third"},
	}
	cls := Classify(rows, 0)
	assert.Equal(t, domain.RowUniqueValid, cls.Categories[0])
	assert.Equal(t, domain.RowDuplicate, cls.Categories[2])
	assert.Equal(t, domain.RowDuplicate, cls.Categories[3])
	assert.Equal(t, 2, cls.Stats.UniqueValid)
}

// Classifying the classifier's own unique-valid output changes nothing.
func TestClassifyIdempotentOnCleanInput(t *testing.T) {
	rows := [][]string{
		{"a@x.com"}, {"A@X.com"}, {"bad"}, {""}, {"b@y.org"},
	}
	first := Classify(rows, 0)

	cleanRows := make([][]string, 0)
	for _, e := range first.UniqueValidEmails() {
		cleanRows = append(cleanRows, []string{e})
	}
	second := Classify(cleanRows, 0)

	require.Equal(t, first.Stats.UniqueValid, second.Stats.UniqueValid)
	assert.Zero(t, second.Stats.Duplicates)
	assert.Zero(t, second.Stats.InvalidFormat)
	assert.Zero(t, second.Stats.EmptyOrJunk)
	assert.Equal(t, first.UniqueValidEmails(), second.UniqueValidEmails())
}

func TestClassifyShortRows(t *testing.T) {
	// Email column beyond the row width reads as an empty cell.
	rows := [][]string{
		{"only-one-cell"},
	}
	cls := Classify(rows, 2)
	assert.Equal(t, domain.RowEmptyOrJunk, cls.Categories[0])
}
