package bulk

import (
	"regexp"
	"strings"

	"verifier_server/core/domain"
)

// emailPattern is a pragmatic local@domain.tld check. One @, no
// whitespace, and a dotted domain with a 2+ character suffix.
var emailPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]{2,}$`)

// NormalizeEmail trims and lower-cases an address. All dedup and cache
// keys operate on the normalized form.
func NormalizeEmail(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// ValidSyntax reports whether a normalized address passes the format check.
func ValidSyntax(email string) bool {
	return emailPattern.MatchString(email)
}

// EmailDomain returns the part after the last @, empty when malformed.
func EmailDomain(email string) string {
	i := strings.LastIndex(email, "@")
	if i < 0 || i == len(email)-1 {
		return ""
	}
	return email[i+1:]
}

// DetectEmailColumn picks the email column from a header row: the first
// header case-insensitively equal to or containing "email", falling back
// to the first column.
func DetectEmailColumn(header []string) (int, string) {
	for i, h := range header {
		if strings.Contains(strings.ToLower(strings.TrimSpace(h)), "email") {
			return i, strings.TrimSpace(h)
		}
	}
	if len(header) == 0 {
		return 0, ""
	}
	return 0, strings.TrimSpace(header[0])
}

// Classification is the per-pass result of classifying data rows.
// It is ephemeral: computed fresh on every analysis or cleanup pass.
type Classification struct {
	// Categories holds one category per input row, index-aligned.
	Categories []domain.RowCategory
	// Normalized holds the normalized email per row, "" for junk rows.
	Normalized []string
	Stats      domain.RowStats
}

// Classify categorizes every row against the email column. Deterministic
// and stable under row order: the first occurrence of an address wins
// uniqueness, later ones are duplicates.
func Classify(rows [][]string, emailCol int) *Classification {
	cls := &Classification{
		Categories: make([]domain.RowCategory, len(rows)),
		Normalized: make([]string, len(rows)),
	}

	seen := make(map[string]struct{}, len(rows))
	for i, row := range rows {
		var cell string
		if emailCol < len(row) {
			cell = row[emailCol]
		}
		normalized := NormalizeEmail(cell)

		// A blank email cell makes the row junk regardless of what the
		// other cells contain; there is nothing to validate.
		if normalized == "" {
			cls.Categories[i] = domain.RowEmptyOrJunk
			cls.Stats.EmptyOrJunk++
			continue
		}

		cls.Stats.TotalRowsWithEmailCell++
		cls.Normalized[i] = normalized

		if !ValidSyntax(normalized) {
			cls.Categories[i] = domain.RowInvalidFormat
			cls.Stats.InvalidFormat++
			continue
		}

		if _, dup := seen[normalized]; dup {
			cls.Categories[i] = domain.RowDuplicate
			cls.Stats.Duplicates++
			continue
		}
		seen[normalized] = struct{}{}
		cls.Categories[i] = domain.RowUniqueValid
		cls.Stats.UniqueValid++
	}

	cls.Stats.ErrorsFound = cls.Stats.InvalidFormat + cls.Stats.Duplicates + cls.Stats.EmptyOrJunk
	cls.Stats.CleanupSavings = cls.Stats.Duplicates + cls.Stats.EmptyOrJunk
	return cls
}

// UniqueValidEmails returns the normalized unique-valid addresses in
// original row order. This is the execution engine's input and is always
// re-derived from the chosen file, never trusted from stale state.
func (c *Classification) UniqueValidEmails() []string {
	emails := make([]string, 0, c.Stats.UniqueValid)
	for i, cat := range c.Categories {
		if cat == domain.RowUniqueValid {
			emails = append(emails, c.Normalized[i])
		}
	}
	return emails
}
