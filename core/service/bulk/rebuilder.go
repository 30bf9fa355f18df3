package bulk

import (
	"time"

	"verifier_server/core/domain"
)

// RebuildResult carries the two generated workbooks and the cleanup
// snapshot describing what was removed or retained.
type RebuildResult struct {
	Cleaned []byte
	Fix     []byte
	Stats   domain.CleanupStats
}

// Rebuild produces the cleaned and fix workbooks from classified rows.
//
// Cleaned keeps only unique-valid rows, email cell replaced by its
// normalized form, in original order. Fix keeps everything except junk:
// unique-valid rows (normalized) plus invalid-format rows left untouched
// and highlighted so a human can correct them. Duplicates beyond the
// first occurrence and junk rows are dropped from both outputs.
func Rebuild(sheet string, header []string, rows [][]string, emailCol int, cls *Classification) (*RebuildResult, error) {
	cleanedRows := make([][]string, 0, cls.Stats.UniqueValid)
	fixRows := make([][]string, 0, cls.Stats.UniqueValid+cls.Stats.InvalidFormat)
	highlight := make(map[int]bool)

	for i, row := range rows {
		switch cls.Categories[i] {
		case domain.RowUniqueValid:
			normalized := normalizeRow(row, emailCol, cls.Normalized[i])
			cleanedRows = append(cleanedRows, normalized)
			fixRows = append(fixRows, normalized)
		case domain.RowInvalidFormat:
			highlight[len(fixRows)] = true
			fixRows = append(fixRows, row)
		}
		// duplicates and junk rows are dropped
	}

	cleaned, err := BuildWorkbook(sheet, header, cleanedRows, nil)
	if err != nil {
		return nil, err
	}
	fix, err := BuildWorkbook(sheet, header, fixRows, highlight)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	return &RebuildResult{
		Cleaned: cleaned,
		Fix:     fix,
		Stats: domain.CleanupStats{
			RemovedDuplicates:      cls.Stats.Duplicates,
			RemovedEmptyOrJunk:     cls.Stats.EmptyOrJunk,
			InvalidFormatRemaining: cls.Stats.InvalidFormat,
			CleanedRowCount:        len(cleanedRows),
			CleanedAt:              &now,
		},
	}, nil
}

func normalizeRow(row []string, emailCol int, normalized string) []string {
	out := make([]string, len(row))
	copy(out, row)
	if emailCol < len(out) {
		out[emailCol] = normalized
	}
	return out
}
