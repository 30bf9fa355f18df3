package domain

// RowCategory classifies one spreadsheet row during analysis.
// Computed fresh on every pass, never persisted or shared across jobs.
type RowCategory string

const (
	RowEmptyOrJunk   RowCategory = "empty_or_junk"
	RowInvalidFormat RowCategory = "invalid_format"
	RowDuplicate     RowCategory = "duplicate"
	RowUniqueValid   RowCategory = "unique_valid"
)
