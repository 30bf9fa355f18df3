package domain

import (
	"time"
)

// Category is the billing-relevant classification of a verdict.
type Category string

const (
	CategoryValid   Category = "valid"
	CategoryInvalid Category = "invalid"
	CategoryRisky   Category = "risky"
	CategoryUnknown Category = "unknown"
)

// Billable reports whether a verdict of this category consumes a credit.
func (c Category) Billable() bool {
	switch c {
	case CategoryValid, CategoryInvalid, CategoryRisky:
		return true
	}
	return false
}

// VerdictSource tags where a verdict came from.
type VerdictSource string

const (
	SourceLive  VerdictSource = "live"
	SourceCache VerdictSource = "cache"
)

// Verdict is the single well-typed validation result for one address.
// It is produced at the oracle adapter boundary and never mutated after
// creation; newer verdicts supersede older ones via replace-latest writes.
type Verdict struct {
	Email     string   `json:"email" bson:"email"`
	Status    string   `json:"status" bson:"status"`
	SubStatus string   `json:"sub_status,omitempty" bson:"sub_status,omitempty"`
	Category  Category `json:"category" bson:"category"`

	Confidence float64 `json:"confidence" bson:"confidence"`
	Score      int     `json:"score" bson:"score"`

	Domain   string `json:"domain" bson:"domain"`
	Provider string `json:"provider,omitempty" bson:"provider,omitempty"`

	IsDisposable bool `json:"is_disposable" bson:"is_disposable"`
	IsFree       bool `json:"is_free" bson:"is_free"`
	IsRoleBased  bool `json:"is_role_based" bson:"is_role_based"`

	Message string `json:"message,omitempty" bson:"message,omitempty"`
	Reason  string `json:"reason,omitempty" bson:"reason,omitempty"`

	Source    VerdictSource `json:"source" bson:"source"`
	CheckedAt time.Time     `json:"checked_at" bson:"checked_at"`
}

// ClampScore normalizes the score into 0..100.
func (v *Verdict) ClampScore() {
	if v.Score < 0 {
		v.Score = 0
	}
	if v.Score > 100 {
		v.Score = 100
	}
}

// DomainReputation is the send/bounce record for one domain or provider.
type DomainReputation struct {
	Sent    int `json:"sent" bson:"sent"`
	Invalid int `json:"invalid" bson:"invalid"`
}

// InvalidRate returns invalid/sent, 0 when nothing was sent.
func (r DomainReputation) InvalidRate() float64 {
	if r.Sent == 0 {
		return 0
	}
	return float64(r.Invalid) / float64(r.Sent)
}

// TrainingHistory is the per-address outcome history consulted for
// verdict enrichment.
type TrainingHistory struct {
	LastLabel Category `json:"last_label" bson:"last_label"`
	Valid     int      `json:"valid" bson:"valid"`
	Invalid   int      `json:"invalid" bson:"invalid"`
	Risky     int      `json:"risky" bson:"risky"`
}

// Samples is the total number of recorded outcomes.
func (h TrainingHistory) Samples() int {
	return h.Valid + h.Invalid + h.Risky
}
