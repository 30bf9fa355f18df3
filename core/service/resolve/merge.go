// Package resolve implements per-email verdict resolution: cache and log
// reuse, oracle probing, and the history merge policy.
package resolve

import (
	"verifier_server/core/domain"
)

// Merge thresholds. The policy is deterministic: the same oracle verdict
// and the same historical signals always merge to the same result.
const (
	trainingMinSamples = 3 // samples needed before history may relabel unknown

	strongLabelMin = 2 // occurrences needed for a "strongly X" training read

	domainExtremeMinSent   = 10
	providerExtremeMinSent = 20
	extremeInvalidRate     = 0.8

	mildMinSent         = 5
	mildInvalidRate     = 0.5
	mildScoreCap        = 75
	validScoreFloor     = 85
	adoptedValidFloor   = 80
	adoptedRiskyFloor   = 55
	adoptedInvalidFloor = 75
)

// HistorySignals bundles the enrichment inputs for one address.
type HistorySignals struct {
	Training *domain.TrainingHistory
	Domain   domain.DomainReputation
	Provider domain.DomainReputation
}

// MergeWithHistory applies the history merge policy to an oracle verdict.
// The input verdict is not mutated; a merged copy is returned. A valid
// oracle verdict is never merged down to invalid.
func MergeWithHistory(v *domain.Verdict, sig HistorySignals) *domain.Verdict {
	merged := *v
	merged.ClampScore()

	switch merged.Category {
	case domain.CategoryUnknown:
		mergeUnknown(&merged, sig)
	case domain.CategoryInvalid:
		mergeInvalid(&merged, sig)
	case domain.CategoryValid:
		mergeValid(&merged, sig)
	default:
		// risky passes through, score already normalized
	}

	merged.ClampScore()
	return &merged
}

// mergeUnknown adopts a clear training-history majority when enough
// samples exist, with a conservative score floor per category.
func mergeUnknown(v *domain.Verdict, sig HistorySignals) {
	h := sig.Training
	if h == nil || h.Samples() < trainingMinSamples {
		return
	}
	label, clear := majorityLabel(h)
	if !clear {
		return
	}
	v.Category = label
	v.Reason = "training history majority"
	switch label {
	case domain.CategoryValid:
		floorScore(v, adoptedValidFloor)
	case domain.CategoryRisky:
		floorScore(v, adoptedRiskyFloor)
	case domain.CategoryInvalid:
		floorScore(v, adoptedInvalidFloor)
	}
}

// mergeInvalid softens an invalid verdict to risky when training history
// is strongly valid and the domain is not extremely bad.
func mergeInvalid(v *domain.Verdict, sig HistorySignals) {
	if !stronglyLabel(sig.Training, domain.CategoryValid) {
		return
	}
	if isExtreme(sig.Domain, domainExtremeMinSent) {
		return
	}
	v.Category = domain.CategoryRisky
	v.Reason = "invalid softened by strong valid history"
}

// mergeValid downgrades or rescales a valid verdict against reputation
// and training signals. It never produces invalid.
func mergeValid(v *domain.Verdict, sig HistorySignals) {
	switch {
	case isExtreme(sig.Domain, domainExtremeMinSent) || isExtreme(sig.Provider, providerExtremeMinSent):
		v.Category = domain.CategoryRisky
		v.Reason = "extreme domain invalid rate"
	case isMild(sig.Domain) || isMild(sig.Provider):
		if v.Score > mildScoreCap {
			v.Score = mildScoreCap
		}
	default:
		floorScore(v, validScoreFloor)
	}

	if stronglyLabel(sig.Training, domain.CategoryInvalid) || stronglyLabel(sig.Training, domain.CategoryRisky) {
		v.Category = domain.CategoryRisky
		v.Reason = "training history contradicts valid verdict"
	}
}

// majorityLabel returns the label holding a strict majority of samples.
func majorityLabel(h *domain.TrainingHistory) (domain.Category, bool) {
	total := h.Samples()
	switch {
	case h.Valid*2 > total:
		return domain.CategoryValid, true
	case h.Invalid*2 > total:
		return domain.CategoryInvalid, true
	case h.Risky*2 > total:
		return domain.CategoryRisky, true
	}
	return domain.CategoryUnknown, false
}

// stronglyLabel reports whether the history has at least strongLabelMin
// samples of the label and at least double every other label combined.
func stronglyLabel(h *domain.TrainingHistory, label domain.Category) bool {
	if h == nil {
		return false
	}
	var n, others int
	switch label {
	case domain.CategoryValid:
		n, others = h.Valid, h.Invalid+h.Risky
	case domain.CategoryInvalid:
		n, others = h.Invalid, h.Valid+h.Risky
	case domain.CategoryRisky:
		n, others = h.Risky, h.Valid+h.Invalid
	default:
		return false
	}
	return n >= strongLabelMin && n >= 2*others
}

func isExtreme(rep domain.DomainReputation, minSent int) bool {
	return rep.Sent >= minSent && rep.InvalidRate() >= extremeInvalidRate
}

func isMild(rep domain.DomainReputation) bool {
	return rep.Sent >= mildMinSent && rep.InvalidRate() >= mildInvalidRate
}

func floorScore(v *domain.Verdict, floor int) {
	if v.Score < floor {
		v.Score = floor
	}
}
