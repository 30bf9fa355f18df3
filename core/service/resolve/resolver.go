package resolve

import (
	"context"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"verifier_server/core/domain"
	"verifier_server/core/port/out"
	"verifier_server/pkg/logger"
)

// Options tunes cache and reuse behavior.
type Options struct {
	// FreshnessWindow bounds how old a logged verdict may be and still be
	// reused without probing again.
	FreshnessWindow time.Duration

	// CacheTTL is the lifetime of entries in the short-TTL verdict cache.
	CacheTTL time.Duration
}

// DefaultOptions mirror the production defaults.
func DefaultOptions() Options {
	return Options{
		FreshnessWindow: 48 * time.Hour,
		CacheTTL:        10 * time.Minute,
	}
}

// Resolver produces one verdict per email address, reusing recent results
// before spending an oracle probe. Concurrent requests for the same
// address are collapsed through singleflight.
type Resolver struct {
	oracle  out.Oracle
	log     out.VerdictLog
	history out.HistoryStore
	cache   out.VerdictCache
	opts    Options
	group   singleflight.Group
	logger  *logger.Logger
}

func NewResolver(oracle out.Oracle, vlog out.VerdictLog, history out.HistoryStore, cache out.VerdictCache, opts Options) *Resolver {
	if opts.FreshnessWindow <= 0 {
		opts.FreshnessWindow = DefaultOptions().FreshnessWindow
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = DefaultOptions().CacheTTL
	}
	return &Resolver{
		oracle:  oracle,
		log:     vlog,
		history: history,
		cache:   cache,
		opts:    opts,
		logger:  logger.Default().WithField("component", "resolver"),
	}
}

// Resolve returns the verdict for one address. username scopes account
// level verdict history; it may be empty for anonymous lookups.
func (r *Resolver) Resolve(ctx context.Context, username, email string) (*domain.Verdict, error) {
	email = NormalizeEmail(email)

	// Reuse a fresh logged verdict before anything else.
	if v, ok := r.fromLog(ctx, username, email); ok {
		return v, nil
	}

	// Short-TTL cache stores already merged verdicts.
	if r.cache != nil {
		var cached domain.Verdict
		hit, err := r.cache.GetJSON(ctx, cacheKey(email), &cached)
		if err != nil {
			r.logger.WithError(err).Warn("verdict cache read failed")
		}
		if hit {
			cached.Source = domain.SourceCache
			return &cached, nil
		}
	}

	v, err, _ := r.group.Do(email, func() (any, error) {
		return r.probeAndStore(ctx, username, email)
	})
	if err != nil {
		return nil, err
	}
	return v.(*domain.Verdict), nil
}

// fromLog checks the account-scoped log first, then the global one, and
// reuses whichever is newest within the freshness window. Account entries
// win ties. The reused verdict is re-merged against current history.
func (r *Resolver) fromLog(ctx context.Context, username, email string) (*domain.Verdict, bool) {
	if r.log == nil {
		return nil, false
	}

	var global, account *domain.Verdict
	var err error

	global, err = r.log.Latest(ctx, email)
	if err != nil {
		r.logger.WithError(err).Warn("verdict log read failed")
	}
	if username != "" {
		account, err = r.log.LatestForAccount(ctx, username, email)
		if err != nil {
			r.logger.WithError(err).Warn("account verdict log read failed")
		}
	}

	chosen := global
	if account != nil && (chosen == nil || !account.CheckedAt.Before(chosen.CheckedAt)) {
		chosen = account
	}
	if chosen == nil {
		return nil, false
	}
	if time.Since(chosen.CheckedAt) > r.opts.FreshnessWindow {
		return nil, false
	}

	if err := r.log.Touch(ctx, email, time.Now().UTC()); err != nil {
		r.logger.WithError(err).Warn("verdict touch failed")
	}

	merged := MergeWithHistory(chosen, r.signals(ctx, chosen))
	merged.Source = domain.SourceCache
	return merged, true
}

// probeAndStore runs the fast probe, escalates to the stable probe when
// the result is inconclusive, merges history, and writes through to log
// and cache. A failed stable probe yields a terminal unknown verdict with
// no merge and no write-through.
func (r *Resolver) probeAndStore(ctx context.Context, username, email string) (*domain.Verdict, error) {
	v, err := r.oracle.ProbeFast(ctx, email)
	if err != nil {
		r.logger.WithError(err).WithField("email", email).Debug("fast probe failed")
		v = nil
	}

	if v == nil || v.Category == domain.CategoryUnknown {
		sv, serr := r.oracle.ProbeStable(ctx, email)
		if serr != nil || sv == nil {
			if serr != nil {
				r.logger.WithError(serr).WithField("email", email).Warn("stable probe failed")
			}
			return unknownVerdict(email), nil
		}
		v = sv
	}

	merged := MergeWithHistory(v, r.signals(ctx, v))
	merged.Email = email
	merged.Source = domain.SourceLive
	if merged.CheckedAt.IsZero() {
		merged.CheckedAt = time.Now().UTC()
	}

	if r.log != nil {
		if err := r.log.ReplaceLatest(ctx, username, merged); err != nil {
			r.logger.WithError(err).Warn("verdict log write failed")
		}
	}
	if r.cache != nil {
		if err := r.cache.SetJSON(ctx, cacheKey(email), merged, r.opts.CacheTTL); err != nil {
			r.logger.WithError(err).Warn("verdict cache write failed")
		}
	}
	return merged, nil
}

// signals loads the history inputs for a merge. Lookup failures degrade
// to empty signals rather than failing the resolve.
func (r *Resolver) signals(ctx context.Context, v *domain.Verdict) HistorySignals {
	var sig HistorySignals
	if r.history == nil {
		return sig
	}

	if th, err := r.history.TrainingHistory(ctx, v.Email); err == nil {
		sig.Training = th
	} else {
		r.logger.WithError(err).Debug("training history lookup failed")
	}
	if v.Domain != "" {
		if rep, err := r.history.DomainReputation(ctx, v.Domain); err == nil {
			sig.Domain = rep
		}
	}
	if v.Provider != "" {
		if rep, err := r.history.ProviderReputation(ctx, v.Provider); err == nil {
			sig.Provider = rep
		}
	}
	return sig
}

func unknownVerdict(email string) *domain.Verdict {
	return &domain.Verdict{
		Email:     email,
		Status:    "unknown",
		Category:  domain.CategoryUnknown,
		Message:   "verification engine unavailable",
		Source:    domain.SourceLive,
		CheckedAt: time.Now().UTC(),
	}
}

func cacheKey(email string) string {
	return "verdict:" + email
}

// NormalizeEmail lowercases and trims an address to its canonical form.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
