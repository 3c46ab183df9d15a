// Package datastrategy decides where opportunity data comes from: the local
// cache while it is fresh, the analytics service when it is not, and the
// stale cache as a degraded fallback when the service is down.
package datastrategy

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/fieldops/fsoa-service/internal/domain/entities"
	"github.com/fieldops/fsoa-service/pkg/apperrors"
	"github.com/fieldops/fsoa-service/pkg/metrics"
)

// Source names where a result came from.
type Source string

const (
	SourceCache      Source = "cache"
	SourceAnalytics  Source = "analytics"
	SourceStaleCache Source = "stale_cache"
)

// Fetcher pulls the live opportunity snapshot from the analytics service.
type Fetcher interface {
	FetchMonitoredOpportunities(ctx context.Context) ([]*entities.Opportunity, error)
}

// CacheStore is the persistence surface the strategy needs.
type CacheStore interface {
	ReplaceAll(ctx context.Context, opps []*entities.Opportunity, refreshedAt time.Time) error
	GetAll(ctx context.Context) ([]*entities.Opportunity, error)
	LastRefreshed(ctx context.Context) (time.Time, error)
	Count(ctx context.Context) (int, error)
	DeleteAll(ctx context.Context) error
}

// Settings supplies the runtime-tunable knobs.
type Settings interface {
	GetInt(key string, fallback int) int
}

// Classifier recomputes the derived SLA fields of a snapshot against a
// point in time.
type Classifier interface {
	ApplyAll(opps []*entities.Opportunity, now time.Time)
}

const cacheTTLKey = "cache_ttl_hours"

// Result is one resolved snapshot with its provenance.
type Result struct {
	Opportunities []*entities.Opportunity
	Source        Source
	RefreshedAt   time.Time
	// Stale is set when the analytics service failed and the cache served
	// beyond its freshness window. SourceErr then carries the fetch error;
	// the run records it and continues.
	Stale     bool
	SourceErr error
}

// CacheStatistics describes the cache for status surfaces.
type CacheStatistics struct {
	Count       int       `json:"count"`
	RefreshedAt time.Time `json:"refreshed_at"`
	AgeSeconds  float64   `json:"age_seconds"`
	Fresh       bool      `json:"fresh"`
	TTLHours    int       `json:"ttl_hours"`
}

// ConsistencyReport compares the cache against a live fetch.
type ConsistencyReport struct {
	CacheCount     int      `json:"cache_count"`
	SourceCount    int      `json:"source_count"`
	MissingInCache []string `json:"missing_in_cache,omitempty"`
	ExtraInCache   []string `json:"extra_in_cache,omitempty"`
	Consistent     bool     `json:"consistent"`
}

// Strategy implements the cache-first read path.
type Strategy struct {
	fetcher    Fetcher
	cache      CacheStore
	settings   Settings
	classifier Classifier
	logger     *zap.Logger
	now        func() time.Time
}

// NewStrategy wires the strategy. The clock is injectable for tests.
func NewStrategy(fetcher Fetcher, cache CacheStore, settings Settings, classifier Classifier, logger *zap.Logger) *Strategy {
	return &Strategy{
		fetcher:    fetcher,
		cache:      cache,
		settings:   settings,
		classifier: classifier,
		logger:     logger,
		now:        time.Now,
	}
}

// WithClock replaces the strategy's clock.
func (s *Strategy) WithClock(now func() time.Time) *Strategy {
	s.now = now
	return s
}

func (s *Strategy) ttl() time.Duration {
	return time.Duration(s.settings.GetInt(cacheTTLKey, 1)) * time.Hour
}

// GetOpportunities returns the current snapshot. Freshness is judged against
// the cache TTL; an unreachable analytics service degrades to the stale
// cache instead of failing the run, unless the cache is empty.
func (s *Strategy) GetOpportunities(ctx context.Context) (*Result, error) {
	refreshedAt, err := s.cache.LastRefreshed(ctx)
	if err != nil {
		return nil, err
	}

	now := s.now()
	var cacheErr error
	if !refreshedAt.IsZero() && now.Sub(refreshedAt) < s.ttl() {
		opps, err := s.cache.GetAll(ctx)
		if err == nil {
			return &Result{Opportunities: opps, Source: SourceCache, RefreshedAt: refreshedAt}, nil
		}
		// Unreadable rows cannot be repaired in place; drop the cache and
		// fall through to a live fetch.
		cacheErr = err
		s.logger.Error("opportunity cache unreadable, clearing and refetching", zap.Error(err))
		if clearErr := s.cache.DeleteAll(ctx); clearErr != nil {
			return nil, apperrors.Wrap(clearErr, apperrors.CodeCacheCorrupt, "failed to clear unreadable cache")
		}
		refreshedAt = time.Time{}
	}

	fresh, fetchErr := s.fetcher.FetchMonitoredOpportunities(ctx)
	if fetchErr == nil {
		refreshedAt = s.now()
		if err := s.cache.ReplaceAll(ctx, fresh, refreshedAt); err != nil {
			// The fetch succeeded; a cache write failure must not lose it.
			s.logger.Error("cache refresh failed, serving fetched data uncached", zap.Error(err))
		}
		return &Result{Opportunities: fresh, Source: SourceAnalytics, RefreshedAt: refreshedAt}, nil
	}

	if cacheErr != nil {
		return nil, apperrors.Wrap(fetchErr, apperrors.CodeCacheCorrupt,
			"cache unreadable and refetch failed")
	}
	if refreshedAt.IsZero() {
		return nil, apperrors.Wrap(fetchErr, apperrors.CodeDataFetch,
			"analytics unavailable and no cached data to fall back on")
	}

	opps, err := s.cache.GetAll(ctx)
	if err != nil {
		return nil, err
	}
	metrics.StaleServesTotal.Inc()
	s.logger.Warn("analytics unavailable, serving stale cache",
		zap.Time("refreshed_at", refreshedAt),
		zap.Error(fetchErr))
	return &Result{
		Opportunities: opps,
		Source:        SourceStaleCache,
		RefreshedAt:   refreshedAt,
		Stale:         true,
		SourceErr:     fetchErr,
	}, nil
}

// RefreshCache forces a fetch-and-replace regardless of freshness. It
// reports the cache size before and after the swap.
func (s *Strategy) RefreshCache(ctx context.Context) (oldCount, newCount int, err error) {
	oldCount, err = s.cache.Count(ctx)
	if err != nil {
		return 0, 0, err
	}
	fresh, err := s.fetcher.FetchMonitoredOpportunities(ctx)
	if err != nil {
		return oldCount, 0, apperrors.Wrap(err, apperrors.CodeDataFetch, "forced refresh failed")
	}
	if err := s.cache.ReplaceAll(ctx, fresh, s.now()); err != nil {
		return oldCount, 0, err
	}
	return oldCount, len(fresh), nil
}

// classified resolves the snapshot and applies the SLA classifier to it.
func (s *Strategy) classified(ctx context.Context, forceRefresh bool) ([]*entities.Opportunity, error) {
	if forceRefresh {
		if _, _, err := s.RefreshCache(ctx); err != nil {
			return nil, err
		}
	}
	res, err := s.GetOpportunities(ctx)
	if err != nil {
		return nil, err
	}
	if s.classifier != nil {
		s.classifier.ApplyAll(res.Opportunities, s.now())
	}
	return res.Opportunities, nil
}

// GetOverdueOpportunities returns the overdue subset of the snapshot.
// forceRefresh swaps the cache against a live fetch first.
func (s *Strategy) GetOverdueOpportunities(ctx context.Context, forceRefresh bool) ([]*entities.Opportunity, error) {
	opps, err := s.classified(ctx, forceRefresh)
	if err != nil {
		return nil, err
	}
	var overdue []*entities.Opportunity
	for _, opp := range opps {
		if opp.IsOverdue {
			overdue = append(overdue, opp)
		}
	}
	return overdue, nil
}

// GetApproachingOverdue returns opportunities inside the warning band ahead
// of their deadline.
func (s *Strategy) GetApproachingOverdue(ctx context.Context) ([]*entities.Opportunity, error) {
	opps, err := s.classified(ctx, false)
	if err != nil {
		return nil, err
	}
	var approaching []*entities.Opportunity
	for _, opp := range opps {
		if opp.IsApproachingOverdue() {
			approaching = append(approaching, opp)
		}
	}
	return approaching, nil
}

// ClearCache empties the cache, forcing the next read through to analytics.
func (s *Strategy) ClearCache(ctx context.Context) error {
	return s.cache.DeleteAll(ctx)
}

// CacheStatistics reports cache size and freshness.
func (s *Strategy) CacheStatistics(ctx context.Context) (*CacheStatistics, error) {
	count, err := s.cache.Count(ctx)
	if err != nil {
		return nil, err
	}
	refreshedAt, err := s.cache.LastRefreshed(ctx)
	if err != nil {
		return nil, err
	}
	stats := &CacheStatistics{
		Count:       count,
		RefreshedAt: refreshedAt,
		TTLHours:    s.settings.GetInt(cacheTTLKey, 1),
	}
	if !refreshedAt.IsZero() {
		age := s.now().Sub(refreshedAt)
		stats.AgeSeconds = age.Seconds()
		stats.Fresh = age < s.ttl()
	}
	return stats, nil
}

// OpportunityStatistics summarizes one evaluated snapshot for dashboards.
type OpportunityStatistics struct {
	Total       int            `json:"total"`
	Overdue     int            `json:"overdue"`
	Approaching int            `json:"approaching"`
	Normal      int            `json:"normal"`
	Escalations int            `json:"escalations"`
	ByStatus    map[string]int `json:"by_status"`
	ByOrg       map[string]int `json:"by_org"`
}

// Summarize aggregates opportunities whose derived fields have already been
// computed against the current clock.
func Summarize(opps []*entities.Opportunity) *OpportunityStatistics {
	stats := &OpportunityStatistics{
		Total:    len(opps),
		ByStatus: make(map[string]int),
		ByOrg:    make(map[string]int),
	}
	for _, opp := range opps {
		stats.ByStatus[string(opp.OrderStatus)]++
		stats.ByOrg[opp.OrgName]++
		switch {
		case opp.IsOverdue:
			stats.Overdue++
		case opp.IsApproachingOverdue():
			stats.Approaching++
		default:
			stats.Normal++
		}
		if opp.EscalationLevel > 0 {
			stats.Escalations++
		}
	}
	return stats
}

// ValidateConsistency fetches live data and diffs it against the cache
// without modifying either side.
func (s *Strategy) ValidateConsistency(ctx context.Context) (*ConsistencyReport, error) {
	live, err := s.fetcher.FetchMonitoredOpportunities(ctx)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeDataFetch, "consistency check fetch failed")
	}
	cached, err := s.cache.GetAll(ctx)
	if err != nil {
		return nil, err
	}

	liveSet := make(map[string]bool, len(live))
	for _, opp := range live {
		liveSet[opp.OrderNum] = true
	}
	cachedSet := make(map[string]bool, len(cached))
	for _, opp := range cached {
		cachedSet[opp.OrderNum] = true
	}

	report := &ConsistencyReport{CacheCount: len(cached), SourceCount: len(live)}
	for num := range liveSet {
		if !cachedSet[num] {
			report.MissingInCache = append(report.MissingInCache, num)
		}
	}
	for num := range cachedSet {
		if !liveSet[num] {
			report.ExtraInCache = append(report.ExtraInCache, num)
		}
	}
	report.Consistent = len(report.MissingInCache) == 0 && len(report.ExtraInCache) == 0
	return report, nil
}
