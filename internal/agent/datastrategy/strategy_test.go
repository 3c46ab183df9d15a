package datastrategy

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fieldops/fsoa-service/internal/domain/entities"
	"github.com/fieldops/fsoa-service/pkg/apperrors"
)

type fakeFetcher struct {
	opps  []*entities.Opportunity
	err   error
	calls int
}

func (f *fakeFetcher) FetchMonitoredOpportunities(context.Context) ([]*entities.Opportunity, error) {
	f.calls++
	return f.opps, f.err
}

type fakeCache struct {
	opps        []*entities.Opportunity
	refreshedAt time.Time
	replaceErr  error
	getAllErr   error
}

func (c *fakeCache) ReplaceAll(_ context.Context, opps []*entities.Opportunity, refreshedAt time.Time) error {
	if c.replaceErr != nil {
		return c.replaceErr
	}
	c.opps = opps
	c.refreshedAt = refreshedAt
	return nil
}

func (c *fakeCache) GetAll(context.Context) ([]*entities.Opportunity, error) {
	if c.getAllErr != nil {
		return nil, c.getAllErr
	}
	return c.opps, nil
}

func (c *fakeCache) LastRefreshed(context.Context) (time.Time, error) {
	return c.refreshedAt, nil
}

func (c *fakeCache) Count(context.Context) (int, error) {
	return len(c.opps), nil
}
func (c *fakeCache) DeleteAll(context.Context) error {
	c.opps = nil
	c.refreshedAt = time.Time{}
	c.getAllErr = nil
	return nil
}

type fakeSettings map[string]int

func (s fakeSettings) GetInt(key string, fallback int) int {
	if v, ok := s[key]; ok {
		return v
	}
	return fallback
}

func opp(orderNum string) *entities.Opportunity {
	return &entities.Opportunity{OrderNum: orderNum, OrderStatus: entities.StatusPendingAppointment}
}

// stubClassifier stamps fixed derived fields onto named orders.
type stubClassifier struct {
	overdue     map[string]bool
	approaching map[string]bool
}

func (c *stubClassifier) ApplyAll(opps []*entities.Opportunity, _ time.Time) {
	for _, opp := range opps {
		opp.IsOverdue = c.overdue[opp.OrderNum]
		if c.approaching[opp.OrderNum] {
			opp.SLAProgressRatio = 0.9
		}
	}
}

func newStrategy(fetcher *fakeFetcher, cache *fakeCache, at time.Time) *Strategy {
	return NewStrategy(fetcher, cache, fakeSettings{}, nil, zap.NewNop()).
		WithClock(func() time.Time { return at })
}

func TestFreshCacheSkipsFetch(t *testing.T) {
	now := time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)
	cache := &fakeCache{opps: []*entities.Opportunity{opp("GD001")}, refreshedAt: now.Add(-30 * time.Minute)}
	fetcher := &fakeFetcher{opps: []*entities.Opportunity{opp("GD999")}}
	s := newStrategy(fetcher, cache, now)

	res, err := s.GetOpportunities(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SourceCache, res.Source)
	assert.False(t, res.Stale)
	assert.Equal(t, "GD001", res.Opportunities[0].OrderNum)
	assert.Zero(t, fetcher.calls)
}

func TestExpiredCacheRefreshes(t *testing.T) {
	now := time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)
	cache := &fakeCache{opps: []*entities.Opportunity{opp("GD001")}, refreshedAt: now.Add(-2 * time.Hour)}
	fetcher := &fakeFetcher{opps: []*entities.Opportunity{opp("GD002")}}
	s := newStrategy(fetcher, cache, now)

	res, err := s.GetOpportunities(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SourceAnalytics, res.Source)
	assert.Equal(t, "GD002", res.Opportunities[0].OrderNum)
	assert.Equal(t, "GD002", cache.opps[0].OrderNum) // cache replaced
}

func TestStaleFallbackWhenAnalyticsDown(t *testing.T) {
	now := time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)
	cache := &fakeCache{opps: []*entities.Opportunity{opp("GD001")}, refreshedAt: now.Add(-5 * time.Hour)}
	fetcher := &fakeFetcher{err: errors.New("connection refused")}
	s := newStrategy(fetcher, cache, now)

	res, err := s.GetOpportunities(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SourceStaleCache, res.Source)
	assert.True(t, res.Stale)
	assert.Error(t, res.SourceErr)
	assert.Equal(t, "GD001", res.Opportunities[0].OrderNum)
}

func TestEmptyCacheAndAnalyticsDownFails(t *testing.T) {
	now := time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)
	s := newStrategy(&fakeFetcher{err: errors.New("down")}, &fakeCache{}, now)

	_, err := s.GetOpportunities(context.Background())
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeDataFetch, apperrors.CodeOf(err))
}

func TestCacheWriteFailureStillServesFetched(t *testing.T) {
	now := time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)
	cache := &fakeCache{replaceErr: errors.New("disk full")}
	fetcher := &fakeFetcher{opps: []*entities.Opportunity{opp("GD003")}}
	s := newStrategy(fetcher, cache, now)

	res, err := s.GetOpportunities(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SourceAnalytics, res.Source)
	assert.Equal(t, "GD003", res.Opportunities[0].OrderNum)
}

func TestRefreshCacheForcesFetch(t *testing.T) {
	now := time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)
	cache := &fakeCache{opps: []*entities.Opportunity{opp("GD001")}, refreshedAt: now.Add(-time.Minute)}
	fetcher := &fakeFetcher{opps: []*entities.Opportunity{opp("GD002"), opp("GD003")}}
	s := newStrategy(fetcher, cache, now)

	oldCount, newCount, err := s.RefreshCache(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, oldCount)
	assert.Equal(t, 2, newCount)
	assert.Equal(t, 1, fetcher.calls)
	assert.Len(t, cache.opps, 2)
}

func TestCorruptCacheClearedAndRefetched(t *testing.T) {
	now := time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)
	cache := &fakeCache{
		opps:        []*entities.Opportunity{opp("GD001")},
		refreshedAt: now.Add(-time.Minute),
		getAllErr:   errors.New("invalid byte sequence"),
	}
	fetcher := &fakeFetcher{opps: []*entities.Opportunity{opp("GD009")}}
	s := newStrategy(fetcher, cache, now)

	res, err := s.GetOpportunities(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SourceAnalytics, res.Source)
	assert.Equal(t, "GD009", res.Opportunities[0].OrderNum)
	assert.Equal(t, 1, fetcher.calls)
	assert.Equal(t, "GD009", cache.opps[0].OrderNum)
}

func TestCorruptCacheRefetchFailure(t *testing.T) {
	now := time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)
	cache := &fakeCache{
		opps:        []*entities.Opportunity{opp("GD001")},
		refreshedAt: now.Add(-time.Minute),
		getAllErr:   errors.New("invalid byte sequence"),
	}
	s := newStrategy(&fakeFetcher{err: errors.New("down")}, cache, now)

	_, err := s.GetOpportunities(context.Background())
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeCacheCorrupt, apperrors.CodeOf(err))
}

func TestGetOverdueOpportunities(t *testing.T) {
	now := time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)
	cache := &fakeCache{
		opps:        []*entities.Opportunity{opp("GD001"), opp("GD002")},
		refreshedAt: now.Add(-time.Minute),
	}
	classifier := &stubClassifier{overdue: map[string]bool{"GD002": true}}
	fetcher := &fakeFetcher{}
	s := NewStrategy(fetcher, cache, fakeSettings{}, classifier, zap.NewNop()).
		WithClock(func() time.Time { return now })

	overdue, err := s.GetOverdueOpportunities(context.Background(), false)
	require.NoError(t, err)
	require.Len(t, overdue, 1)
	assert.Equal(t, "GD002", overdue[0].OrderNum)
	assert.Zero(t, fetcher.calls)
}

func TestGetOverdueOpportunitiesForceRefresh(t *testing.T) {
	now := time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)
	cache := &fakeCache{
		opps:        []*entities.Opportunity{opp("GD001")},
		refreshedAt: now.Add(-time.Minute),
	}
	classifier := &stubClassifier{overdue: map[string]bool{"GD005": true}}
	fetcher := &fakeFetcher{opps: []*entities.Opportunity{opp("GD005")}}
	s := NewStrategy(fetcher, cache, fakeSettings{}, classifier, zap.NewNop()).
		WithClock(func() time.Time { return now })

	overdue, err := s.GetOverdueOpportunities(context.Background(), true)
	require.NoError(t, err)
	require.Len(t, overdue, 1)
	assert.Equal(t, "GD005", overdue[0].OrderNum)
	assert.Equal(t, 1, fetcher.calls)
}

func TestGetApproachingOverdue(t *testing.T) {
	now := time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)
	cache := &fakeCache{
		opps:        []*entities.Opportunity{opp("GD001"), opp("GD002")},
		refreshedAt: now.Add(-time.Minute),
	}
	classifier := &stubClassifier{approaching: map[string]bool{"GD001": true}}
	s := NewStrategy(&fakeFetcher{}, cache, fakeSettings{}, classifier, zap.NewNop()).
		WithClock(func() time.Time { return now })

	approaching, err := s.GetApproachingOverdue(context.Background())
	require.NoError(t, err)
	require.Len(t, approaching, 1)
	assert.Equal(t, "GD001", approaching[0].OrderNum)
}

func TestCacheStatistics(t *testing.T) {
	now := time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)
	cache := &fakeCache{opps: []*entities.Opportunity{opp("GD001")}, refreshedAt: now.Add(-30 * time.Minute)}
	s := newStrategy(&fakeFetcher{}, cache, now)

	stats, err := s.CacheStatistics(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Count)
	assert.True(t, stats.Fresh)
	assert.InDelta(t, 1800, stats.AgeSeconds, 1)
}

func TestValidateConsistency(t *testing.T) {
	now := time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)
	cache := &fakeCache{opps: []*entities.Opportunity{opp("GD001"), opp("GD002")}}
	fetcher := &fakeFetcher{opps: []*entities.Opportunity{opp("GD002"), opp("GD003")}}
	s := newStrategy(fetcher, cache, now)

	report, err := s.ValidateConsistency(context.Background())
	require.NoError(t, err)
	assert.False(t, report.Consistent)
	assert.Equal(t, []string{"GD003"}, report.MissingInCache)
	assert.Equal(t, []string{"GD001"}, report.ExtraInCache)
}

func TestSummarize(t *testing.T) {
	opps := []*entities.Opportunity{
		{OrderNum: "GD001", OrgName: "North", OrderStatus: entities.StatusPendingAppointment, IsOverdue: true, EscalationLevel: 1},
		{OrderNum: "GD002", OrgName: "North", OrderStatus: entities.StatusPendingAppointment, SLAProgressRatio: 0.9},
		{OrderNum: "GD003", OrgName: "South", OrderStatus: entities.StatusTemporarilyNotVisiting, SLAProgressRatio: 0.2},
	}

	stats := Summarize(opps)
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 1, stats.Overdue)
	assert.Equal(t, 1, stats.Approaching)
	assert.Equal(t, 1, stats.Normal)
	assert.Equal(t, 1, stats.Escalations)
	assert.Equal(t, 2, stats.ByStatus[string(entities.StatusPendingAppointment)])
	assert.Equal(t, 2, stats.ByOrg["North"])
}
