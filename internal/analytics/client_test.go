package analytics

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fieldops/fsoa-service/internal/domain/entities"
	"github.com/fieldops/fsoa-service/pkg/apperrors"
)

func newTestServer(t *testing.T, rows []map[string]string) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var sessions atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/api/session", func(w http.ResponseWriter, r *http.Request) {
		sessions.Add(1)
		json.NewEncoder(w).Encode(map[string]string{"id": "sess-token"})
	})
	mux.HandleFunc("/api/card/1712/query/json", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Metabase-Session") != "sess-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(rows)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, &sessions
}

func newTestClient(t *testing.T, baseURL string) *Client {
	t.Helper()
	return NewClient(Config{
		BaseURL:  baseURL,
		Username: "agent",
		Password: "secret",
		CardID:   1712,
	}, time.UTC, zap.NewNop())
}

func TestFetchMonitoredOpportunities(t *testing.T) {
	rows := []map[string]string{
		{"orderNum": "GD001", "orgName": "North", "orderstatus": "待预约", "createTime": "2025-06-02 10:00:00"},
		{"orderNum": "GD002", "orgName": "North", "orderstatus": "暂不上门", "createTime": "2025-06-02T11:00:00"},
		{"orderNum": "GD003", "orgName": "South", "orderstatus": "completed", "createTime": "2025-06-02 12:00:00"},
		{"orderNum": "GD004", "orgName": "South", "orderstatus": "待预约", "createTime": "garbled"},
	}
	srv, sessions := newTestServer(t, rows)
	client := newTestClient(t, srv.URL)

	opps, err := client.FetchMonitoredOpportunities(context.Background())
	require.NoError(t, err)

	// Completed order filtered, garbled create time dropped.
	require.Len(t, opps, 2)
	assert.Equal(t, "GD001", opps[0].OrderNum)
	assert.Equal(t, entities.StatusPendingAppointment, opps[0].OrderStatus)
	assert.Equal(t, time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC), opps[0].CreateTime)
	assert.Equal(t, entities.StatusTemporarilyNotVisiting, opps[1].OrderStatus)

	// Session is established once and reused.
	opps, err = client.FetchMonitoredOpportunities(context.Background())
	require.NoError(t, err)
	assert.Len(t, opps, 2)
	assert.EqualValues(t, 1, sessions.Load())
}

func TestFetchReauthenticatesOnStaleSession(t *testing.T) {
	var sessionCount atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/api/session", func(w http.ResponseWriter, r *http.Request) {
		n := sessionCount.Add(1)
		json.NewEncoder(w).Encode(map[string]string{"id": map[bool]string{true: "stale", false: "fresh"}[n == 1]})
	})
	mux.HandleFunc("/api/card/1712/query/json", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Metabase-Session") != "fresh" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode([]map[string]string{})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	client := newTestClient(t, srv.URL)
	opps, err := client.FetchMonitoredOpportunities(context.Background())
	require.NoError(t, err)
	assert.Empty(t, opps)
	assert.EqualValues(t, 2, sessionCount.Load())
}

func TestFetchFailureIsDataFetchError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	client := newTestClient(t, srv.URL)
	_, err := client.FetchMonitoredOpportunities(context.Background())
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeDataFetch, apperrors.CodeOf(err))
}

func TestParseCreateTimeZonedInput(t *testing.T) {
	loc, err := time.LoadLocation("Asia/Shanghai")
	require.NoError(t, err)
	client := NewClient(Config{BaseURL: "http://unused", CardID: 1}, loc, zap.NewNop())

	// UTC input lands eight hours later in local wall clock, zone stripped.
	got, err := client.parseCreateTime("2025-06-02T02:30:00Z")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 6, 2, 10, 30, 0, 0, loc), got)
}
