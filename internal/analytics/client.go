// Package analytics fetches the monitored-opportunity report from the
// upstream BI service. The service exposes saved report cards behind a
// session-token API; this client authenticates, runs the card query, and
// normalizes rows into domain opportunities.
package analytics

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/fieldops/fsoa-service/internal/domain/entities"
	"github.com/fieldops/fsoa-service/pkg/apperrors"
	"github.com/fieldops/fsoa-service/pkg/metrics"
)

const (
	defaultTimeout = 30 * time.Second
	sessionPath    = "/api/session"
)

// Config represents analytics service configuration
type Config struct {
	BaseURL  string
	Username string
	Password string
	CardID   int
	Timeout  time.Duration
}

// Client is a session-authenticated client for the analytics service.
type Client struct {
	config         Config
	httpClient     *http.Client
	circuitBreaker *gobreaker.CircuitBreaker
	location       *time.Location
	logger         *zap.Logger

	mu    sync.Mutex
	token string
}

// NewClient creates a new analytics client. Ingested timestamps are
// converted into loc and treated as naive wall clock from then on.
func NewClient(config Config, loc *time.Location, logger *zap.Logger) *Client {
	if config.Timeout == 0 {
		config.Timeout = defaultTimeout
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")

	st := gobreaker.Settings{
		Name:        "AnalyticsAPI",
		MaxRequests: 3,
		Interval:    30 * time.Second,
		Timeout:     60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 3
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Info("Circuit breaker state changed",
				zap.String("name", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	}

	return &Client{
		config:         config,
		httpClient:     &http.Client{Timeout: config.Timeout},
		circuitBreaker: gobreaker.NewCircuitBreaker(st),
		location:       loc,
		logger:         logger,
	}
}

// reportRow is one row of the saved report card.
type reportRow struct {
	OrderNum       string `json:"orderNum"`
	Name           string `json:"name"`
	Address        string `json:"address"`
	SupervisorName string `json:"supervisorName"`
	OrgName        string `json:"orgName"`
	OrderStatus    string `json:"orderstatus"`
	CreateTime     string `json:"createTime"`
}

// FetchMonitoredOpportunities runs the report card and returns the rows in
// monitored statuses. Rows with a malformed create time are dropped with a
// warning rather than failing the whole fetch.
func (c *Client) FetchMonitoredOpportunities(ctx context.Context) ([]*entities.Opportunity, error) {
	start := time.Now()
	result, err := c.circuitBreaker.Execute(func() (interface{}, error) {
		return c.fetchCard(ctx)
	})
	metrics.AnalyticsCallDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.AnalyticsCallsTotal.WithLabelValues("error").Inc()
		return nil, apperrors.Wrap(err, apperrors.CodeDataFetch, "analytics fetch failed")
	}
	metrics.AnalyticsCallsTotal.WithLabelValues("success").Inc()

	rows := result.([]reportRow)
	opps := make([]*entities.Opportunity, 0, len(rows))
	dropped := 0
	for _, row := range rows {
		status := entities.ParseOpportunityStatus(row.OrderStatus)
		if !status.Monitored() {
			continue
		}
		createTime, err := c.parseCreateTime(row.CreateTime)
		if err != nil {
			dropped++
			c.logger.Warn("dropping report row with malformed create time",
				zap.String("order_num", row.OrderNum),
				zap.String("create_time", row.CreateTime),
				zap.Error(err))
			continue
		}
		opps = append(opps, &entities.Opportunity{
			OrderNum:       strings.TrimSpace(row.OrderNum),
			Name:           strings.TrimSpace(row.Name),
			Address:        strings.TrimSpace(row.Address),
			SupervisorName: strings.TrimSpace(row.SupervisorName),
			OrgName:        strings.TrimSpace(row.OrgName),
			OrderStatus:    status,
			CreateTime:     createTime,
		})
	}

	c.logger.Info("fetched monitored opportunities",
		zap.Int("total_rows", len(rows)),
		zap.Int("monitored", len(opps)),
		zap.Int("dropped", dropped))
	return opps, nil
}

// fetchCard runs the card query, re-authenticating once on a 401.
func (c *Client) fetchCard(ctx context.Context) ([]reportRow, error) {
	for attempt := 0; attempt < 2; attempt++ {
		token, err := c.sessionToken(ctx, attempt > 0)
		if err != nil {
			return nil, err
		}

		url := fmt.Sprintf("%s/api/card/%d/query/json", c.config.BaseURL, c.config.CardID)
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to build card request: %w", err)
		}
		req.Header.Set("X-Metabase-Session", token)
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("card query failed: %w", err)
		}
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to read card response: %w", err)
		}

		if resp.StatusCode == http.StatusUnauthorized {
			// Stale session, retry once with a fresh token.
			continue
		}
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("card query returned status %d: %s", resp.StatusCode, truncate(body, 200))
		}

		var rows []reportRow
		if err := json.Unmarshal(body, &rows); err != nil {
			return nil, fmt.Errorf("failed to decode card response: %w", err)
		}
		return rows, nil
	}
	return nil, fmt.Errorf("card query unauthorized after re-authentication")
}

// sessionToken returns the cached session token, authenticating when the
// cache is empty or force is set.
func (c *Client) sessionToken(ctx context.Context, force bool) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != "" && !force {
		return c.token, nil
	}

	payload, _ := json.Marshal(map[string]string{
		"username": c.config.Username,
		"password": c.config.Password,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+sessionPath, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("failed to build session request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("session request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read session response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("authentication returned status %d: %s", resp.StatusCode, truncate(body, 200))
	}

	var session struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &session); err != nil {
		return "", fmt.Errorf("failed to decode session response: %w", err)
	}
	if session.ID == "" {
		return "", fmt.Errorf("authentication returned empty session id")
	}

	c.token = session.ID
	c.logger.Debug("analytics session established")
	return c.token, nil
}

// createTimeLayouts are tried in order. Zoned layouts are converted into the
// business timezone; bare layouts are read as already being wall clock there.
var createTimeLayouts = []struct {
	layout string
	zoned  bool
}{
	{time.RFC3339, true},
	{"2006-01-02T15:04:05", false},
	{"2006-01-02 15:04:05", false},
}

func (c *Client) parseCreateTime(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, fmt.Errorf("empty create time")
	}
	for _, l := range createTimeLayouts {
		var t time.Time
		var err error
		if l.zoned {
			t, err = time.Parse(l.layout, raw)
		} else {
			t, err = time.ParseInLocation(l.layout, raw, c.location)
		}
		if err == nil {
			t = t.In(c.location)
			// Strip the zone: downstream arithmetic is naive wall clock.
			return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), 0, c.location), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized create time format %q", raw)
}

func truncate(b []byte, n int) string {
	s := string(b)
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}
