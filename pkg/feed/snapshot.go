package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/gregtusar/papertrade/internal/observability"
	"github.com/gregtusar/papertrade/pkg/models"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// StatsSink receives merged 24h statistics. *Client implements it.
type StatsSink interface {
	MergeStats(stats []models.PriceTick)
}

type SnapshotConfig struct {
	BaseURL string
	// Timeout bounds each attempt, not the whole retry sequence.
	Timeout time.Duration
	Backoff Backoff
	// RequestsPerSecond paces attempts against the provider's REST limits.
	RequestsPerSecond float64
}

// SnapshotFetcher pulls 24h ticker statistics for the whole universe over
// REST. Its retry counter is independent of the stream's.
type SnapshotFetcher struct {
	cfg        SnapshotConfig
	norm       *Normalizer
	sink       StatsSink
	httpClient *http.Client
	limiter    *rate.Limiter
	rng        *rand.Rand
	logger     *logrus.Logger
	metrics    *observability.Metrics
}

func NewSnapshotFetcher(cfg SnapshotConfig, norm *Normalizer, sink StatsSink, logger *logrus.Logger, metrics *observability.Metrics) *SnapshotFetcher {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	if metrics == nil {
		metrics = observability.NewMetrics()
	}

	return &SnapshotFetcher{
		cfg:        cfg,
		norm:       norm,
		sink:       sink,
		httpClient: &http.Client{},
		limiter:    rate.NewLimiter(limit, 1),
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
		logger:     logger,
		metrics:    metrics,
	}
}

type ticker24h struct {
	Symbol             string `json:"symbol"`
	LastPrice          string `json:"lastPrice"`
	PriceChangePercent string `json:"priceChangePercent"`
	Volume             string `json:"volume"`
}

// Fetch performs a single attempt bounded by the configured timeout.
func (f *SnapshotFetcher) Fetch(ctx context.Context) ([]models.PriceTick, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, f.cfg.Timeout)
	defer cancel()

	pairs := make([]string, 0, len(f.norm.Symbols()))
	for _, s := range f.norm.Symbols() {
		pairs = append(pairs, f.norm.Pair(s))
	}
	encoded, err := json.Marshal(pairs)
	if err != nil {
		return nil, err
	}

	endpoint := f.cfg.BaseURL + "/api/v3/ticker/24hr?symbols=" + url.QueryEscape(string(encoded))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("snapshot request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("snapshot request: status %d: %s", resp.StatusCode, body)
	}

	var raw []ticker24h
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}

	now := time.Now()
	stats := make([]models.PriceTick, 0, len(raw))
	for _, r := range raw {
		symbol, ok := f.norm.byPair[r.Symbol]
		if !ok {
			continue
		}
		tick := models.PriceTick{Symbol: symbol, UpdatedAt: now}
		if tick.Price, err = strconv.ParseFloat(r.LastPrice, 64); err != nil {
			f.logger.WithField("symbol", r.Symbol).Warn("Skipping snapshot row with bad price")
			continue
		}
		tick.PercentChange24h, _ = strconv.ParseFloat(r.PriceChangePercent, 64)
		tick.Volume24h, _ = strconv.ParseFloat(r.Volume, 64)
		stats = append(stats, tick)
	}
	return stats, nil
}

// Refresh fetches and merges, retrying with backoff until an attempt succeeds,
// the attempt budget runs out or ctx is cancelled.
func (f *SnapshotFetcher) Refresh(ctx context.Context) error {
	for attempt := 0; ; attempt++ {
		stats, err := f.Fetch(ctx)
		if err == nil {
			f.metrics.FeedSnapshotFetches.WithLabelValues("ok").Inc()
			f.sink.MergeStats(stats)
			f.logger.WithField("symbols", len(stats)).Debug("Merged 24h snapshot")
			return nil
		}
		f.metrics.FeedSnapshotFetches.WithLabelValues("error").Inc()

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if f.cfg.Backoff.Exhausted(attempt + 1) {
			return fmt.Errorf("snapshot fetch failed after %d attempts: %w", attempt+1, err)
		}

		delay := f.cfg.Backoff.DelayWithJitter(attempt, f.rng)
		f.logger.WithError(err).WithFields(logrus.Fields{
			"attempt": attempt + 1,
			"delay":   delay.String(),
		}).Warn("Snapshot fetch failed, retrying")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// Run refreshes once and then every interval until ctx is done. A zero
// interval makes it a one-shot fetch.
func (f *SnapshotFetcher) Run(ctx context.Context, interval time.Duration) {
	if err := f.Refresh(ctx); err != nil && ctx.Err() == nil {
		f.logger.WithError(err).Error("Initial 24h snapshot failed")
	}
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := f.Refresh(ctx); err != nil && ctx.Err() == nil {
				f.logger.WithError(err).Error("24h snapshot refresh failed")
			}
		}
	}
}
