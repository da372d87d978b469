package repo

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/outbreakstack/renewal-rt/internal/cache"
	"github.com/outbreakstack/renewal-rt/internal/models"
	"github.com/outbreakstack/renewal-rt/internal/utils"
)

// SurveillanceOptions configures the surveillance data API client.
type SurveillanceOptions struct {
	BaseURL       string
	IncidencePath string
	PairsPath     string
	Timeout       time.Duration
	// MaxRetries bounds retries of 5xx responses and transport errors.
	MaxRetries int
}

// SurveillanceClient fetches case data from the surveillance data API.
type SurveillanceClient struct {
	baseURL       string
	incidencePath string
	pairsPath     string
	maxRetries    int
	httpClient    *http.Client
	cache         cache.Provider
	cacheTTL      time.Duration
	logger        *slog.Logger
}

// NewSurveillanceClient constructs a client targeting the configured API. A nil
// cache disables caching.
func NewSurveillanceClient(opts SurveillanceOptions, c cache.Provider, ttl time.Duration, logger *slog.Logger) *SurveillanceClient {
	if c == nil {
		c = cache.NoopProvider{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SurveillanceClient{
		baseURL:       strings.TrimRight(opts.BaseURL, "/"),
		incidencePath: opts.IncidencePath,
		pairsPath:     opts.PairsPath,
		maxRetries:    opts.MaxRetries,
		httpClient:    &http.Client{Timeout: opts.Timeout},
		cache:         c,
		cacheTTL:      ttl,
		logger:        logger,
	}
}

type incidenceResponse struct {
	Dataset  string   `json:"dataset"`
	Start    string   `json:"start"`
	Interval int      `json:"interval"`
	Counts   []int    `json:"counts"`
	Onsets   []string `json:"onsets"`
}

// FetchIncidence returns the incidence of dataset between first and last.
// The API may answer with binned counts or raw onset dates; onsets are binned
// into a daily series.
func (c *SurveillanceClient) FetchIncidence(ctx context.Context, dataset string, first, last time.Time) (models.IncidenceSeries, error) {
	const op = "surveillance.FetchIncidence"
	if err := c.ready(); err != nil {
		return models.IncidenceSeries{}, utils.NewAppError(op, "client unavailable", err)
	}

	payload := map[string]any{
		"dataset": dataset,
		"start":   utils.FormatDate(first),
		"end":     utils.FormatDate(last),
	}
	cacheKey := fmt.Sprintf("rt:incidence:%s:%s:%s", dataset, utils.FormatDate(first), utils.FormatDate(last))

	var response incidenceResponse
	if err := c.cachedPost(ctx, cacheKey, c.resolvePath(c.incidencePath), payload, &response); err != nil {
		return models.IncidenceSeries{}, utils.NewAppError(op, "incidence request failed", err)
	}

	if len(response.Onsets) > 0 {
		dates, err := utils.ParseDates(response.Onsets)
		if err != nil {
			return models.IncidenceSeries{}, utils.NewAppError(op, "decode onsets", err)
		}
		return models.IncidenceFromDates(dates, first, last)
	}
	if len(response.Counts) == 0 {
		return models.IncidenceSeries{}, utils.NewAppError(op, "dataset "+dataset+" returned no incidence", utils.ErrNotFound)
	}
	start, err := utils.ParseDate(response.Start)
	if err != nil {
		return models.IncidenceSeries{}, utils.NewAppError(op, "decode start", err)
	}
	interval := response.Interval
	if interval == 0 {
		interval = 1
	}
	return models.NewBinnedSeries(start, interval, response.Counts)
}

// FetchTransmissionPairs returns the infector/infectee onset pairs of dataset.
func (c *SurveillanceClient) FetchTransmissionPairs(ctx context.Context, dataset string) ([]models.TransmissionPair, error) {
	const op = "surveillance.FetchTransmissionPairs"
	if err := c.ready(); err != nil {
		return nil, utils.NewAppError(op, "client unavailable", err)
	}

	var response struct {
		Pairs []struct {
			InfectorOnset string `json:"infector_onset"`
			InfecteeOnset string `json:"infectee_onset"`
		} `json:"pairs"`
	}
	cacheKey := "rt:pairs:" + dataset
	if err := c.cachedPost(ctx, cacheKey, c.resolvePath(c.pairsPath), map[string]any{"dataset": dataset}, &response); err != nil {
		return nil, utils.NewAppError(op, "transmission pairs request failed", err)
	}

	pairs := make([]models.TransmissionPair, 0, len(response.Pairs))
	for i, p := range response.Pairs {
		infector, err := utils.ParseDate(p.InfectorOnset)
		if err != nil {
			return nil, utils.NewAppError(op, fmt.Sprintf("decode pair %d", i), err)
		}
		infectee, err := utils.ParseDate(p.InfecteeOnset)
		if err != nil {
			return nil, utils.NewAppError(op, fmt.Sprintf("decode pair %d", i), err)
		}
		pairs = append(pairs, models.TransmissionPair{InfectorOnset: infector, InfecteeOnset: infectee})
	}
	if len(pairs) == 0 {
		return nil, utils.NewAppError(op, "dataset "+dataset+" returned no transmission pairs", utils.ErrNotFound)
	}
	return pairs, nil
}

func (c *SurveillanceClient) ready() error {
	if c == nil {
		return errors.New("surveillance client not initialised")
	}
	if c.baseURL == "" {
		return errors.New("surveillance base URL not configured")
	}
	return nil
}

// cachedPost serves out from the cache when possible and stores fresh
// responses. Cache failures only cost a round trip.
func (c *SurveillanceClient) cachedPost(ctx context.Context, key, endpoint string, payload, out any) error {
	if data, err := c.cache.Get(ctx, key); err == nil {
		if err := json.Unmarshal(data, out); err == nil {
			return nil
		}
		c.logger.Warn("discarding undecodable cache entry", slog.String("key", key))
	} else if !errors.Is(err, cache.ErrCacheMiss) {
		c.logger.Warn("surveillance cache read failed", slog.String("key", key), slog.Any("error", err))
	}

	raw, err := c.postJSON(ctx, endpoint, payload)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if err := c.cache.Set(ctx, key, raw, c.cacheTTL); err != nil {
		c.logger.Warn("surveillance cache write failed", slog.String("key", key), slog.Any("error", err))
	}
	return nil
}

func (c *SurveillanceClient) resolvePath(p string) string {
	if c.baseURL == "" {
		return ""
	}
	cleaned := "/" + strings.TrimLeft(p, "/")
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return c.baseURL + cleaned
	}
	u.Path = path.Join(u.Path, cleaned)
	return u.String()
}

// postJSON posts payload and returns the raw body of a 200 response. Transport
// errors and 5xx responses are retried with exponential backoff.
func (c *SurveillanceClient) postJSON(ctx context.Context, endpoint string, payload any) ([]byte, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("empty endpoint")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	var raw []byte
	attempt := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("%w: %v", utils.ErrUnavailable, err)
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusNotFound:
			return backoff.Permanent(fmt.Errorf("%w: surveillance API returned %s", utils.ErrNotFound, resp.Status))
		case resp.StatusCode >= 500:
			return fmt.Errorf("%w: surveillance API returned %s", utils.ErrUnavailable, resp.Status)
		case resp.StatusCode != http.StatusOK:
			return backoff.Permanent(fmt.Errorf("surveillance API returned %s", resp.Status))
		}
		var buf bytes.Buffer
		if _, err := buf.ReadFrom(resp.Body); err != nil {
			return fmt.Errorf("%w: read body: %v", utils.ErrUnavailable, err)
		}
		raw = buf.Bytes()
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 50 * time.Millisecond
	retries := uint64(0)
	if c.maxRetries > 0 {
		retries = uint64(c.maxRetries)
	}
	notify := func(err error, d time.Duration) {
		c.logger.Warn("retrying surveillance request", slog.String("endpoint", endpoint), slog.Duration("backoff", d), slog.Any("error", err))
	}
	if err := backoff.RetryNotify(attempt, backoff.WithContext(backoff.WithMaxRetries(policy, retries), ctx), notify); err != nil {
		return nil, err
	}
	return raw, nil
}
