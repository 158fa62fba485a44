package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/outbreakstack/seirisk/internal/cache"
	"github.com/outbreakstack/seirisk/internal/engine"
	"github.com/outbreakstack/seirisk/internal/utils"
)

// DataFormatError reports a case payload the service cannot interpret. It
// unwraps to utils.ErrDataFormat.
type DataFormatError struct {
	Region string
	Row    int // -1 when the problem is not tied to a row
	Reason string
}

func (e *DataFormatError) Error() string {
	if e.Row >= 0 {
		return fmt.Sprintf("case data for %q: row %d: %s", e.Region, e.Row, e.Reason)
	}
	return fmt.Sprintf("case data for %q: %s", e.Region, e.Reason)
}

func (e *DataFormatError) Unwrap() error { return utils.ErrDataFormat }

// RegionCases is the series published for one region.
type RegionCases struct {
	Region     string
	Population float64
	Series     engine.CaseSeries
}

type casesPayload struct {
	Region     string      `json:"region"`
	Population float64     `json:"population"`
	Rows       [][]float64 `json:"rows"`
}

// CaseSeriesClient fetches cumulative case and recovery counts from an HTTP
// case-data service. Responses are cached verbatim.
type CaseSeriesClient struct {
	baseURL    string
	seriesPath string
	httpClient *http.Client
	cache      cache.Provider
	ttl        time.Duration
	logger     *slog.Logger
}

// NewCaseSeriesClient constructs a client; a nil cache disables caching.
func NewCaseSeriesClient(baseURL, seriesPath string, timeout time.Duration, cacheProvider cache.Provider, ttl time.Duration, logger *slog.Logger) *CaseSeriesClient {
	if cacheProvider == nil {
		cacheProvider = cache.NoopProvider{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CaseSeriesClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		seriesPath: seriesPath,
		httpClient: &http.Client{Timeout: timeout},
		cache:      cacheProvider,
		ttl:        ttl,
		logger:     logger,
	}
}

// FetchRegion returns the case series for region, consulting the cache first.
func (c *CaseSeriesClient) FetchRegion(ctx context.Context, region string) (RegionCases, error) {
	if c == nil {
		return RegionCases{}, fmt.Errorf("case series client not initialised")
	}
	if c.baseURL == "" {
		return RegionCases{}, fmt.Errorf("case series base URL not configured")
	}
	region = strings.ToLower(strings.TrimSpace(region))
	if region == "" {
		return RegionCases{}, utils.InvalidParameter("region is required")
	}

	cacheKey := "seirisk:cases:" + region
	if data, err := c.cache.Get(ctx, cacheKey); err == nil {
		out, decodeErr := decodeCases(region, data)
		if decodeErr == nil {
			return out, nil
		}
		c.logger.Warn("discarding undecodable cached case series", slog.String("region", region), slog.Any("error", decodeErr))
		_ = c.cache.Del(ctx, cacheKey)
	} else if !errors.Is(err, cache.ErrCacheMiss) {
		c.logger.Warn("case series cache read failed", slog.String("region", region), slog.Any("error", err))
	}

	data, err := c.get(ctx, c.regionURL(region))
	if err != nil {
		return RegionCases{}, fmt.Errorf("case series request failed: %w", err)
	}
	out, err := decodeCases(region, data)
	if err != nil {
		return RegionCases{}, err
	}
	if err := c.cache.Set(ctx, cacheKey, data, c.ttl); err != nil {
		c.logger.Warn("case series cache write failed", slog.String("region", region), slog.Any("error", err))
	}
	return out, nil
}

func decodeCases(region string, data []byte) (RegionCases, error) {
	var payload casesPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return RegionCases{}, &DataFormatError{Region: region, Row: -1, Reason: err.Error()}
	}
	if len(payload.Rows) == 0 {
		return RegionCases{}, &DataFormatError{Region: region, Row: -1, Reason: "no rows"}
	}
	series := engine.CaseSeries{
		Times:     make([]float64, len(payload.Rows)),
		Cases:     make([]float64, len(payload.Rows)),
		Recovered: make([]float64, len(payload.Rows)),
	}
	for i, row := range payload.Rows {
		if len(row) != 3 {
			return RegionCases{}, &DataFormatError{Region: region, Row: i, Reason: fmt.Sprintf("expected [t, cases, recovered], got %d columns", len(row))}
		}
		for _, v := range row {
			if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
				return RegionCases{}, &DataFormatError{Region: region, Row: i, Reason: fmt.Sprintf("value %v is not a non-negative count", v)}
			}
		}
		if i > 0 && row[0] <= series.Times[i-1] {
			return RegionCases{}, &DataFormatError{Region: region, Row: i, Reason: "times must be strictly increasing"}
		}
		series.Times[i], series.Cases[i], series.Recovered[i] = row[0], row[1], row[2]
	}
	name := payload.Region
	if name == "" {
		name = region
	}
	return RegionCases{Region: name, Population: payload.Population, Series: series}, nil
}

func (c *CaseSeriesClient) regionURL(region string) string {
	cleaned := "/" + strings.TrimLeft(c.seriesPath, "/")
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return c.baseURL + path.Join(cleaned, url.PathEscape(region))
	}
	u.Path = path.Join(u.Path, cleaned, region)
	return u.String()
}

func (c *CaseSeriesClient) get(ctx context.Context, endpoint string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("case service returned %s", resp.Status)
	}
	return io.ReadAll(resp.Body)
}
