package collector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/dewei/PriceRadar/pkg/logger"
	"github.com/dewei/PriceRadar/pkg/model"
)

const maxBodyBytes = 1 << 20

// PriceAPIClient client for the external quote API
type PriceAPIClient struct {
	BaseURL string
	Client  *http.Client
	Timeout time.Duration
	limiter *rate.Limiter
	log     *logrus.Entry
}

// latestResponse body of GET /api/latest; error is set instead of price on failure
type latestResponse struct {
	Ticker    string   `json:"ticker"`
	AssetType string   `json:"asset_type"`
	Price     *float64 `json:"price"`
	Timestamp string   `json:"timestamp"`
	Formula   string   `json:"formula"`
	Error     string   `json:"error"`
}

// NewPriceAPIClient creates the client; rps and burst bound the outbound request rate
func NewPriceAPIClient(baseURL string, timeout time.Duration, rps float64, burst int) *PriceAPIClient {
	return &PriceAPIClient{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Client:  &http.Client{},
		Timeout: timeout,
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		log:     logger.WithComponent("price_api"),
	}
}

// Configured reports whether a base URL is set
func (c *PriceAPIClient) Configured() bool {
	return c.BaseURL != ""
}

// GetLatest fetches one quote. Every failure comes back as *model.FetchError, or
// *model.ConfigurationError when no base URL is configured.
func (c *PriceAPIClient) GetLatest(ctx context.Context, ticker string, assetType model.AssetType) (*model.Quote, error) {
	pair := model.Pair{Ticker: ticker, AssetType: assetType}
	if !c.Configured() {
		return nil, &model.ConfigurationError{Component: "price_api", Reason: "EXTERNAL_API_BASE_URL is not set"}
	}

	params := url.Values{}
	params.Set("ticker", ticker)
	params.Set("asset_type", string(assetType))

	status, body, err := c.get(ctx, "/api/latest", params)
	if err != nil {
		return nil, &model.FetchError{Pair: pair, Reason: "network error or API unavailable", Err: err}
	}

	var resp latestResponse
	decodeErr := json.Unmarshal(body, &resp)

	if status < 200 || status > 299 {
		reason := "API error"
		if decodeErr == nil && resp.Error != "" {
			reason = resp.Error
		}
		return nil, &model.FetchError{Pair: pair, Status: status, Reason: reason}
	}
	if decodeErr != nil {
		return nil, &model.FetchError{Pair: pair, Status: status, Reason: "malformed response", Err: decodeErr}
	}
	if resp.Error != "" {
		return nil, &model.FetchError{Pair: pair, Status: status, Reason: resp.Error}
	}
	if resp.Price == nil {
		return nil, &model.FetchError{Pair: pair, Status: status, Reason: "response has no price"}
	}

	return &model.Quote{
		Ticker:    ticker,
		AssetType: assetType,
		Price:     *resp.Price,
		Timestamp: resp.Timestamp,
		Formula:   resp.Formula,
		FetchedAt: time.Now(),
	}, nil
}

// Forward relays a GET to the upstream API and hands back its status and raw body
func (c *PriceAPIClient) Forward(ctx context.Context, path string, params url.Values) (int, []byte, error) {
	if !c.Configured() {
		return 0, nil, &model.ConfigurationError{Component: "price_api", Reason: "EXTERNAL_API_BASE_URL is not set"}
	}
	return c.get(ctx, path, params)
}

func (c *PriceAPIClient) get(ctx context.Context, path string, params url.Values) (int, []byte, error) {
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return 0, nil, fmt.Errorf("rate limiter: %w", err)
		}
	}

	endpoint := c.BaseURL + path
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return 0, nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.Client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			c.log.WithField("path", path).Warn("price API request timed out")
		}
		return 0, nil, fmt.Errorf("request %s: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read response body: %w", err)
	}
	return resp.StatusCode, body, nil
}
