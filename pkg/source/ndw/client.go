// Package ndw implements the national data warehouse client. The
// warehouse authenticates with OAuth2 client credentials and serves one
// dataset extract per (indicator, month) query.
package ndw

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/afyalabs/datapull/pkg/source"
)

const (
	sourceName = "ndw"

	defaultMaxAttempts = 5
	defaultTimeout     = 30 * time.Minute
)

// DefaultIndicators are the warehouse indicator names pulled when no
// explicit list is given.
func DefaultIndicators() []string {
	return []string{"HTSTSTPOS", "PrEPNEW", "TXCURR", "HTSTST", "TXNEW"}
}

type Config struct {
	Logger       *slog.Logger
	AuthURL      string
	ClientID     string
	ClientSecret string
	Scope        string
	BaseURL      string

	MaxAttempts int
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.AuthURL == "" {
		return errors.New("auth URL is required")
	}
	if cfg.ClientID == "" || cfg.ClientSecret == "" {
		return errors.New("client ID and secret are required")
	}
	if cfg.BaseURL == "" {
		return errors.New("base URL is required")
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	return nil
}

type Client struct {
	log  *slog.Logger
	cfg  Config
	http *http.Client
}

// New builds a Client whose transport injects bearer tokens minted from
// the client-credentials grant, refreshing them as they expire.
func New(ctx context.Context, cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cc := &clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     cfg.AuthURL,
		Scopes:       []string{cfg.Scope},
		AuthStyle:    oauth2.AuthStyleInHeader,
	}
	httpClient := cc.Client(ctx)
	httpClient.Timeout = defaultTimeout
	return &Client{
		log:  cfg.Logger,
		cfg:  cfg,
		http: httpClient,
	}, nil
}

// ExtractRow is one row of a dataset extract. The warehouse pads fields
// with whitespace, so the accessors trim.
type ExtractRow struct {
	FacilityCode   string `json:"FacilityCode"`
	FacilityName   string `json:"FacilityName"`
	County         string `json:"County"`
	Period         string `json:"period"`
	IndicatorValue *int64 `json:"indicator_value"`
}

func (r ExtractRow) SiteCode() string { return strings.TrimSpace(r.FacilityCode) }
func (r ExtractRow) Facility() string { return strings.TrimSpace(r.FacilityName) }
func (r ExtractRow) CountyName() string {
	return strings.TrimSpace(r.County)
}

// Month returns the MM part of the row's YYYYMM period, empty when the
// period is malformed.
func (r ExtractRow) Month() string {
	if len(r.Period) < 6 {
		return ""
	}
	return r.Period[4:6]
}

// Year returns the YYYY part of the row's YYYYMM period.
func (r ExtractRow) Year() string {
	if len(r.Period) < 4 {
		return ""
	}
	return r.Period[0:4]
}

type extractResponse struct {
	Extract []ExtractRow `json:"extract"`
}

// Dataset fetches the extract for one indicator name and one YYYYMM
// period. A missing or empty extract yields an empty slice.
func (c *Client) Dataset(ctx context.Context, indicator, period string) ([]ExtractRow, error) {
	url := fmt.Sprintf("%s/api/Dataset/v2?pageNumber=1&pageSize=5000&code=DEA&name=DataExchange&indicatorName=%s&period=%s",
		strings.TrimSuffix(c.cfg.BaseURL, "/"), indicator, period)

	attempts := 0
	var out extractResponse
	operation := func() error {
		attempts++

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("failed to build request: %w", err))
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			// A failed token grant surfaces as an oauth2 retrieve
			// error and will not heal on retry.
			var rerr *oauth2.RetrieveError
			if errors.As(err, &rerr) {
				return backoff.Permanent(&source.AuthError{Source: sourceName, Status: rerr.Response.StatusCode})
			}
			return fmt.Errorf("request failed: %w", err)
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			return backoff.Permanent(&source.AuthError{Source: sourceName, Status: resp.StatusCode})
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			c.log.Warn("retryable status from source", "source", sourceName, "status", resp.StatusCode, "attempt", attempts)
			return fmt.Errorf("retryable status %d", resp.StatusCode)
		case resp.StatusCode < 200 || resp.StatusCode > 299:
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return backoff.Permanent(&source.StatusError{Source: sourceName, Status: resp.StatusCode, Body: string(body)})
		}

		out = extractResponse{}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return backoff.Permanent(&source.ParseError{Source: sourceName, Detail: fmt.Sprintf("decode body: %v", err)})
		}
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(c.cfg.MaxAttempts-1)),
		ctx)

	if err := backoff.Retry(operation, policy); err != nil {
		var (
			ae *source.AuthError
			se *source.StatusError
			pe *source.ParseError
		)
		if errors.As(err, &ae) || errors.As(err, &se) || errors.As(err, &pe) {
			return nil, err
		}
		return nil, &source.TransportError{Source: sourceName, Attempts: attempts, Err: err}
	}
	return out.Extract, nil
}
