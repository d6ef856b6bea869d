// Package dhis implements the client shared by the two DHIS2-style
// reporting systems (the national HIS and the PEPFAR system): Basic Auth
// over HTTP with bounded exponential retry, speaking the analytics,
// dataValueSets and flat metadata endpoints.
package dhis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/afyalabs/datapull/pkg/source"
)

const (
	defaultMaxAttempts      = 5
	defaultAnalyticsTimeout = 30 * time.Minute
	defaultDataSetsTimeout  = 60 * time.Minute
	defaultMetadataTimeout  = 10 * time.Minute
)

// Analytics queries routinely run for minutes on the upstream side, so
// the transport keeps connections alive well past ordinary defaults.
func newHTTPClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   30 * time.Second,
				KeepAlive: 180 * time.Second,
			}).DialContext,
			MaxIdleConnsPerHost: 8,
			IdleConnTimeout:     defaultAnalyticsTimeout,
			TLSHandshakeTimeout: 10 * time.Second,
			ForceAttemptHTTP2:   true,
		},
	}
}

type Config struct {
	Logger   *slog.Logger
	Source   string // short name used in errors and logs, e.g. "khis"
	BaseURL  string // API root including the /api prefix
	Username string
	Password string

	HTTPClient  *http.Client
	MaxAttempts int
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Source == "" {
		return errors.New("source name is required")
	}
	if cfg.BaseURL == "" {
		return errors.New("base URL is required")
	}
	if cfg.Username == "" || cfg.Password == "" {
		return errors.New("username and password are required")
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = newHTTPClient()
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

func New(cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Client{
		log:  cfg.Logger,
		cfg:  cfg,
		http: cfg.HTTPClient,
	}, nil
}

// AnalyticsRequest scopes one analytics call to a set of indicators and a
// single period.
type AnalyticsRequest struct {
	// OrgUnit is the ou dimension, e.g. "LEVEL-5" for facility level.
	OrgUnit string
	// Indicators are the dx UIDs, batched into one call.
	Indicators []string
	// Period is a YYYYMM month period.
	Period string
}

// AnalyticsResponse is the table-shaped analytics payload. Rows carry a
// stable column order; values are strings, empty meaning absent.
type AnalyticsResponse struct {
	Rows [][]string `json:"rows"`
}

// Analytics issues one analytics GET for the request's indicators and
// period, with hierarchy columns and table layout enabled.
func (c *Client) Analytics(ctx context.Context, req AnalyticsRequest) (*AnalyticsResponse, error) {
	ou := req.OrgUnit
	if ou == "" {
		ou = "LEVEL-5"
	}
	// The dimension filter syntax uses semicolons, which must survive
	// verbatim; the query string is assembled by hand.
	path := fmt.Sprintf(
		"/analytics?dimension=ou:%s;&dimension=dx:%s;&dimension=pe:%s;&displayProperty=NAME&showHierarchy=true&tableLayout=true&columns=dx;pe&rows=ou&hideEmptyRows=true&paging=false",
		ou, strings.Join(req.Indicators, ";"), req.Period)

	var out AnalyticsResponse
	if err := c.getJSON(ctx, path, defaultAnalyticsTimeout, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DataValueSetsRequest scopes one dataValueSets pull to a dataset, a date
// range and an org-unit subtree.
type DataValueSetsRequest struct {
	DataSet   string
	StartDate string // YYYY-MM-DD
	EndDate   string // YYYY-MM-DD
	OrgUnit   string
	Children  bool
}

// DataValue is one raw data value as the source reports it. Timestamps
// stay strings here; staging parses them.
type DataValue struct {
	AttributeOptionCombo string `json:"attributeOptionCombo"`
	CategoryOptionCombo  string `json:"categoryOptionCombo"`
	Comment              string `json:"comment"`
	Created              string `json:"created"`
	DataElement          string `json:"dataElement"`
	Followup             bool   `json:"followup"`
	LastUpdated          string `json:"lastUpdated"`
	OrgUnit              string `json:"orgUnit"`
	Period               string `json:"period"`
	StoredBy             string `json:"storedBy"`
	Value                string `json:"value"`
}

type DataValueSetsResponse struct {
	DataValues []DataValue `json:"dataValues"`
}

func (c *Client) DataValueSets(ctx context.Context, req DataValueSetsRequest) (*DataValueSetsResponse, error) {
	path := fmt.Sprintf("/dataValueSets?dataSet=%s&startDate=%s&endDate=%s&orgUnit=%s&children=%t",
		req.DataSet, req.StartDate, req.EndDate, req.OrgUnit, req.Children)

	var out DataValueSetsResponse
	if err := c.getJSON(ctx, path, defaultDataSetsTimeout, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// MetadataItem is one entry of a flat metadata listing.
type MetadataItem struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	ShortName string `json:"shortName"`
	Code      string `json:"code"`
}

// MetadataRequest names one metadata resource to list. When Root is set
// the listing is scoped to that org unit and its descendants.
type MetadataRequest struct {
	// Resource is the API collection name, e.g. "dataElements",
	// "categoryOptionCombos", "organisationUnits".
	Resource string
	Root     string
}

// Metadata fetches the full unpaginated id/name/shortName listing for one
// resource.
func (c *Client) Metadata(ctx context.Context, req MetadataRequest) ([]MetadataItem, error) {
	var path string
	if req.Root != "" {
		path = fmt.Sprintf("/%s/%s?fields=id,name,shortName,code&paging=false&includeDescendants=true",
			req.Resource, req.Root)
	} else {
		path = fmt.Sprintf("/%s?fields=id,name,shortName,code&paging=false", req.Resource)
	}

	out := make(map[string]json.RawMessage)
	if err := c.getJSON(ctx, path, defaultMetadataTimeout, &out); err != nil {
		return nil, err
	}
	raw, ok := out[req.Resource]
	if !ok {
		return nil, &source.ParseError{Source: c.cfg.Source, Detail: fmt.Sprintf("metadata response missing %q key", req.Resource)}
	}
	var items []MetadataItem
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, &source.ParseError{Source: c.cfg.Source, Detail: fmt.Sprintf("metadata %s: %v", req.Resource, err)}
	}
	return items, nil
}

var retryableStatus = map[int]bool{
	http.StatusTooManyRequests:     true,
	http.StatusInternalServerError: true,
	http.StatusBadGateway:          true,
	http.StatusServiceUnavailable:  true,
	http.StatusGatewayTimeout:      true,
}

// getJSON performs an authenticated GET with the client's retry policy
// and decodes the 2xx body into out.
func (c *Client) getJSON(ctx context.Context, path string, timeout time.Duration, out any) error {
	url := strings.TrimSuffix(c.cfg.BaseURL, "/") + path

	attempts := 0
	operation := func() error {
		attempts++

		reqCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("failed to build request: %w", err))
		}
		req.SetBasicAuth(c.cfg.Username, c.cfg.Password)
		req.Header.Set("Accept", "application/json")
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			return backoff.Permanent(&source.AuthError{Source: c.cfg.Source, Status: resp.StatusCode})
		case retryableStatus[resp.StatusCode]:
			c.log.Warn("retryable status from source", "source", c.cfg.Source, "status", resp.StatusCode, "attempt", attempts)
			return fmt.Errorf("retryable status %d", resp.StatusCode)
		case resp.StatusCode < 200 || resp.StatusCode > 299:
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return backoff.Permanent(&source.StatusError{Source: c.cfg.Source, Status: resp.StatusCode, Body: string(body)})
		}

		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return backoff.Permanent(&source.ParseError{Source: c.cfg.Source, Detail: fmt.Sprintf("decode body: %v", err)})
		}
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(c.cfg.MaxAttempts-1)),
		ctx)

	err := backoff.Retry(operation, policy)
	if err == nil {
		return nil
	}
	var (
		ae *source.AuthError
		se *source.StatusError
		pe *source.ParseError
	)
	if errors.As(err, &ae) || errors.As(err, &se) || errors.As(err, &pe) {
		return err
	}
	return &source.TransportError{Source: c.cfg.Source, Attempts: attempts, Err: err}
}
