package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/go-querystring/query"

	"github.com/atana/registration-migrator/internal/apperrors"
	"github.com/atana/registration-migrator/internal/config"
	"github.com/atana/registration-migrator/internal/logger"
	"github.com/atana/registration-migrator/internal/models"
)

const registrationsPath = "/registrations"

// Filter constrains a registration listing. Zero-valued fields are omitted
// from the query string.
type Filter struct {
	More                             string `url:"more,omitempty"`
	CourseID                         string `url:"courseId,omitempty"`
	LearnerID                        string `url:"learnerId,omitempty"`
	Since                            string `url:"since,omitempty"`
	Until                            string `url:"until,omitempty"`
	DatetimeFilter                   string `url:"datetimeFilter,omitempty"`
	IncludeChildResults              bool   `url:"includeChildResults,omitempty"`
	IncludeRuntime                   bool   `url:"includeRuntime,omitempty"`
	IncludeInteractionsAndObjectives bool   `url:"includeInteractionsAndObjectives,omitempty"`
}

// Reader fetches one page of registrations at a time
type Reader interface {
	FetchPage(ctx context.Context, filter Filter) (*models.RegistrationPage, error)
}

var _ Reader = (*Client)(nil)

// RetryPolicy builds the backoff used for a single page fetch
type RetryPolicy func() backoff.BackOff

// ExponentialRetry retries up to maxRetries times with exponential backoff
func ExponentialRetry(maxRetries int) RetryPolicy {
	return func() backoff.BackOff {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = time.Second
		b.MaxElapsedTime = 0
		return backoff.WithMaxRetries(b, uint64(maxRetries))
	}
}

// NoRetry makes every failed fetch terminal
func NoRetry() backoff.BackOff {
	return &backoff.StopBackOff{}
}

// Client reads registrations from the SCORM Cloud REST API
type Client struct {
	baseURL    string
	appID      string
	appSecret  string
	httpClient *http.Client
	retry      RetryPolicy
}

// Option customises a Client
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithRetryPolicy replaces the default retry policy
func WithRetryPolicy(p RetryPolicy) Option {
	return func(c *Client) { c.retry = p }
}

// NewClient creates a new registration API client
func NewClient(cfg config.SourceConfig, opts ...Option) *Client {
	c := &Client{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		appID:     cfg.AppID,
		appSecret: cfg.AppSecret,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		retry: ExponentialRetry(cfg.RetryCount),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// FetchPage fetches one page of registrations, retrying transient failures
// according to the client's retry policy
func (c *Client) FetchPage(ctx context.Context, filter Filter) (*models.RegistrationPage, error) {
	var page *models.RegistrationPage
	attempt := 0

	operation := func() error {
		attempt++
		p, err := c.fetchPageOnce(ctx, filter)
		if err != nil {
			return err
		}
		page = p
		return nil
	}
	notify := func(err error, wait time.Duration) {
		logger.Warn().Err(err).
			Int("attempt", attempt).
			Dur("retry_in", wait).
			Str("more", filter.More).
			Msg("Registration fetch failed, retrying")
	}

	err := backoff.RetryNotify(operation, backoff.WithContext(c.retry(), ctx), notify)
	if err != nil {
		logger.Error().Err(err).
			Str("kind", apperrors.Kind(err)).
			Str("more", filter.More).
			Int("attempts", attempt).
			Msg("Registration fetch failed")
		return nil, err
	}
	return page, nil
}

// fetchPageOnce performs a single fetch attempt. Errors that must not be
// retried are wrapped with backoff.Permanent.
func (c *Client) fetchPageOnce(ctx context.Context, filter Filter) (*models.RegistrationPage, error) {
	params, err := query.Values(filter)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("failed to encode filter: %w", err))
	}

	url := c.baseURL + registrationsPath
	if encoded := params.Encode(); encoded != "" {
		url += "?" + encoded
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("failed to create request: %w", err))
	}
	req.SetBasicAuth(c.appID, c.appSecret)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		unavailable := apperrors.NewSourceUnavailableError("failed to make request: " + err.Error())
		if errors.Is(err, context.Canceled) {
			return nil, backoff.Permanent(unavailable)
		}
		return nil, unavailable
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperrors.NewSourceUnavailableError("failed to read response body: " + err.Error())
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		statusErr := apperrors.NewSourceUnavailableError(
			fmt.Sprintf("API returned status %d: %s", resp.StatusCode, snippet(body, 300)))
		if retryableStatus(resp.StatusCode) {
			return nil, statusErr
		}
		return nil, backoff.Permanent(statusErr)
	}

	var page models.RegistrationPage
	if err := json.Unmarshal(body, &page); err != nil {
		return nil, backoff.Permanent(fmt.Errorf("%w: failed to unmarshal response: %v", apperrors.ErrSourceDecode, err))
	}
	if page.Registrations == nil && !hasRegistrationsField(body) {
		return nil, backoff.Permanent(fmt.Errorf("%w: response has no registrations field", apperrors.ErrSourceDecode))
	}
	return &page, nil
}

func retryableStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests, http.StatusRequestTimeout:
		return true
	}
	return code >= 500
}

func hasRegistrationsField(body []byte) bool {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return false
	}
	_, ok := fields["registrations"]
	return ok
}

func snippet(b []byte, max int) string {
	s := strings.TrimSpace(string(b))
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
