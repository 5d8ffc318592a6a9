package credential

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"time"

	"github.com/hanati/nextfeed/internal/config"
)

// Issuer calls one provider's issuance endpoint for one credential kind.
type Issuer interface {
	Key() Key
	Issue(ctx context.Context) (Credential, error)
}

// issueError is an HTTP-level failure from an issuance endpoint.
type issueError struct {
	StatusCode int
	Body       []byte
}

func (e *issueError) Error() string {
	return fmt.Sprintf("issuance endpoint returned %d: %s", e.StatusCode, http.StatusText(e.StatusCode))
}

// retryable reports whether the status warrants another attempt.
func (e *issueError) retryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// issueClient performs JSON POSTs with bounded retries on transient errors.
type issueClient struct {
	httpClient   *http.Client
	maxRetries   int
	retryBackoff time.Duration
	logger       *slog.Logger
}

func newIssueClient(timeout time.Duration, logger *slog.Logger) *issueClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &issueClient{
		httpClient:   &http.Client{Timeout: timeout},
		maxRetries:   2,
		retryBackoff: 500 * time.Millisecond,
		logger:       logger,
	}
}

// postJSON sends the request body and decodes the response into result.
func (c *issueClient) postJSON(ctx context.Context, url string, reqBody, result any) error {
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	var lastErr error
	backoff := c.retryBackoff

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			// Add jitter: backoff * (0.5 to 1.5)
			jitter := backoff/2 + time.Duration(rand.Int64N(int64(backoff)))
			c.logger.Debug("retrying issuance request",
				"attempt", attempt,
				"backoff", jitter,
				"url", url,
			)

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(jitter):
			}

			backoff *= 2
		}

		err := c.doPost(ctx, url, payload, result)
		if err == nil {
			return nil
		}

		lastErr = err

		httpErr, ok := err.(*issueError)
		if !ok || !httpErr.retryable() {
			return err
		}
	}

	return fmt.Errorf("max retries exceeded: %w", lastErr)
}

func (c *issueClient) doPost(ctx context.Context, url string, payload []byte, result any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return &issueError{StatusCode: resp.StatusCode, Body: body}
	}

	if err := json.Unmarshal(body, result); err != nil {
		return fmt.Errorf("unmarshal response: %w", err)
	}

	return nil
}

// -----------------------------------------------------------------------------
// KIS REST access token
// -----------------------------------------------------------------------------

// kisTokenResponse is the issuance response. The expiry timestamp is local
// to the provider's zone.
type kisTokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	TokenExpired string `json:"access_token_token_expired"` // "2006-01-02 15:04:05"
}

type kisTokenIssuer struct {
	cfg    config.ProviderConfig
	loc    *time.Location
	client *issueClient
	now    func() time.Time
}

// NewKISTokenIssuer issues REST access tokens from the KIS token endpoint.
func NewKISTokenIssuer(cfg config.ProviderConfig, loc *time.Location, logger *slog.Logger) Issuer {
	return &kisTokenIssuer{
		cfg:    cfg,
		loc:    loc,
		client: newIssueClient(cfg.Timeout, logger),
		now:    time.Now,
	}
}

func (i *kisTokenIssuer) Key() Key {
	return Key{Provider: ProviderKIS, Kind: KindRestAccess}
}

func (i *kisTokenIssuer) Issue(ctx context.Context) (Credential, error) {
	req := map[string]string{
		"grant_type": "client_credentials",
		"appkey":     i.cfg.AppKey,
		"appsecret":  i.cfg.AppSecret,
	}

	var resp kisTokenResponse
	if err := i.client.postJSON(ctx, i.cfg.TokenURL, req, &resp); err != nil {
		return Credential{}, &IssuanceError{Provider: ProviderKIS, Kind: KindRestAccess, Err: err}
	}
	if resp.AccessToken == "" {
		return Credential{}, &IssuanceError{Provider: ProviderKIS, Kind: KindRestAccess, Err: fmt.Errorf("empty access_token in response")}
	}

	issued := i.now()
	return Credential{
		Provider:  ProviderKIS,
		Kind:      KindRestAccess,
		Token:     resp.AccessToken,
		IssuedAt:  issued,
		ExpiresAt: i.expiry(issued, resp),
	}, nil
}

// expiry prefers the explicit timestamp, falls back to expires_in, then to
// the configured assumed lifetime.
func (i *kisTokenIssuer) expiry(issued time.Time, resp kisTokenResponse) time.Time {
	if resp.TokenExpired != "" {
		if t, err := time.ParseInLocation("2006-01-02 15:04:05", resp.TokenExpired, i.loc); err == nil {
			return t
		}
	}
	if resp.ExpiresIn > 0 {
		return issued.Add(time.Duration(resp.ExpiresIn) * time.Second)
	}
	return issued.Add(i.cfg.AssumedTTL)
}

// -----------------------------------------------------------------------------
// KIS websocket approval key
// -----------------------------------------------------------------------------

type kisApprovalResponse struct {
	ApprovalKey string `json:"approval_key"`
}

type kisApprovalIssuer struct {
	cfg    config.ProviderConfig
	client *issueClient
	now    func() time.Time
}

// NewKISApprovalIssuer issues websocket approval keys. The response carries
// no expiry; the configured assumed lifetime bounds it instead.
func NewKISApprovalIssuer(cfg config.ProviderConfig, logger *slog.Logger) Issuer {
	return &kisApprovalIssuer{
		cfg:    cfg,
		client: newIssueClient(cfg.Timeout, logger),
		now:    time.Now,
	}
}

func (i *kisApprovalIssuer) Key() Key {
	return Key{Provider: ProviderKIS, Kind: KindWSApproval}
}

func (i *kisApprovalIssuer) Issue(ctx context.Context) (Credential, error) {
	// The approval endpoint wants "secretkey", not "appsecret".
	req := map[string]string{
		"grant_type": "client_credentials",
		"appkey":     i.cfg.AppKey,
		"secretkey":  i.cfg.AppSecret,
	}

	var resp kisApprovalResponse
	if err := i.client.postJSON(ctx, i.cfg.ApprovalURL, req, &resp); err != nil {
		return Credential{}, &IssuanceError{Provider: ProviderKIS, Kind: KindWSApproval, Err: err}
	}
	if resp.ApprovalKey == "" {
		return Credential{}, &IssuanceError{Provider: ProviderKIS, Kind: KindWSApproval, Err: fmt.Errorf("empty approval_key in response")}
	}

	issued := i.now()
	return Credential{
		Provider:  ProviderKIS,
		Kind:      KindWSApproval,
		Token:     resp.ApprovalKey,
		IssuedAt:  issued,
		ExpiresAt: issued.Add(i.cfg.AssumedTTL),
	}, nil
}

// -----------------------------------------------------------------------------
// Kiwoom REST access token
// -----------------------------------------------------------------------------

type kiwoomTokenResponse struct {
	Token     string `json:"token"`
	TokenType string `json:"token_type"`
	ExpiresDt string `json:"expires_dt"` // "20060102150405"
}

type kiwoomTokenIssuer struct {
	cfg    config.ProviderConfig
	loc    *time.Location
	client *issueClient
	now    func() time.Time
}

// NewKiwoomTokenIssuer issues REST access tokens from the Kiwoom token endpoint.
func NewKiwoomTokenIssuer(cfg config.ProviderConfig, loc *time.Location, logger *slog.Logger) Issuer {
	return &kiwoomTokenIssuer{
		cfg:    cfg,
		loc:    loc,
		client: newIssueClient(cfg.Timeout, logger),
		now:    time.Now,
	}
}

func (i *kiwoomTokenIssuer) Key() Key {
	return Key{Provider: ProviderKiwoom, Kind: KindRestAccess}
}

func (i *kiwoomTokenIssuer) Issue(ctx context.Context) (Credential, error) {
	req := map[string]string{
		"grant_type": "client_credentials",
		"appkey":     i.cfg.AppKey,
		"secretkey":  i.cfg.AppSecret,
	}

	var resp kiwoomTokenResponse
	if err := i.client.postJSON(ctx, i.cfg.TokenURL, req, &resp); err != nil {
		return Credential{}, &IssuanceError{Provider: ProviderKiwoom, Kind: KindRestAccess, Err: err}
	}
	if resp.Token == "" {
		return Credential{}, &IssuanceError{Provider: ProviderKiwoom, Kind: KindRestAccess, Err: fmt.Errorf("empty token in response")}
	}

	issued := i.now()
	expiry := issued.Add(i.cfg.AssumedTTL)
	if resp.ExpiresDt != "" {
		if t, err := time.ParseInLocation("20060102150405", resp.ExpiresDt, i.loc); err == nil {
			expiry = t
		}
	}

	return Credential{
		Provider:  ProviderKiwoom,
		Kind:      KindRestAccess,
		Token:     resp.Token,
		IssuedAt:  issued,
		ExpiresAt: expiry,
	}, nil
}
