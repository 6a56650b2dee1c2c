package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"flashpool/core/types"
)

// TokenSource returns the bearer token attached to manifest submissions.
type TokenSource func() (string, error)

// APIError is a non-2xx response from flashloand.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("flashloand: %d %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("flashloand: %d: %s", e.Status, e.Message)
}

// HasCode reports whether err is an APIError carrying code.
func HasCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

// Pool mirrors the /v1/pool response.
type Pool struct {
	Asset            string `json:"asset"`
	VaultBalance     string `json:"vaultBalance"`
	TotalClaims      string `json:"totalClaims"`
	PendingRewards   string `json:"pendingRewards"`
	OwnerSpread      string `json:"ownerSpread"`
	BorrowerFeePct   string `json:"borrowerFeePct"`
	LenderRewardPct  string `json:"lenderRewardPct"`
	NextPositionID   uint64 `json:"nextPositionId"`
	NextObligationID uint64 `json:"nextObligationId"`
}

// Client talks to the flashloand HTTP API.
type Client struct {
	baseURL string
	http    *http.Client
	tokens  TokenSource
}

func New(baseURL string, tokens TokenSource) *Client {
	return &Client{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		http:    &http.Client{Timeout: 15 * time.Second},
		tokens:  tokens,
	}
}

// SetHTTPClient replaces the transport, mainly for tests.
func (c *Client) SetHTTPClient(hc *http.Client) {
	if hc != nil {
		c.http = hc
	}
}

// Pool fetches the committed pool aggregates.
func (c *Client) Pool(ctx context.Context) (*Pool, error) {
	var pool Pool
	if err := c.do(ctx, http.MethodGet, "/v1/pool", nil, "", false, &pool); err != nil {
		return nil, err
	}
	return &pool, nil
}

// Submit posts manifest. A non-empty idempotencyKey makes retries safe.
func (c *Client) Submit(ctx context.Context, manifest types.Manifest, idempotencyKey string) (*types.Receipt, error) {
	body, err := json.Marshal(manifest)
	if err != nil {
		return nil, err
	}
	var receipt types.Receipt
	if err := c.do(ctx, http.MethodPost, "/v1/manifests", body, idempotencyKey, true, &receipt); err != nil {
		return nil, err
	}
	return &receipt, nil
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, idempotencyKey string, authenticated bool, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}
	if authenticated {
		if c.tokens == nil {
			return errors.New("flashloand: no token source configured")
		}
		token, err := c.tokens()
		if err != nil {
			return fmt.Errorf("flashloand: mint token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode}
		var decoded struct {
			Error string `json:"error"`
			Code  string `json:"code"`
		}
		if json.Unmarshal(payload, &decoded) == nil && decoded.Error != "" {
			apiErr.Code = decoded.Code
			apiErr.Message = decoded.Error
		} else {
			apiErr.Message = strings.TrimSpace(string(payload))
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(payload, out)
}
