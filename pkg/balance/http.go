package balance

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"transaction-service/pkg/models"

	"github.com/shopspring/decimal"
)

// HTTPClient calls the account service's REST API.
//
//	POST /accounts/{account}/debit    {"amount": "...", "reference": "..."}
//	POST /accounts/{account}/credit   {"amount": "...", "reference": "..."}
//	GET  /accounts/{account}/balance  {"balance": "..."}
//	GET  /accounts/{account}          {"account_number": "...", "customer_id": "..."}
type HTTPClient struct {
	baseURL string
	client  *http.Client
}

// NewHTTPClient creates a client for baseURL. Timeouts are applied per call
// by the resilience layer; timeout here only bounds a stuck connection.
func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

type movementRequest struct {
	Amount    decimal.Decimal `json:"amount"`
	Reference string          `json:"reference"`
}

type balanceResponse struct {
	Balance decimal.Decimal `json:"balance"`
}

type accountResponse struct {
	AccountNumber string `json:"account_number"`
	CustomerID    string `json:"customer_id"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (c *HTTPClient) Debit(ctx context.Context, account string, amount decimal.Decimal, reference string) (Movement, error) {
	var m Movement
	err := c.do(ctx, http.MethodPost, "/accounts/"+url.PathEscape(account)+"/debit",
		movementRequest{Amount: amount, Reference: reference}, &m)
	return m, err
}

func (c *HTTPClient) Credit(ctx context.Context, account string, amount decimal.Decimal, reference string) (Movement, error) {
	var m Movement
	err := c.do(ctx, http.MethodPost, "/accounts/"+url.PathEscape(account)+"/credit",
		movementRequest{Amount: amount, Reference: reference}, &m)
	return m, err
}

func (c *HTTPClient) GetBalance(ctx context.Context, account string) (decimal.Decimal, error) {
	var resp balanceResponse
	if err := c.do(ctx, http.MethodGet, "/accounts/"+url.PathEscape(account)+"/balance", nil, &resp); err != nil {
		return decimal.Zero, err
	}
	return resp.Balance, nil
}

func (c *HTTPClient) AccountExists(ctx context.Context, account string) (bool, error) {
	_, err := c.GetOwner(ctx, account)
	if errors.Is(err, models.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (c *HTTPClient) GetOwner(ctx context.Context, account string) (string, error) {
	var resp accountResponse
	if err := c.do(ctx, http.MethodGet, "/accounts/"+url.PathEscape(account), nil, &resp); err != nil {
		return "", err
	}
	return resp.CustomerID, nil
}

func (c *HTTPClient) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %v", models.ErrExternalUnavailable, method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("%w: decode %s response: %v", models.ErrExternalUnavailable, path, err)
		}
		return nil
	}

	return statusError(resp)
}

func statusError(resp *http.Response) error {
	var e errorResponse
	_ = json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&e)
	reason := e.Error
	if reason == "" {
		reason = resp.Status
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", models.ErrNotFound, reason)
	case resp.StatusCode == http.StatusConflict, resp.StatusCode == http.StatusUnprocessableEntity:
		return fmt.Errorf("%w: %s", models.ErrInsufficientBalance, reason)
	case resp.StatusCode == http.StatusBadRequest:
		return fmt.Errorf("%w: %s", models.ErrInvalidRequest, reason)
	default:
		return fmt.Errorf("%w: account service returned %s", models.ErrExternalUnavailable, reason)
	}
}
