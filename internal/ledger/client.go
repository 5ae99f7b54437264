// Package ledger reads recent transactions from the bank's transaction list API.
package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// ErrUnavailable wraps every transport, status and decoding failure.
var ErrUnavailable = errors.New("ledger unavailable")

const (
	DefaultLimit   = 50
	maxLimit       = 5000
	maxBodyBytes   = 4 << 20
	dateTimeLayout = "2006-01-02 15:04:05"
)

// Transaction is one entry of the ledger list, kept in the ledger's own representation.
type Transaction struct {
	ID              string `json:"id"`
	BankBrandName   string `json:"bank_brand_name"`
	AccountNumber   string `json:"account_number"`
	TransactionDate string `json:"transaction_date"`
	AmountIn        string `json:"amount_in"`
	AmountOut       string `json:"amount_out"`
	Content         string `json:"transaction_content"`
	ReferenceNumber string `json:"reference_number"`
}

// Date parses TransactionDate in the ledger's local-time layout.
func (t Transaction) Date(loc *time.Location) (time.Time, bool) {
	if loc == nil {
		loc = time.UTC
	}
	d, err := time.ParseInLocation(dateTimeLayout, strings.TrimSpace(t.TransactionDate), loc)
	if err != nil {
		return time.Time{}, false
	}
	return d, true
}

// UnmarshalJSON accepts ids and amounts as either JSON strings or numbers.
func (t *Transaction) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	fields := map[string]*string{
		"id":                  &t.ID,
		"bank_brand_name":     &t.BankBrandName,
		"account_number":      &t.AccountNumber,
		"transaction_date":    &t.TransactionDate,
		"amount_in":           &t.AmountIn,
		"amount_out":          &t.AmountOut,
		"transaction_content": &t.Content,
		"reference_number":    &t.ReferenceNumber,
	}
	for name, dst := range fields {
		v, ok := raw[name]
		if !ok {
			continue
		}
		s, err := scalarString(v)
		if err != nil {
			return fmt.Errorf("field %s: %w", name, err)
		}
		*dst = s
	}
	return nil
}

func scalarString(v json.RawMessage) (string, error) {
	v = bytes.TrimSpace(v)
	if len(v) == 0 || string(v) == "null" {
		return "", nil
	}
	if v[0] == '"' {
		var s string
		err := json.Unmarshal(v, &s)
		return s, err
	}
	var n json.Number
	if err := json.Unmarshal(v, &n); err != nil {
		return "", err
	}
	return n.String(), nil
}

type listResponse struct {
	Status       int           `json:"status"`
	Error        any           `json:"error"`
	Transactions []Transaction `json:"transactions"`
}

// Config for Client.
type Config struct {
	BaseURL string
	Token   string
	Timeout time.Duration
	// RPS throttles outbound calls. Zero disables throttling.
	RPS float64
}

// Client calls GET <base>/transactions/list with a bearer token.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	limiter    *rate.Limiter
}

func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	c := &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		token:      cfg.Token,
		httpClient: &http.Client{Timeout: timeout},
	}
	if cfg.RPS > 0 {
		burst := int(cfg.RPS)
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RPS), burst)
	}
	return c
}

// ListTransactions returns up to limit most recent transactions.
// accountNumber narrows the list when the ledger holds several accounts.
func (c *Client) ListTransactions(ctx context.Context, accountNumber string, limit int) ([]Transaction, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("%w: throttle: %v", ErrUnavailable, err)
		}
	}

	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	if accountNumber != "" {
		q.Set("account_number", accountNumber)
	}
	endpoint := c.baseURL + "/transactions/list?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", ErrUnavailable, err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, fmt.Errorf("%w: status %d: %s", ErrUnavailable, resp.StatusCode, truncate(string(body), 200))
	}

	var out listResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrUnavailable, err)
	}
	if out.Status >= http.StatusBadRequest {
		return nil, fmt.Errorf("%w: ledger status %d: %v", ErrUnavailable, out.Status, out.Error)
	}
	if len(out.Transactions) > limit {
		out.Transactions = out.Transactions[:limit]
	}
	return out.Transactions, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
