/*
Package paystack implements the TransferProvider interface against the
Paystack REST API.

PURPOSE:
  The engine needs exactly four provider operations: balance query,
  recipient registration, transfer initiation, and transfer status
  lookup. This client implements them over HTTPS with Bearer auth and
  bounded timeouts.

TIMEOUTS:
  Balance, recipient, and status calls: 10s.
  Transfer initiation: 30s (the provider is slower to confirm).
  A hung call never blocks the caller past its deadline.

ERROR CLASSIFICATION:
  Every failure is a *payroll.ProviderError:
  - Unreachable: the request never produced an HTTP response
    (network error, timeout). errors.Is ErrProviderUnreachable.
  - Rejected: the provider answered with a non-2xx status or a
    status:false envelope. errors.Is ErrProviderRejected.
  Callers depend on this distinction; never collapse the two.

SEE ALSO:
  - payroll/orchestrator.go: The only production caller
  - fees.go: Tiered transfer fee schedule
*/
package paystack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/warp/payroll-engine/payroll"
)

const (
	DefaultBaseURL = "https://api.paystack.co"

	shortTimeout    = 10 * time.Second
	transferTimeout = 30 * time.Second
)

// Client talks to the Paystack API. Safe for concurrent use.
type Client struct {
	baseURL   string
	secretKey string
	http      *http.Client
}

// New creates a client. baseURL empty defaults to the live API.
func New(baseURL, secretKey string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		baseURL:   baseURL,
		secretKey: secretKey,
		http:      &http.Client{Timeout: transferTimeout},
	}
}

// envelope is Paystack's standard response wrapper.
type envelope struct {
	Status  bool            `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// =============================================================================
// PROVIDER OPERATIONS
// =============================================================================

// GetBalance queries the available balance. Paystack reports one entry
// per currency; the first entry is the settlement balance.
func (c *Client) GetBalance(ctx context.Context) (payroll.ProviderBalance, error) {
	var data []struct {
		Currency string `json:"currency"`
		Balance  int64  `json:"balance"` // minor units
	}
	if err := c.call(ctx, http.MethodGet, "/balance", nil, shortTimeout, "balance", &data); err != nil {
		return payroll.ProviderBalance{}, err
	}
	if len(data) == 0 {
		return payroll.ProviderBalance{}, &payroll.ProviderError{Op: "balance", Message: "empty balance response"}
	}
	return payroll.ProviderBalance{AmountMinor: data[0].Balance, Currency: data[0].Currency}, nil
}

// CreateRecipient registers a transfer recipient. Paystack deduplicates
// on account details, so re-registering an existing recipient returns
// the same code.
func (c *Client) CreateRecipient(ctx context.Context, name, accountNumber, bankCode string) (string, error) {
	body := map[string]string{
		"type":           "nuban",
		"name":           name,
		"account_number": accountNumber,
		"bank_code":      bankCode,
	}
	var data struct {
		RecipientCode string `json:"recipient_code"`
	}
	if err := c.call(ctx, http.MethodPost, "/transferrecipient", body, shortTimeout, "recipient", &data); err != nil {
		return "", err
	}
	if data.RecipientCode == "" {
		return "", &payroll.ProviderError{Op: "recipient", Message: "missing recipient_code in response"}
	}
	return data.RecipientCode, nil
}

// InitiateTransfer submits a transfer from the account balance.
func (c *Client) InitiateTransfer(ctx context.Context, recipientID string, amountMinor int64, reason string) (payroll.TransferReceipt, error) {
	body := map[string]any{
		"source":    "balance",
		"amount":    amountMinor,
		"recipient": recipientID,
		"reason":    reason,
	}
	var data struct {
		Reference string `json:"reference"`
		Status    string `json:"status"`
	}
	if err := c.call(ctx, http.MethodPost, "/transfer", body, transferTimeout, "transfer", &data); err != nil {
		return payroll.TransferReceipt{}, err
	}
	if data.Reference == "" {
		return payroll.TransferReceipt{}, &payroll.ProviderError{Op: "transfer", Message: "missing reference in response"}
	}
	return payroll.TransferReceipt{Reference: data.Reference, Status: data.Status}, nil
}

// GetTransferStatus looks up a transfer by its reference.
func (c *Client) GetTransferStatus(ctx context.Context, reference string) (string, error) {
	var data struct {
		Status string `json:"status"`
	}
	path := "/transfer/" + url.PathEscape(reference)
	if err := c.call(ctx, http.MethodGet, path, nil, shortTimeout, "status", &data); err != nil {
		return "", err
	}
	return data.Status, nil
}

// =============================================================================
// TRANSPORT
// =============================================================================

// call performs one API round-trip and decodes the data payload into out.
func (c *Client) call(ctx context.Context, method, path string, body any, timeout time.Duration, op string, out any) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return &payroll.ProviderError{Op: op, Message: fmt.Sprintf("encode request: %v", err)}
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return &payroll.ProviderError{Op: op, Message: fmt.Sprintf("build request: %v", err)}
	}
	req.Header.Set("Authorization", "Bearer "+c.secretKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		// Never reached the provider: network error or timeout.
		return &payroll.ProviderError{Op: op, Unreachable: true, Message: err.Error()}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return &payroll.ProviderError{Op: op, Unreachable: true, Message: fmt.Sprintf("read response: %v", err)}
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return &payroll.ProviderError{Op: op, Message: fmt.Sprintf("malformed response (HTTP %d)", resp.StatusCode)}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 || !env.Status {
		msg := env.Message
		if msg == "" {
			msg = fmt.Sprintf("HTTP %d", resp.StatusCode)
		}
		return &payroll.ProviderError{Op: op, Message: msg}
	}

	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return &payroll.ProviderError{Op: op, Message: fmt.Sprintf("decode data: %v", err)}
		}
	}
	return nil
}

var _ payroll.TransferProvider = (*Client)(nil)
