package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/warp/wallet-engine/ledger"
)

// Client is the HTTP provider client.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
	log        logrus.FieldLogger
}

// NewClient creates a client whose requests give up after timeout.
func NewClient(baseURL, apiKey string, timeout time.Duration, log logrus.FieldLogger) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		APIKey:  apiKey,
		HTTPClient: &http.Client{
			Timeout: timeout,
		},
		log: log.WithField("component", "provider_client"),
	}
}

type submitPayload struct {
	RequestID string          `json:"request_id"`
	UserID    string          `json:"user_id"`
	Service   string          `json:"service"`
	Category  string          `json:"category"`
	Amount    int64           `json:"amount"`
	Details   json.RawMessage `json:"details"`
}

type submitResponse struct {
	Status    string `json:"status"` // success | pending | failed
	Reference string `json:"reference"`
	Message   string `json:"message"`
}

// Submit posts the purchase to {BaseURL}/purchases.
func (c *Client) Submit(ctx context.Context, requestID ledger.TransactionID, req SubmitRequest) (Outcome, error) {
	details, err := ledger.EncodeDetails(req.Details)
	if err != nil {
		return Outcome{}, fmt.Errorf("failed to encode details: %w", err)
	}
	body, err := json.Marshal(submitPayload{
		RequestID: string(requestID),
		UserID:    string(req.UserID),
		Service:   req.ServiceSlug,
		Category:  string(req.Category),
		Amount:    int64(req.Amount),
		Details:   details,
	})
	if err != nil {
		return Outcome{}, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/purchases", bytes.NewReader(body))
	if err != nil {
		return Outcome{}, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("x-api-key", c.APIKey)

	resp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		if isTimeout(err) {
			return Outcome{}, fmt.Errorf("%w: %v", ledger.ErrProviderTimeout, err)
		}
		return Outcome{}, fmt.Errorf("%w: %v", ledger.ErrProviderRejected, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		if isTimeout(err) {
			return Outcome{}, fmt.Errorf("%w: %v", ledger.ErrProviderTimeout, err)
		}
		return Outcome{}, fmt.Errorf("failed to read response body: %w", err)
	}

	var out submitResponse
	decodeErr := json.Unmarshal(raw, &out)

	log := c.log.WithFields(logrus.Fields{"tx_id": requestID, "status": resp.StatusCode})
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := out.Message
		if decodeErr != nil || msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		log.WithField("message", msg).Warn("provider returned non-2xx response")
		return Outcome{}, fmt.Errorf("%w: status %d: %s", ledger.ErrProviderRejected, resp.StatusCode, msg)
	}
	if decodeErr != nil {
		log.WithError(decodeErr).Warn("unparsable provider response")
		return Outcome{}, fmt.Errorf("%w: unparsable response: %v", ledger.ErrProviderRejected, decodeErr)
	}

	switch out.Status {
	case "success":
		return Outcome{Reference: out.Reference, Status: out.Status}, nil
	case "pending":
		return Outcome{Pending: true, Reference: out.Reference, Status: out.Status}, nil
	default:
		return Outcome{}, fmt.Errorf("%w: %s", ledger.ErrProviderRejected, out.Message)
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
