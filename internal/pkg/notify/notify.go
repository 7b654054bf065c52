// Package notify is the client for the transactional-email provider.
// All error classification happens here; callers receive *Error values
// tagged with a Category.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const authScheme = "ApiKey-v1 "

// Client sends single and bulk emails through the provider HTTP API with one
// API key. Topics carry their own keys, so one Client exists per key (see
// ClientCache).
type Client struct {
	endpoint     string
	bulkEndpoint string
	apiKey       string
	httpClient   *http.Client
}

// NewClient builds a provider client for the given API key.
func NewClient(endpoint, bulkEndpoint, apiKey string) *Client {
	return &Client{
		endpoint:     strings.TrimRight(endpoint, "/"),
		bulkEndpoint: bulkEndpoint,
		apiKey:       apiKey,
		httpClient:   &http.Client{Timeout: 30 * time.Second},
	}
}

type emailRequest struct {
	TemplateID      string            `json:"template_id"`
	EmailAddress    string            `json:"email_address"`
	Personalisation map[string]string `json:"personalisation,omitempty"`
	Reference       string            `json:"reference,omitempty"`
}

// SendEmail dispatches a single templated email.
func (c *Client) SendEmail(ctx context.Context, templateID, email string, personalisation map[string]string, reference string) error {
	payload := emailRequest{
		TemplateID:      templateID,
		EmailAddress:    email,
		Personalisation: personalisation,
		Reference:       reference,
	}
	return c.post(ctx, c.endpoint+"/v2/notifications/email", payload)
}

type bulkRequest struct {
	Name       string     `json:"name"`
	TemplateID string     `json:"template_id"`
	Rows       [][]string `json:"rows"`
}

// SendBulk dispatches one batch through the provider bulk endpoint. Rows
// include the header row; the caller is responsible for staying under the
// provider's row ceiling.
func (c *Client) SendBulk(ctx context.Context, name, templateID string, rows [][]string) error {
	payload := bulkRequest{Name: name, TemplateID: templateID, Rows: rows}
	return c.post(ctx, c.bulkEndpoint, payload)
}

func (c *Client) post(ctx context.Context, url string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", authScheme+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Transport failures are retryable like a provider 5xx.
		return &Error{StatusCode: 0, Category: CategoryServer, Message: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	b, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	return decodeError(resp.StatusCode, b)
}
