// Package upstream talks to the Gemini generative language API with a
// caller-supplied API key. The rotation pool treats these calls as opaque:
// it only cares about the HTTP status class and the usage metadata.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	defaultBaseURL = "https://generativelanguage.googleapis.com"
	defaultTimeout = 5 * time.Minute

	// probeModel is the cheap model used for key validation probes.
	probeModel = "gemini-2.5-flash"
)

// Client issues Gemini API requests with per-call API keys.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a Client with explicit configuration.
func NewClient(baseURL string, timeout time.Duration) *Client {
	return NewClientWithHTTP(baseURL, timeout, nil)
}

// NewClientWithHTTP creates a Client with an optional custom HTTP client,
// used by tests to stub the upstream.
func NewClientWithHTTP(baseURL string, timeout time.Duration, httpClient *http.Client) *Client {
	trimmed := strings.TrimSpace(baseURL)
	if trimmed == "" {
		trimmed = defaultBaseURL
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Client{
		baseURL:    strings.TrimRight(trimmed, "/"),
		httpClient: httpClient,
	}
}

// GenerateContent posts body to the model's generateContent action using
// the given API key. The caller owns the response body.
func (c *Client) GenerateContent(ctx context.Context, apiKey, model string, body []byte) (*http.Response, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("upstream: empty api key")
	}
	if strings.TrimSpace(model) == "" {
		return nil, fmt.Errorf("upstream: empty model")
	}

	endpoint := fmt.Sprintf("%s/v1beta/models/%s:generateContent?key=%s",
		c.baseURL, url.PathEscape(model), url.QueryEscape(apiKey))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.httpClient.Do(req)
}

// Ping issues a minimal generateContent call to validate an API key.
// It returns the upstream status code; transport failures return an error.
func (c *Client) Ping(ctx context.Context, apiKey string) (int, error) {
	payload := map[string]interface{}{
		"contents": []map[string]interface{}{
			{
				"parts": []map[string]interface{}{
					{"text": `Say "test successful" in one word`},
				},
			},
		},
	}
	body, _ := json.Marshal(payload)

	resp, err := c.GenerateContent(ctx, apiKey, probeModel, body)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	return resp.StatusCode, nil
}

// Usage is the token accounting reported by Gemini responses.
type Usage struct {
	UsageMetadata struct {
		PromptTokenCount     int64 `json:"promptTokenCount"`
		CandidatesTokenCount int64 `json:"candidatesTokenCount"`
		TotalTokenCount      int64 `json:"totalTokenCount"`
	} `json:"usageMetadata"`
}

// ParseUsage extracts the total token count from a response body.
// Returns 0 when the body carries no usage metadata.
func ParseUsage(body []byte) int64 {
	var usage Usage
	if err := json.Unmarshal(body, &usage); err != nil {
		return 0
	}
	return usage.UsageMetadata.TotalTokenCount
}
