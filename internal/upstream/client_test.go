package upstream

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"testing"
	"time"
)

type roundTripperFunc func(*http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(r *http.Request) (*http.Response, error) {
	return f(r)
}

func stubClient(fn roundTripperFunc) *http.Client {
	return &http.Client{Timeout: time.Minute, Transport: fn}
}

func jsonResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       io.NopCloser(bytes.NewBufferString(body)),
	}
}

func TestGenerateContent_RequestShape(t *testing.T) {
	var captured *http.Request
	client := NewClientWithHTTP("https://example.test/", time.Minute, stubClient(func(r *http.Request) (*http.Response, error) {
		captured = r
		return jsonResponse(http.StatusOK, `{"ok":true}`), nil
	}))

	resp, err := client.GenerateContent(context.Background(), "secret-key", "gemini-2.5-pro", []byte(`{"contents":[]}`))
	if err != nil {
		t.Fatalf("GenerateContent: %v", err)
	}
	resp.Body.Close()

	if captured.Method != http.MethodPost {
		t.Errorf("method = %s, want POST", captured.Method)
	}
	if captured.URL.Path != "/v1beta/models/gemini-2.5-pro:generateContent" {
		t.Errorf("path = %q", captured.URL.Path)
	}
	if captured.URL.Query().Get("key") != "secret-key" {
		t.Errorf("key query param = %q, want secret-key", captured.URL.Query().Get("key"))
	}
	if ct := captured.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
}

func TestGenerateContent_RejectsEmptyInputs(t *testing.T) {
	client := NewClient("https://example.test", time.Minute)

	if _, err := client.GenerateContent(context.Background(), "", "gemini-2.5-pro", nil); err == nil {
		t.Error("empty api key should be rejected")
	}
	if _, err := client.GenerateContent(context.Background(), "key", "  ", nil); err == nil {
		t.Error("empty model should be rejected")
	}
}

func TestPing_ReturnsStatus(t *testing.T) {
	for _, status := range []int{http.StatusOK, http.StatusUnauthorized, http.StatusTooManyRequests} {
		client := NewClientWithHTTP("https://example.test", time.Minute, stubClient(func(r *http.Request) (*http.Response, error) {
			return jsonResponse(status, `{}`), nil
		}))

		got, err := client.Ping(context.Background(), "probe-key")
		if err != nil {
			t.Fatalf("Ping: %v", err)
		}
		if got != status {
			t.Errorf("Ping() = %d, want %d", got, status)
		}
	}
}

func TestParseUsage(t *testing.T) {
	body := []byte(`{"candidates":[],"usageMetadata":{"promptTokenCount":10,"candidatesTokenCount":32,"totalTokenCount":42}}`)
	if got := ParseUsage(body); got != 42 {
		t.Errorf("ParseUsage() = %d, want 42", got)
	}
	if got := ParseUsage([]byte(`{"candidates":[]}`)); got != 0 {
		t.Errorf("ParseUsage() without metadata = %d, want 0", got)
	}
	if got := ParseUsage([]byte(`not json`)); got != 0 {
		t.Errorf("ParseUsage() on garbage = %d, want 0", got)
	}
}

func TestParseRetryDelay_Header(t *testing.T) {
	resp := jsonResponse(http.StatusTooManyRequests, `{}`)
	resp.Header.Set("Retry-After", "7")

	if got := ParseRetryDelay(resp); got != 7*time.Second {
		t.Errorf("ParseRetryDelay() = %v, want 7s", got)
	}
}

func TestParseRetryDelay_GoogleErrorBody(t *testing.T) {
	body := `{"error":{"code":429,"status":"RESOURCE_EXHAUSTED","details":[{"@type":"type.googleapis.com/google.rpc.RetryInfo","retryDelay":"3.5s"}]}}`
	resp := jsonResponse(http.StatusTooManyRequests, body)

	if got := ParseRetryDelay(resp); got != 3500*time.Millisecond {
		t.Errorf("ParseRetryDelay() = %v, want 3.5s", got)
	}

	// The body must still be forwardable after parsing.
	restored, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read restored body: %v", err)
	}
	if string(restored) != body {
		t.Error("ParseRetryDelay() should restore the response body")
	}
}

func TestParseRetryDelay_NoHint(t *testing.T) {
	if got := ParseRetryDelay(jsonResponse(http.StatusTooManyRequests, `{"error":{"code":429}}`)); got != 0 {
		t.Errorf("ParseRetryDelay() = %v, want 0", got)
	}
	if got := ParseRetryDelay(nil); got != 0 {
		t.Errorf("ParseRetryDelay(nil) = %v, want 0", got)
	}
}
