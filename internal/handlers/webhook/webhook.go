package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
	"unicode/utf8"

	"claimq/internal/domain"
)

type Webhook struct{}

type Request struct {
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers"`
	Body    string            `json:"body"`
	Timeout int               `json:"timeout"` // seconds
}

type Response struct {
	StatusCode int    `json:"status_code"`
	Body       string `json:"body"`
}

// maxResultBody caps how much of the response ends up in result_data.
const maxResultBody = 2048

func (h Webhook) Handle(ctx context.Context, task domain.Task) (string, error) {
	var req Request
	if err := json.Unmarshal(task.Parameters, &req); err != nil {
		return "", fmt.Errorf("invalid webhook parameters: %w", err)
	}

	if req.URL == "" {
		return "", fmt.Errorf("url is required")
	}
	if req.Method == "" {
		req.Method = "GET"
	}
	if req.Timeout <= 0 {
		req.Timeout = 30
	}

	client := &http.Client{Timeout: time.Duration(req.Timeout) * time.Second}

	var body io.Reader
	if req.Body != "" {
		body = bytes.NewReader([]byte(req.Body))
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	for key, value := range req.Headers {
		httpReq.Header.Set(key, value)
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("webhook returned HTTP %d: %s", resp.StatusCode, string(respBody))
	}

	b := respBody
	if len(b) > maxResultBody {
		// Land the cut on a rune boundary so the cap never splits a character.
		cut := maxResultBody
		for cut > maxResultBody-utf8.UTFMax && !utf8.RuneStart(b[cut]) {
			cut--
		}
		b = b[:cut]
	}
	result, _ := json.Marshal(Response{StatusCode: resp.StatusCode, Body: string(b)})
	return string(result), nil
}
