package scramble

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// HTTPTransformer asks the chat server's /process-message endpoint to
// run the rewrite. The server applies its own fallback-to-original on
// upstream failure, so a 200 here is always usable text.
type HTTPTransformer struct {
	baseURL string
	client  *http.Client
}

func NewHTTPTransformer(baseURL string, client *http.Client) *HTTPTransformer {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPTransformer{baseURL: baseURL, client: client}
}

type processRequest struct {
	Message      string `json:"message"`
	ScrambleMode string `json:"scrambleMode"`
}

type processResponse struct {
	ProcessedMessage string `json:"processedMessage"`
	Error            string `json:"error,omitempty"`
}

func (t *HTTPTransformer) Transform(ctx context.Context, text, mode string) (string, error) {
	data, err := json.Marshal(processRequest{Message: text, ScrambleMode: mode})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/process-message", bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("process message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("process message: status %d", resp.StatusCode)
	}

	var body processResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("decode process response: %w", err)
	}
	if body.ProcessedMessage == "" {
		return "", fmt.Errorf("process message: empty response")
	}
	return body.ProcessedMessage, nil
}
