package translation

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

// Translator translates short pieces of text between languages.
type Translator interface {
	Translate(ctx context.Context, text, source, target string) (string, error)
}

// Client talks to a LibreTranslate-compatible service.
type Client struct {
	base   string
	apiKey string
	http   *http.Client
}

func New(base, apiKey string, timeoutSec int) *Client {
	if timeoutSec <= 0 {
		timeoutSec = 8
	}
	return &Client{
		base:   strings.TrimRight(base, "/"),
		apiKey: apiKey,
		http:   &http.Client{Timeout: time.Duration(timeoutSec) * time.Second},
	}
}

// Translate posts the LibreTranslate payload (q, source, target, format) and
// returns the translated text. An empty source means "auto".
func (c *Client) Translate(ctx context.Context, text, source, target string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", nil
	}
	if c == nil || c.base == "" {
		return "", fmt.Errorf("translation: no service configured")
	}

	src := strings.TrimSpace(source)
	if src == "" {
		src = "auto"
	}
	payload := map[string]any{
		"q":      text,
		"source": src,
		"target": target,
		"format": "text",
	}
	if c.apiKey != "" {
		payload["api_key"] = c.apiKey
	}

	b, _ := json.Marshal(payload)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/translate", bytes.NewReader(b))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("translation: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("translation http %d for target %s: %s", resp.StatusCode, target, strings.TrimSpace(string(body)))
	}

	var lr struct {
		TranslatedText string `json:"translatedText"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&lr); err != nil {
		return "", fmt.Errorf("translation: decode response: %w", err)
	}
	return strings.TrimSpace(lr.TranslatedText), nil
}
