package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const maxResponseBytes = 64 << 10

// HTTPFeed polls a classifier endpoint that answers with a JSON object such as
// {"alphabet": "A"}. The label is read from a configurable field.
type HTTPFeed struct {
	url    string
	field  string
	client *http.Client
}

func NewHTTPFeed(url, field string, client *http.Client) *HTTPFeed {
	if field == "" {
		field = "alphabet"
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPFeed{url: url, field: field, client: client}
}

func (f *HTTPFeed) Poll(ctx context.Context) (Symbol, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.url, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", fmt.Errorf("read classifier response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("classifier returned status %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}

	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", fmt.Errorf("decode classifier response: %w", err)
	}
	raw, ok := payload[f.field]
	if !ok || raw == nil {
		return "", nil
	}
	label, ok := raw.(string)
	if !ok {
		return "", fmt.Errorf("classifier field %q is %T, not a string", f.field, raw)
	}
	return Symbol(label), nil
}
