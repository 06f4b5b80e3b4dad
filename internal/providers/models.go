package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
)

// ListModels queries the endpoint's model listing.
func (c *Client) ListModels(ctx context.Context) ([]ModelInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.Endpoint+"/api/tags", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("providers: list models: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &httpStatusError{status: resp.StatusCode}
	}

	var out struct {
		Models []ModelInfo `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, &decodeError{err: err}
	}
	return out.Models, nil
}

// probeCache caches tool-capability probes per (endpoint, model) pair for
// the process lifetime. Probing is cheap but noisy; once is enough.
var probeCache sync.Map // "endpoint|model" → bool

// SupportsTools probes whether the configured model accepts a tools block.
// The result is cached per (endpoint, model).
func (c *Client) SupportsTools(ctx context.Context) bool {
	key := c.cfg.Endpoint + "|" + c.Model()
	if v, ok := probeCache.Load(key); ok {
		return v.(bool)
	}

	supported := c.probeTools(ctx)
	probeCache.Store(key, supported)
	return supported
}

func (c *Client) probeTools(ctx context.Context) bool {
	probe := map[string]any{
		"model":    c.Model(),
		"messages": []map[string]any{{"role": "user", "content": "ping"}},
		"stream":   false,
		"options":  map[string]any{"num_predict": 1},
		"tools": []ToolDefinition{{
			Type: "function",
			Function: ToolFunctionSchema{
				Name:        "noop",
				Description: "capability probe",
				Parameters:  map[string]any{"type": "object", "properties": map[string]any{}},
			},
		}},
	}
	body, _ := json.Marshal(probe)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return false
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		return true
	}
	buf := new(bytes.Buffer)
	_, _ = buf.ReadFrom(resp.Body)
	// Endpoints report unsupported tools as a 400 naming the capability.
	return !strings.Contains(strings.ToLower(buf.String()), "does not support tools")
}
