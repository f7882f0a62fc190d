// Package statuspage implements a generic Statuspage-compatible adapter,
// used for vendors that expose availability evidence via a public or
// key-protected status API.
package statuspage

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/evidentia-grc/evidentia/internal/connector"
)

func init() {
	connector.Register("statuspage", &adapter{client: &http.Client{Timeout: 15 * time.Second}})
}

type adapter struct {
	client *http.Client
}

func (a *adapter) fetchSummary(ctx context.Context, cfg connector.Config) (map[string]any, error) {
	baseURL := strings.TrimRight(cfg.StringValue("baseUrl"), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("statuspage requires baseUrl")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/api/v2/summary.json", nil)
	if err != nil {
		return nil, err
	}
	if key := cfg.StringValue("apiKey"); key != "" {
		req.Header.Set("Authorization", "OAuth "+key)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status summary returned %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 5<<20))
	if err != nil {
		return nil, err
	}
	var summary map[string]any
	if err = json.Unmarshal(body, &summary); err != nil {
		return nil, fmt.Errorf("unexpected status summary payload: %w", err)
	}
	return summary, nil
}

func (a *adapter) TestConnection(ctx context.Context, cfg connector.Config) (connector.TestResult, error) {
	summary, err := a.fetchSummary(ctx, cfg)
	if err != nil {
		return connector.TestResult{}, err
	}

	details := map[string]any{}
	if status, ok := summary["status"].(map[string]any); ok {
		details["indicator"] = status["indicator"]
		details["description"] = status["description"]
	}
	return connector.TestResult{Success: true, Message: "status API reachable", Details: details}, nil
}

func (a *adapter) Sync(ctx context.Context, cfg connector.Config) (connector.SyncResult, error) {
	summary, err := a.fetchSummary(ctx, cfg)
	if err != nil {
		return connector.SyncResult{}, err
	}

	components, _ := summary["components"].([]any)
	result := connector.SyncResult{ItemsCollected: len(components)}
	for _, raw := range components {
		component, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		name, _ := component["name"].(string)
		result.Items = append(result.Items, connector.SyncItem{
			Kind:  "component",
			Title: name,
			Data:  component,
		})
	}
	return result, nil
}
