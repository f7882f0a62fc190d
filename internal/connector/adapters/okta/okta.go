// Package okta implements the Okta connector adapter.
package okta

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
	connector.Register("okta", &adapter{client: &http.Client{Timeout: 30 * time.Second}})
}

type adapter struct {
	client *http.Client
}

func (a *adapter) TestConnection(ctx context.Context, cfg connector.Config) (connector.TestResult, error) {
	baseURL := strings.TrimRight(cfg.StringValue("baseUrl"), "/")
	token := cfg.StringValue("apiToken")
	if baseURL == "" || token == "" {
		return connector.TestResult{Success: false, Message: "okta requires baseUrl and apiToken"}, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/api/v1/org", nil)
	if err != nil {
		return connector.TestResult{}, err
	}
	req.Header.Set("Authorization", "SSWS "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return connector.TestResult{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return connector.TestResult{Success: false, Message: "okta rejected the API token"}, nil
	}
	if resp.StatusCode != http.StatusOK {
		return connector.TestResult{}, fmt.Errorf("okta org endpoint returned %d", resp.StatusCode)
	}

	var org struct {
		CompanyName string `json:"companyName"`
		Subdomain   string `json:"subdomain"`
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	_ = json.Unmarshal(body, &org)

	return connector.TestResult{
		Success: true,
		Message: "connected to okta",
		Details: map[string]any{"companyName": org.CompanyName, "subdomain": org.Subdomain},
	}, nil
}

func (a *adapter) Sync(ctx context.Context, cfg connector.Config) (connector.SyncResult, error) {
	baseURL := strings.TrimRight(cfg.StringValue("baseUrl"), "/")
	token := cfg.StringValue("apiToken")
	if baseURL == "" || token == "" {
		return connector.SyncResult{}, fmt.Errorf("okta requires baseUrl and apiToken")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/api/v1/users?limit=200", nil)
	if err != nil {
		return connector.SyncResult{}, err
	}
	req.Header.Set("Authorization", "SSWS "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return connector.SyncResult{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return connector.SyncResult{}, fmt.Errorf("okta users endpoint returned %d", resp.StatusCode)
	}

	var users []struct {
		ID      string `json:"id"`
		Status  string `json:"status"`
		Profile struct {
			Email string `json:"email"`
		} `json:"profile"`
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return connector.SyncResult{}, err
	}
	if err = json.Unmarshal(body, &users); err != nil {
		return connector.SyncResult{}, fmt.Errorf("unexpected okta users payload: %w", err)
	}

	result := connector.SyncResult{ItemsCollected: len(users)}
	for _, user := range users {
		result.Items = append(result.Items, connector.SyncItem{
			Kind:  "user",
			Title: user.Profile.Email,
			Data:  map[string]any{"id": user.ID, "status": user.Status},
		})
	}
	return result, nil
}
