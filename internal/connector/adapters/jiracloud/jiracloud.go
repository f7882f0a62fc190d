// Package jiracloud implements the Jira Cloud connector adapter.
package jiracloud

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/evidentia-grc/evidentia/internal/connector"
)

func init() {
	connector.Register("jira", &adapter{client: &http.Client{Timeout: 30 * time.Second}})
}

type adapter struct {
	client *http.Client
}

func (a *adapter) credentials(cfg connector.Config) (string, string, error) {
	baseURL := strings.TrimRight(cfg.StringValue("baseUrl"), "/")
	email := cfg.StringValue("email")
	apiToken := cfg.StringValue("apiToken")
	if baseURL == "" || email == "" || apiToken == "" {
		return "", "", fmt.Errorf("jira requires baseUrl, email and apiToken")
	}
	basic := base64.StdEncoding.EncodeToString([]byte(email + ":" + apiToken))
	return baseURL, "Basic " + basic, nil
}

func (a *adapter) TestConnection(ctx context.Context, cfg connector.Config) (connector.TestResult, error) {
	baseURL, authorization, err := a.credentials(cfg)
	if err != nil {
		return connector.TestResult{Success: false, Message: err.Error()}, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/rest/api/3/myself", nil)
	if err != nil {
		return connector.TestResult{}, err
	}
	req.Header.Set("Authorization", authorization)
	req.Header.Set("Accept", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return connector.TestResult{}, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return connector.TestResult{Success: false, Message: "jira rejected the credentials"}, nil
	case resp.StatusCode != http.StatusOK:
		return connector.TestResult{}, fmt.Errorf("jira myself endpoint returned %d", resp.StatusCode)
	}

	var me struct {
		DisplayName string `json:"displayName"`
		AccountID   string `json:"accountId"`
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	_ = json.Unmarshal(body, &me)

	return connector.TestResult{
		Success: true,
		Message: "connected to jira",
		Details: map[string]any{"accountId": me.AccountID, "displayName": me.DisplayName},
	}, nil
}

func (a *adapter) Sync(ctx context.Context, cfg connector.Config) (connector.SyncResult, error) {
	baseURL, authorization, err := a.credentials(cfg)
	if err != nil {
		return connector.SyncResult{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/rest/api/3/project/search?maxResults=100", nil)
	if err != nil {
		return connector.SyncResult{}, err
	}
	req.Header.Set("Authorization", authorization)
	req.Header.Set("Accept", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return connector.SyncResult{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return connector.SyncResult{}, fmt.Errorf("jira project search returned %d", resp.StatusCode)
	}

	var page struct {
		Values []struct {
			ID   string `json:"id"`
			Key  string `json:"key"`
			Name string `json:"name"`
		} `json:"values"`
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return connector.SyncResult{}, err
	}
	if err = json.Unmarshal(body, &page); err != nil {
		return connector.SyncResult{}, fmt.Errorf("unexpected jira project payload: %w", err)
	}

	result := connector.SyncResult{ItemsCollected: len(page.Values)}
	for _, project := range page.Values {
		result.Items = append(result.Items, connector.SyncItem{
			Kind:  "project",
			Title: project.Name,
			Data:  map[string]any{"id": project.ID, "key": project.Key},
		})
	}
	return result, nil
}
