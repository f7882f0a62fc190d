package collector

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// mutatingMethods are the only methods that carry a request body.
var mutatingMethods = map[string]bool{
	http.MethodPost:  true,
	http.MethodPut:   true,
	http.MethodPatch: true,
}

// buildRequest assembles the collector's HTTP request: resolved base URL
// (trailing slash stripped) + endpoint path, default JSON content type
// plus collector-specified headers, query parameters, auth headers, and a
// JSON body only for mutating methods with a configured body template.
func buildRequest(ctx context.Context, target HTTPTarget, baseURL string, authHeaders map[string]string) (*http.Request, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("no base URL configured")
	}

	endpoint := target.Endpoint
	if endpoint != "" && !strings.HasPrefix(endpoint, "/") {
		endpoint = "/" + endpoint
	}
	fullURL := strings.TrimRight(baseURL, "/") + endpoint

	method := strings.ToUpper(strings.TrimSpace(target.Method))
	if method == "" {
		method = http.MethodGet
	}

	var body *strings.Reader
	if mutatingMethods[method] && target.BodyTemplate != "" {
		body = strings.NewReader(target.BodyTemplate)
	}

	var req *http.Request
	var err error
	if body != nil {
		req, err = http.NewRequestWithContext(ctx, method, fullURL, body)
	} else {
		req, err = http.NewRequestWithContext(ctx, method, fullURL, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to build request for %s: %w", fullURL, err)
	}

	req.Header.Set("Content-Type", "application/json")
	for name, value := range target.Headers {
		req.Header.Set(name, value)
	}
	for name, value := range authHeaders {
		req.Header.Set(name, value)
	}

	if len(target.QueryParams) > 0 {
		query := url.Values{}
		for name, value := range target.QueryParams {
			query.Set(name, value)
		}
		req.URL.RawQuery = query.Encode()
	}

	return req, nil
}
