package collector

import (
	"context"
	"io"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildRequestJoinsURL(t *testing.T) {
	target := HTTPTarget{Endpoint: "/v1/devices", Method: "GET"}

	req, err := buildRequest(context.Background(), target, "https://api.example.com/", nil)
	require.NoError(t, err)
	assert.Equal(t, "https://api.example.com/v1/devices", req.URL.String())
	assert.Equal(t, http.MethodGet, req.Method)
}

func TestBuildRequestAddsMissingSlash(t *testing.T) {
	target := HTTPTarget{Endpoint: "v1/devices"}

	req, err := buildRequest(context.Background(), target, "https://api.example.com", nil)
	require.NoError(t, err)
	assert.Equal(t, "https://api.example.com/v1/devices", req.URL.String())
}

func TestBuildRequestRequiresBaseURL(t *testing.T) {
	_, err := buildRequest(context.Background(), HTTPTarget{Endpoint: "/x"}, "", nil)
	assert.Error(t, err)
}

func TestBuildRequestHeaders(t *testing.T) {
	target := HTTPTarget{
		Endpoint: "/scan",
		Headers:  map[string]string{"X-Custom": "yes"},
	}
	authHeaders := map[string]string{"Authorization": "Bearer tok"}

	req, err := buildRequest(context.Background(), target, "https://api.example.com", authHeaders)
	require.NoError(t, err)
	assert.Equal(t, "application/json", req.Header.Get("Content-Type"))
	assert.Equal(t, "yes", req.Header.Get("X-Custom"))
	assert.Equal(t, "Bearer tok", req.Header.Get("Authorization"))
}

func TestBuildRequestQueryParams(t *testing.T) {
	target := HTTPTarget{
		Endpoint:    "/scan",
		QueryParams: map[string]string{"limit": "10", "state": "active"},
	}

	req, err := buildRequest(context.Background(), target, "https://api.example.com", nil)
	require.NoError(t, err)
	assert.Equal(t, "10", req.URL.Query().Get("limit"))
	assert.Equal(t, "active", req.URL.Query().Get("state"))
}

func TestBuildRequestBodyOnlyForMutatingMethods(t *testing.T) {
	body := `{"query": "all"}`

	req, err := buildRequest(context.Background(), HTTPTarget{Endpoint: "/q", Method: "post", BodyTemplate: body}, "https://api.example.com", nil)
	require.NoError(t, err)
	assert.Equal(t, http.MethodPost, req.Method)
	sent, err := io.ReadAll(req.Body)
	require.NoError(t, err)
	assert.Equal(t, body, string(sent))

	// A GET with a configured template carries no body.
	req, err = buildRequest(context.Background(), HTTPTarget{Endpoint: "/q", Method: "GET", BodyTemplate: body}, "https://api.example.com", nil)
	require.NoError(t, err)
	assert.Nil(t, req.Body)
}
