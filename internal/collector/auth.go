package collector

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// AuthType enumerates the supported auth strategies.
type AuthType string

const (
	AuthNone   AuthType = "none"
	AuthAPIKey AuthType = "api_key"
	AuthBearer AuthType = "bearer"
	AuthBasic  AuthType = "basic"
	AuthOAuth2 AuthType = "oauth2"
)

// APIKeyAuth places a static key in a named request header. Header
// placement is the only supported location.
type APIKeyAuth struct {
	Header string
	Value  string
}

// BearerAuth sets Authorization: Bearer <token>.
type BearerAuth struct {
	Token string
}

// BasicAuth sets Authorization: Basic <base64(username:password)>.
type BasicAuth struct {
	Username string
	Password string
}

// OAuth2Auth performs a client-credentials token exchange every run.
// Nothing is cached: a stale token on a long-lived collector is worse
// than one extra round trip per run.
type OAuth2Auth struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
	Scopes       []string
}

// AuthConfig is a closed sum over the enumerated auth kinds, resolved
// once at config-load time rather than inspected ad hoc per call.
// Exactly the field matching Type is set.
type AuthConfig struct {
	Type   AuthType
	APIKey *APIKeyAuth
	Bearer *BearerAuth
	Basic  *BasicAuth
	OAuth2 *OAuth2Auth
}

// vendorTokenURLs maps integration types with a known non-standard
// client-credentials flow to their token endpoints. Used when the
// collector does not declare its own token URL.
var vendorTokenURLs = map[string]string{
	"salesforce": "https://login.salesforce.com/services/oauth2/token",
	"zoom":       "https://zoom.us/oauth/token",
	"slack":      "https://slack.com/api/oauth.v2.access",
}

// ParseAuthConfig resolves a stored {type, config} descriptor into the
// closed AuthConfig sum. Unknown types and missing fields are
// configuration errors, surfaced synchronously and never retried.
func ParseAuthConfig(authType string, config map[string]any) (AuthConfig, error) {
	switch AuthType(strings.ToLower(strings.TrimSpace(authType))) {
	case AuthNone, "":
		return AuthConfig{Type: AuthNone}, nil

	case AuthAPIKey:
		if loc := stringField(config, "location"); loc != "" && loc != "header" {
			return AuthConfig{}, fmt.Errorf("api_key auth: unsupported placement %q, only header placement is supported", loc)
		}
		header := stringField(config, "headerName")
		if header == "" {
			header = stringField(config, "header")
		}
		value := stringField(config, "value")
		if header == "" || value == "" {
			return AuthConfig{}, fmt.Errorf("api_key auth: headerName and value are required")
		}
		return AuthConfig{Type: AuthAPIKey, APIKey: &APIKeyAuth{Header: header, Value: value}}, nil

	case AuthBearer:
		token := stringField(config, "token")
		if token == "" {
			return AuthConfig{}, fmt.Errorf("bearer auth: token is required")
		}
		return AuthConfig{Type: AuthBearer, Bearer: &BearerAuth{Token: token}}, nil

	case AuthBasic:
		username := stringField(config, "username")
		password := stringField(config, "password")
		if username == "" || password == "" {
			return AuthConfig{}, fmt.Errorf("basic auth: username and password are required")
		}
		return AuthConfig{Type: AuthBasic, Basic: &BasicAuth{Username: username, Password: password}}, nil

	case AuthOAuth2:
		clientID := stringField(config, "clientId")
		clientSecret := stringField(config, "clientSecret")
		if clientID == "" || clientSecret == "" {
			return AuthConfig{}, fmt.Errorf("oauth2 auth: clientId and clientSecret are required")
		}
		auth := &OAuth2Auth{
			TokenURL:     stringField(config, "tokenUrl"),
			ClientID:     clientID,
			ClientSecret: clientSecret,
		}
		if scope := stringField(config, "scope"); scope != "" {
			auth.Scopes = strings.Fields(scope)
		}
		return AuthConfig{Type: AuthOAuth2, OAuth2: auth}, nil
	}

	return AuthConfig{}, fmt.Errorf("unknown auth type %q", authType)
}

func stringField(config map[string]any, key string) string {
	if config == nil {
		return ""
	}
	if v, ok := config[key].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

// AuthError marks a terminal authentication failure. It is never retried
// at the HTTP layer: retrying an invalid credential cannot succeed.
type AuthError struct {
	Err error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication failed: %s", e.Err)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// authHeaders derives the request headers for the resolved auth config.
// For oauth2 it performs the client-credentials exchange against the
// configured token URL, or the vendor-specific one when the integration
// type has a known non-standard flow.
func authHeaders(ctx context.Context, auth AuthConfig, integrationType string, client *http.Client) (map[string]string, error) {
	switch auth.Type {
	case AuthNone:
		return map[string]string{}, nil

	case AuthAPIKey:
		return map[string]string{auth.APIKey.Header: auth.APIKey.Value}, nil

	case AuthBearer:
		return map[string]string{"Authorization": "Bearer " + auth.Bearer.Token}, nil

	case AuthBasic:
		credentials := base64.StdEncoding.EncodeToString(
			[]byte(auth.Basic.Username + ":" + auth.Basic.Password))
		return map[string]string{"Authorization": "Basic " + credentials}, nil

	case AuthOAuth2:
		token, err := exchangeClientCredentials(ctx, auth.OAuth2, integrationType, client)
		if err != nil {
			return nil, &AuthError{Err: err}
		}
		return map[string]string{"Authorization": "Bearer " + token}, nil
	}

	return nil, fmt.Errorf("unknown auth type %q", auth.Type)
}

// exchangeClientCredentials fetches a fresh access token. A new token
// source is built per call on purpose: tokens are not cached across runs.
func exchangeClientCredentials(ctx context.Context, auth *OAuth2Auth, integrationType string, client *http.Client) (string, error) {
	tokenURL := auth.TokenURL
	if tokenURL == "" {
		tokenURL = vendorTokenURLs[integrationType]
	}
	if tokenURL == "" {
		return "", fmt.Errorf("oauth2 auth: no token URL configured for integration type %q", integrationType)
	}

	cfg := clientcredentials.Config{
		ClientID:     auth.ClientID,
		ClientSecret: auth.ClientSecret,
		TokenURL:     tokenURL,
		Scopes:       auth.Scopes,
	}
	if client != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, client)
	}

	zap.S().Debugf("Exchanging oauth2 client credentials against %s", tokenURL)
	token, err := cfg.Token(ctx)
	if err != nil {
		return "", err
	}
	return token.AccessToken, nil
}
