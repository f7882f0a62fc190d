package collector

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/evidentia-grc/evidentia/internal/metrics"
	"github.com/evidentia-grc/evidentia/internal/resilience"
)

// maxResponseBodySize caps vendor response bodies at 10MB; anything
// larger is not a usable evidence payload.
const maxResponseBodySize = 10 * 1024 * 1024

// Store is the persistence collaborator of the pipeline.
type Store interface {
	GetCollector(ctx context.Context, collectorID string, organizationID string) (*Collector, error)
	GetIntegration(ctx context.Context, integrationID string) (*Integration, error)
	CreateRun(ctx context.Context, run *Run) error
	UpdateRun(ctx context.Context, run *Run) error
	UpdateCollectorStats(ctx context.Context, c *Collector) error
	CreateEvidence(ctx context.Context, evidence *Evidence) error
	LinkEvidence(ctx context.Context, evidenceID string, controlID string) error
	DueCollectors(ctx context.Context, now time.Time) ([]Collector, error)
}

// BlobStore persists evidence payloads.
type BlobStore interface {
	Upload(ctx context.Context, data []byte, path string, contentType string) error
}

// AuditEntry is one audit log record.
type AuditEntry struct {
	OrganizationID string
	UserID         string
	Action         string
	EntityType     string
	EntityID       string
	Description    string
	Metadata       map[string]any
}

// AuditLogger records audit entries. Implementations swallow their own
// failures: audit problems never abort a run.
type AuditLogger interface {
	Log(ctx context.Context, entry AuditEntry)
}

// Notification is one user-facing notification.
type Notification struct {
	OrganizationID string
	UserID         string
	Type           string
	Title          string
	Message        string
	Severity       string
	Metadata       map[string]any
}

// Notifier delivers notifications, fired once per run outcome.
type Notifier interface {
	Create(ctx context.Context, n Notification) error
}

// Defaults are the process-wide resilience defaults, overridden per
// collector and per call in that priority order.
type Defaults struct {
	TimeoutMs  int
	MaxRetries int
}

// RunResult is the structured outcome of Run. Failures are converted into
// it at the pipeline boundary; they never propagate as errors out of Run.
type RunResult struct {
	Success    bool   `json:"success"`
	RunID      string `json:"runId,omitempty"`
	EvidenceID string `json:"evidenceId,omitempty"`
	Message    string `json:"message"`
}

// TestOverrides optionally override resilience settings for a single test
// call.
type TestOverrides struct {
	TimeoutMs  int  `json:"timeoutMs,omitempty"`
	MaxRetries *int `json:"maxRetries,omitempty"`
}

// TestResult is the structured outcome of Test. Test always returns a
// result object, success or failure, so UI flows can render inline
// feedback without exception handling.
type TestResult struct {
	Success        bool   `json:"success"`
	Message        string `json:"message"`
	StatusCode     int    `json:"statusCode,omitempty"`
	ResponseTimeMs int64  `json:"responseTime"`
	Data           any    `json:"data,omitempty"`
}

// Pipeline executes single-collector runs and connectivity tests.
type Pipeline struct {
	store    Store
	blobs    BlobStore
	audit    AuditLogger
	notifier Notifier
	client   *http.Client
	defaults Defaults
}

// NewPipeline wires the pipeline with its collaborators. The HTTP client
// carries no global timeout: per-call deadlines come from the collector's
// resolved timeout via request contexts.
func NewPipeline(store Store, blobs BlobStore, audit AuditLogger, notifier Notifier, defaults Defaults) *Pipeline {
	if defaults.TimeoutMs <= 0 {
		defaults.TimeoutMs = 30000
	}
	if defaults.MaxRetries < 0 {
		defaults.MaxRetries = 0
	}
	return &Pipeline{
		store:    store,
		blobs:    blobs,
		audit:    audit,
		notifier: notifier,
		defaults: defaults,
		client: &http.Client{
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   30 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConns:          100,
				IdleConnTimeout:       90 * time.Second,
				TLSHandshakeTimeout:   10 * time.Second,
				ExpectContinueTimeout: 1 * time.Second,
			},
		},
	}
}

// SetHTTPClient replaces the transport, for tests.
func (p *Pipeline) SetHTTPClient(client *http.Client) {
	p.client = client
}

// Store exposes the persistence collaborator, consumed by the scheduler's
// due-collector query.
func (p *Pipeline) Store() Store {
	return p.store
}

// Run executes one collector run: create the run record, resolve config,
// call the vendor, derive evidence, and record the outcome. All failures
// are caught here and converted into a RunResult.
func (p *Pipeline) Run(ctx context.Context, collectorID string, organizationID string, userID string) RunResult {
	c, err := p.store.GetCollector(ctx, collectorID, organizationID)
	if err != nil {
		zap.S().Warnf("Collector %s not found for run: %s", collectorID, err)
		return RunResult{Success: false, Message: fmt.Sprintf("collector not found: %s", err)}
	}

	run := &Run{
		ID:          uuid.NewString(),
		CollectorID: c.ID,
		Status:      RunStatusRunning,
		StartedAt:   time.Now().UTC(),
	}
	run.AppendLog(fmt.Sprintf("Starting collector run for %q", c.Name))
	if err = p.store.CreateRun(ctx, run); err != nil {
		zap.S().Errorf("Failed to create run record for collector %s: %s", c.ID, err)
		return RunResult{Success: false, Message: fmt.Sprintf("failed to create run record: %s", err)}
	}

	evidenceID, statusCode, execErr := p.execute(ctx, c, run)

	completedAt := time.Now().UTC()
	run.CompletedAt = &completedAt
	if statusCode != 0 {
		run.ResponseCode = &statusCode
	}

	if execErr != nil {
		run.Status = RunStatusError
		run.ErrorMessage = execErr.Error()
		run.AppendLog(fmt.Sprintf("Run failed: %s", execErr))
	} else {
		run.Status = RunStatusSuccess
		run.EvidenceID = evidenceID
		run.AppendLog(fmt.Sprintf("Run succeeded, evidence %s created", evidenceID))
	}
	if err = p.store.UpdateRun(ctx, run); err != nil {
		zap.S().Errorf("Failed to update run %s: %s", run.ID, err)
	}

	p.recordOutcome(ctx, c, run, userID, execErr)

	if execErr != nil {
		metrics.CollectorRuns.WithLabelValues(string(RunStatusError)).Inc()
		return RunResult{Success: false, RunID: run.ID, Message: execErr.Error()}
	}
	metrics.CollectorRuns.WithLabelValues(string(RunStatusSuccess)).Inc()
	return RunResult{Success: true, RunID: run.ID, EvidenceID: evidenceID, Message: "evidence collected"}
}

// Test performs a connectivity test against the collector's endpoint
// without persisting anything. Latency-sensitive: fast retry profile.
func (p *Pipeline) Test(ctx context.Context, collectorID string, organizationID string, userID string, overrides *TestOverrides) TestResult {
	c, err := p.store.GetCollector(ctx, collectorID, organizationID)
	if err != nil {
		return TestResult{Success: false, Message: fmt.Sprintf("collector not found: %s", err)}
	}

	timeout, _ := p.effectiveResilience(c)
	policy := resilience.FastPolicy()
	if overrides != nil {
		if overrides.TimeoutMs > 0 {
			timeout = time.Duration(overrides.TimeoutMs) * time.Millisecond
		}
		if overrides.MaxRetries != nil {
			policy.MaxRetries = *overrides.MaxRetries
		}
	}

	started := time.Now()
	baseURL, auth, err := p.resolveTarget(ctx, c)
	if err != nil {
		return TestResult{Success: false, Message: err.Error(), ResponseTimeMs: time.Since(started).Milliseconds()}
	}

	result, err := p.doCall(ctx, c, baseURL, auth, timeout, policy, nil)
	elapsed := time.Since(started).Milliseconds()
	if err != nil {
		testResult := TestResult{Success: false, Message: failureMessage(err), ResponseTimeMs: elapsed}
		if result != nil {
			testResult.StatusCode = result.statusCode
		}
		return testResult
	}

	return TestResult{
		Success:        true,
		Message:        fmt.Sprintf("connection successful (%d)", result.statusCode),
		StatusCode:     result.statusCode,
		ResponseTimeMs: elapsed,
		Data:           result.parsed,
	}
}

// execute performs steps 2-8 of the run: resolve config, call the vendor,
// derive and persist evidence. Returns the evidence ID and last HTTP
// status observed.
func (p *Pipeline) execute(ctx context.Context, c *Collector, run *Run) (string, int, error) {
	timeout, maxRetries := p.effectiveResilience(c)
	run.AppendLog(fmt.Sprintf("Effective timeout %s, max retries %d", timeout, maxRetries))

	baseURL, auth, err := p.resolveTarget(ctx, c)
	if err != nil {
		return "", 0, err
	}

	policy := resilience.StandardPolicy()
	policy.MaxRetries = maxRetries
	policy.OnRetry = func(callErr error, attempt int) {
		run.AppendLog(fmt.Sprintf("Attempt %d failed (%s), retrying", attempt, callErr))
	}

	result, err := p.doCall(ctx, c, baseURL, auth, timeout, policy, run)
	if err != nil {
		statusCode := 0
		if result != nil {
			statusCode = result.statusCode
		}
		return "", statusCode, err
	}
	run.AppendLog(fmt.Sprintf("Vendor responded with status %d", result.statusCode))

	evidence, err := p.deriveEvidence(ctx, c, result)
	if err != nil {
		return "", result.statusCode, err
	}
	run.AppendLog(fmt.Sprintf("Evidence persisted at %s", evidence.StoragePath))

	return evidence.ID, result.statusCode, nil
}

// resolveTarget resolves the effective base URL and auth config: an
// integration-mode collector inherits both from the linked integration's
// stored config when it does not override them.
func (p *Pipeline) resolveTarget(ctx context.Context, c *Collector) (string, AuthConfig, error) {
	baseURL := strings.TrimSpace(c.Target.BaseURL)
	auth := c.Auth

	if c.Mode == ModeIntegration && c.IntegrationID != "" {
		integration, err := p.store.GetIntegration(ctx, c.IntegrationID)
		if err != nil {
			return "", AuthConfig{}, fmt.Errorf("linked integration %s not found: %w", c.IntegrationID, err)
		}
		if baseURL == "" {
			baseURL = strings.TrimSpace(integration.BaseURL)
			if baseURL == "" {
				baseURL = stringField(integration.Config, "baseUrl")
			}
		}
		if auth.Type == "" || auth.Type == AuthNone {
			authType := stringField(integration.Config, "authType")
			if authType != "" {
				authConfig, _ := integration.Config["authConfig"].(map[string]any)
				auth, err = ParseAuthConfig(authType, authConfig)
				if err != nil {
					return "", AuthConfig{}, fmt.Errorf("integration %s auth config: %w", c.IntegrationID, err)
				}
			}
		}
	}

	if baseURL == "" {
		return "", AuthConfig{}, fmt.Errorf("no base URL configured for collector %s", c.ID)
	}
	return baseURL, auth, nil
}

// effectiveResilience resolves timeout and retry count: stored
// per-collector value, then process-wide default.
func (p *Pipeline) effectiveResilience(c *Collector) (time.Duration, int) {
	timeoutMs := c.TimeoutMs
	if timeoutMs <= 0 {
		timeoutMs = p.defaults.TimeoutMs
	}
	maxRetries := p.defaults.MaxRetries
	if c.MaxRetries != nil && *c.MaxRetries >= 0 {
		maxRetries = *c.MaxRetries
	}
	return time.Duration(timeoutMs) * time.Millisecond, maxRetries
}

// httpResult is one parsed vendor response.
type httpResult struct {
	statusCode int
	rawBody    []byte
	// parsed is the JSON document, or the raw text when the body is not
	// valid JSON (still usable as evidence content).
	parsed any
}

// doCall derives auth headers and executes the HTTP call with retry at
// this boundary. The OAuth2 token exchange is performed before entering
// the retry loop: a bad credential will not become valid on retry.
func (p *Pipeline) doCall(ctx context.Context, c *Collector, baseURL string, auth AuthConfig, timeout time.Duration, policy resilience.Policy, run *Run) (*httpResult, error) {
	authCtx, cancel := context.WithTimeout(ctx, timeout)
	headers, err := authHeaders(authCtx, auth, c.IntegrationType, p.client)
	cancel()
	if err != nil {
		return nil, err
	}
	if run != nil && auth.Type != AuthNone {
		run.AppendLog(fmt.Sprintf("Resolved %s auth", auth.Type))
	}

	label := c.IntegrationType
	if label == "" {
		label = "http"
	}

	attempt := func(callCtx context.Context) (*httpResult, error) {
		reqCtx, cancelAttempt := context.WithTimeout(callCtx, timeout)
		defer cancelAttempt()

		// The body reader is consumed per attempt, so the request is
		// rebuilt inside the retry loop.
		req, err := buildRequest(reqCtx, c.Target, baseURL, headers)
		if err != nil {
			return nil, err
		}

		resp, err := p.client.Do(req)
		if err != nil {
			metrics.VendorCalls.WithLabelValues(label, "failure").Inc()
			if reqCtx.Err() == context.DeadlineExceeded {
				return nil, fmt.Errorf("%w after %s", resilience.ErrCallTimeout, timeout)
			}
			return nil, fmt.Errorf("request failed: %w", err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodySize))
		if err != nil {
			metrics.VendorCalls.WithLabelValues(label, "failure").Inc()
			return nil, fmt.Errorf("failed to read response body: %w", err)
		}

		result := &httpResult{statusCode: resp.StatusCode, rawBody: body}
		var parsed any
		if err = json.Unmarshal(body, &parsed); err == nil {
			result.parsed = parsed
		} else {
			result.parsed = string(body)
		}

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			metrics.VendorCalls.WithLabelValues(label, "failure").Inc()
			return result, &resilience.StatusError{Code: resp.StatusCode, Body: truncate(string(body), 512)}
		}
		metrics.VendorCalls.WithLabelValues(label, "success").Inc()
		return result, nil
	}

	return resilience.Do(ctx, policy, attempt)
}

// deriveEvidence maps the vendor response into an Evidence record, uploads
// the payload blob and links the evidence to the originating control.
func (p *Pipeline) deriveEvidence(ctx context.Context, c *Collector, result *httpResult) (*Evidence, error) {
	now := time.Now().UTC()

	title := strings.TrimSpace(c.Mapping.TitleTemplate)
	if title == "" {
		title = fmt.Sprintf("%s - %s", c.Name, now.Format("2006-01-02"))
	} else {
		title = Interpolate(title, result.parsed)
	}

	description := fmt.Sprintf("Evidence collected by %q", c.Name)
	if c.Mapping.DescriptionPath != "" {
		if value, ok := Extract(result.parsed, c.Mapping.DescriptionPath); ok {
			description = formatValue(value)
		}
	}

	data := result.parsed
	if c.Mapping.DataPath != "" {
		if value, ok := Extract(result.parsed, c.Mapping.DataPath); ok {
			data = value
		}
	}

	payload, err := json.Marshal(map[string]any{
		"title":       title,
		"description": description,
		"data":        data,
		"collectedAt": now.Format(time.RFC3339),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to serialize evidence payload: %w", err)
	}

	storagePath := fmt.Sprintf("evidence/%s/%d.json", c.ID, now.UnixMilli())
	if err = p.blobs.Upload(ctx, payload, storagePath, "application/json"); err != nil {
		return nil, fmt.Errorf("failed to upload evidence payload: %w", err)
	}

	evidence := &Evidence{
		ID:             uuid.NewString(),
		OrganizationID: c.OrganizationID,
		ControlID:      c.ControlID,
		CollectorID:    c.ID,
		Title:          title,
		Description:    description,
		Data:           data,
		StoragePath:    storagePath,
		CreatedAt:      now,
	}
	if err = p.store.CreateEvidence(ctx, evidence); err != nil {
		return nil, fmt.Errorf("failed to create evidence record: %w", err)
	}
	if c.ControlID != "" {
		if err = p.store.LinkEvidence(ctx, evidence.ID, c.ControlID); err != nil {
			return nil, fmt.Errorf("failed to link evidence to control: %w", err)
		}
	}
	return evidence, nil
}

// recordOutcome updates the collector's running statistics, recomputes
// the schedule and fires the notification and audit entries. A failed run
// must not silently stop future scheduled attempts, so NextRunAt is
// recomputed on both paths.
func (p *Pipeline) recordOutcome(ctx context.Context, c *Collector, run *Run, userID string, execErr error) {
	now := time.Now().UTC()
	c.LastRunAt = &now
	c.TotalRuns++
	if execErr != nil {
		c.LastRunStatus = string(RunStatusError)
		c.LastRunError = execErr.Error()
	} else {
		c.LastRunStatus = string(RunStatusSuccess)
		c.LastRunError = ""
		c.SuccessfulRuns++
	}
	RecomputeNextRun(c, now)
	if err := p.store.UpdateCollectorStats(ctx, c); err != nil {
		zap.S().Errorf("Failed to update stats for collector %s: %s", c.ID, err)
	}

	notification := Notification{
		OrganizationID: c.OrganizationID,
		UserID:         userID,
		Type:           "collector_run",
		Metadata:       map[string]any{"collectorId": c.ID, "runId": run.ID},
	}
	status := "success"
	if execErr != nil {
		status = "error"
		notification.Title = fmt.Sprintf("Collector %q failed", c.Name)
		notification.Message = execErr.Error()
		notification.Severity = "error"
	} else {
		notification.Title = fmt.Sprintf("Collector %q collected evidence", c.Name)
		notification.Message = fmt.Sprintf("Evidence %s created", run.EvidenceID)
		notification.Severity = "info"
		notification.Metadata["evidenceId"] = run.EvidenceID
	}
	if err := p.notifier.Create(ctx, notification); err != nil {
		zap.S().Warnf("Failed to deliver notification for run %s: %s", run.ID, err)
	}

	p.audit.Log(ctx, AuditEntry{
		OrganizationID: c.OrganizationID,
		UserID:         userID,
		Action:         "collector.run",
		EntityType:     "collector",
		EntityID:       c.ID,
		Description:    fmt.Sprintf("Collector run %s completed with status %s", run.ID, status),
		Metadata:       map[string]any{"runId": run.ID, "status": status, "evidenceId": run.EvidenceID},
	})
}

// failureMessage renders an error for user-facing test results, keeping
// the timeout case recognizable.
func failureMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, resilience.ErrCallTimeout):
		return "the service did not respond in time"
	default:
		return err.Error()
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
