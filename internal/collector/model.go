// Package collector implements the evidence collector execution pipeline:
// auth resolution, request building, resilient HTTP execution, response
// mapping and run bookkeeping.
package collector

import (
	"time"
)

// Frequency of a collector schedule.
type Frequency string

const (
	FrequencyDaily   Frequency = "daily"
	FrequencyWeekly  Frequency = "weekly"
	FrequencyMonthly Frequency = "monthly"
)

// RunStatus of a collector run record.
type RunStatus string

const (
	RunStatusRunning RunStatus = "running"
	RunStatusSuccess RunStatus = "success"
	RunStatusError   RunStatus = "error"
)

// Mode selects where a collector gets its base URL and auth material.
type Mode string

const (
	// ModeHTTP uses the collector's own target and auth fields directly.
	ModeHTTP Mode = "http"
	// ModeIntegration inherits base URL and auth material from the linked
	// integration's stored config when the collector does not override them.
	ModeIntegration Mode = "integration"
)

// HTTPTarget describes the request a collector makes.
type HTTPTarget struct {
	BaseURL      string            `json:"baseUrl"`
	Endpoint     string            `json:"endpoint"`
	Method       string            `json:"method"`
	Headers      map[string]string `json:"headers,omitempty"`
	QueryParams  map[string]string `json:"queryParams,omitempty"`
	BodyTemplate string            `json:"bodyTemplate,omitempty"`
}

// ResponseMapping declares how an evidence document is derived from an
// arbitrary JSON response shape via field paths.
type ResponseMapping struct {
	// TitleTemplate may contain {{field}} placeholders resolved through
	// the field-path extractor against the parsed body.
	TitleTemplate string `json:"titleTemplate,omitempty"`
	// DescriptionPath optionally selects the evidence description.
	DescriptionPath string `json:"descriptionPath,omitempty"`
	// DataPath optionally selects a sub-tree as the evidence data;
	// defaults to the full body.
	DataPath string `json:"dataPath,omitempty"`
}

// Collector is the stored configuration describing how to call one
// external endpoint and how to turn its response into evidence.
type Collector struct {
	ID             string
	OrganizationID string
	ControlID      string
	Name           string

	Mode            Mode
	IntegrationID   string
	IntegrationType string

	Target  HTTPTarget
	Auth    AuthConfig
	Mapping ResponseMapping

	ScheduleEnabled bool
	Frequency       Frequency
	// NextRunAt is non-nil iff ScheduleEnabled and Frequency are set;
	// recomputed after every run and on every schedule-affecting update.
	NextRunAt *time.Time

	// Resilience overrides; zero means "use the process-wide default".
	TimeoutMs  int
	MaxRetries *int

	IsActive bool

	LastRunAt      *time.Time
	LastRunStatus  string
	LastRunError   string
	TotalRuns      int
	SuccessfulRuns int
}

// RunLogEntry is one append-only log line of a run.
type RunLogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
}

// Run is one execution attempt of a collector. Created in running state,
// it transitions exactly once to success or error and is never re-opened.
type Run struct {
	ID           string
	CollectorID  string
	Status       RunStatus
	StartedAt    time.Time
	CompletedAt  *time.Time
	ResponseCode *int
	EvidenceID   string
	ErrorMessage string
	Log          []RunLogEntry
}

// AppendLog adds a timestamped entry to the run log.
func (r *Run) AppendLog(message string) {
	r.Log = append(r.Log, RunLogEntry{Timestamp: time.Now().UTC(), Message: message})
}

// Evidence is the compliance artifact derived from a successful run. The
// sync engine never mutates it after creation.
type Evidence struct {
	ID             string
	OrganizationID string
	ControlID      string
	CollectorID    string
	Title          string
	Description    string
	Data           any
	StoragePath    string
	CreatedAt      time.Time
}

// Integration is the stored config of a linked vendor integration, the
// source of inherited base URL and auth material for integration-mode
// collectors.
type Integration struct {
	ID             string
	OrganizationID string
	Type           string
	Name           string
	BaseURL        string
	Config         map[string]any
}
