package queue

import (
	"encoding/json"
	"strings"
	"time"
)

// Status represents the lifecycle of a queue item.
type Status string

const (
	StatusPending    Status = "pending"
	StatusValidating Status = "validating"
	StatusConverting Status = "converting"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

var allStatuses = []Status{
	StatusPending,
	StatusValidating,
	StatusConverting,
	StatusCompleted,
	StatusFailed,
	StatusCancelled,
}

var statusSet = func() map[Status]struct{} {
	set := make(map[Status]struct{}, len(allStatuses))
	for _, status := range allStatuses {
		set[status] = struct{}{}
	}
	return set
}()

var processingStatuses = map[Status]struct{}{
	StatusValidating: {},
	StatusConverting: {},
}

// Constraints carries the device-side limits a job was enqueued with.
type Constraints struct {
	MaxDimension   int `json:"max_dimension,omitempty"`
	DeviceMemoryMB int `json:"device_memory_mb,omitempty"`
}

// Job is the enqueue request: one source artifact and the formats to
// produce from it.
type Job struct {
	SourcePath    string
	SourceData    []byte
	TargetFormats []string
	Constraints   Constraints
}

// FormatOutcome records how one target format ended. Outcomes are additive:
// a later format's failure never clears an earlier format's success.
type FormatOutcome struct {
	OutputPath   string    `json:"output_path,omitempty"`
	AttemptsUsed int       `json:"attempts_used"`
	ErrorKind    string    `json:"error_kind,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`
	FinishedAt   time.Time `json:"finished_at"`
}

// Succeeded reports whether the format produced output.
func (o FormatOutcome) Succeeded() bool {
	return o.OutputPath != "" && o.ErrorKind == ""
}

// HealthSummary describes aggregated queue counts per key lifecycle states.
type HealthSummary struct {
	Total      int
	Pending    int
	Processing int
	Completed  int
	Failed     int
	Cancelled  int
}

// Item represents a conversion job persisted in SQLite.
type Item struct {
	ID              int64
	JobID           string
	SourcePath      string
	StagedSource    string
	TargetFormats   []string
	Constraints     Constraints
	Status          Status
	Results         map[string]FormatOutcome
	ErrorMessage    string
	ErrorKind       string
	SourceFormat    string
	SourceWidth     int
	SourceHeight    int
	CreatedAt       time.Time
	UpdatedAt       time.Time
	StartedAt       *time.Time
	CompletedAt     *time.Time
	ProgressStage   string
	ProgressPercent float64
	ProgressMessage string
}

// AllStatuses returns the ordered list of known statuses.
func AllStatuses() []Status {
	cp := make([]Status, len(allStatuses))
	copy(cp, allStatuses)
	return cp
}

// ParseStatus converts a string into a known Status.
func ParseStatus(value string) (Status, bool) {
	normalized := Status(strings.ToLower(strings.TrimSpace(value)))
	if normalized == "" {
		return "", false
	}
	_, ok := statusSet[normalized]
	return normalized, ok
}

// IsProcessing returns true when the status reflects an in-flight operation.
func (i Item) IsProcessing() bool {
	return IsProcessingStatus(i.Status)
}

// IsProcessingStatus reports whether a status reflects an in-flight operation.
func IsProcessingStatus(status Status) bool {
	_, ok := processingStatuses[status]
	return ok
}

// IsTerminal reports whether the status is a settled end state.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// SetResult records the outcome for one target format.
func (i *Item) SetResult(format string, outcome FormatOutcome) {
	if i.Results == nil {
		i.Results = make(map[string]FormatOutcome)
	}
	i.Results[format] = outcome
}

// SucceededFormats returns the formats with a recorded successful outcome.
func (i *Item) SucceededFormats() []string {
	var formats []string
	for _, format := range i.TargetFormats {
		if outcome, ok := i.Results[format]; ok && outcome.Succeeded() {
			formats = append(formats, format)
		}
	}
	return formats
}

// SetProgress updates all three progress fields atomically.
func (i *Item) SetProgress(stage, message string, percent float64) {
	i.ProgressStage = stage
	i.ProgressMessage = message
	i.ProgressPercent = percent
}

// SetFailed marks the item as failed with the given classification.
func (i *Item) SetFailed(kind, message string) {
	i.Status = StatusFailed
	i.ErrorKind = kind
	i.ErrorMessage = message
	i.ProgressStage = "Failed"
	i.ProgressMessage = message
	now := time.Now().UTC()
	i.CompletedAt = &now
}

func encodeFormats(formats []string) (string, error) {
	data, err := json.Marshal(formats)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func decodeFormats(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	var formats []string
	if err := json.Unmarshal([]byte(raw), &formats); err != nil {
		return nil
	}
	return formats
}

func encodeConstraints(c Constraints) (string, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func decodeConstraints(raw string) Constraints {
	var c Constraints
	if strings.TrimSpace(raw) == "" {
		return c
	}
	_ = json.Unmarshal([]byte(raw), &c)
	return c
}

func encodeResults(results map[string]FormatOutcome) (string, error) {
	if len(results) == 0 {
		return "", nil
	}
	data, err := json.Marshal(results)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func decodeResults(raw string) map[string]FormatOutcome {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	results := make(map[string]FormatOutcome)
	if err := json.Unmarshal([]byte(raw), &results); err != nil {
		return nil
	}
	return results
}
