package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageRunStart   Stage = "RUN_START"
	StageRunStop    Stage = "RUN_STOP"
	StageDispatch   Stage = "DISPATCH"
	StageFetchDone  Stage = "FETCH_DONE"
	StageRetry      Stage = "RETRY"
	StageTaskDone   Stage = "TASK_DONE"
	StageTaskFailed Stage = "TASK_FAILED"
	StageSkipped    Stage = "SKIPPED"
	StageDrained    Stage = "DRAINED"
)

// StatusClass is a coarse HTTP response grouping.
type StatusClass string

// Supported HTTP status classes tracked for fetch completions. StatusOther
// also covers attempts that never produced a response.
const (
	Status2xx   StatusClass = "2xx"
	Status3xx   StatusClass = "3xx"
	Status4xx   StatusClass = "4xx"
	Status5xx   StatusClass = "5xx"
	StatusOther StatusClass = "other"
)

// Event captures a single component of crawler progress.
type Event struct {
	// RunID identifies one Start..Stop cycle of the engine using the 16-byte UUID form.
	RunID [16]byte
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Stage denotes which lifecycle or fetch milestone occurred.
	Stage Stage
	// Site optionally scopes task events to a host label.
	Site string
	// URL is the optional task URL.
	URL string
	// Proxy is the redacted proxy used for the attempt, if any.
	Proxy string
	// Attempt is the 1-based attempt number for fetch and retry events.
	Attempt int
	// RetriesLeft is the task budget at the time of the event.
	RetriesLeft int
	// Bytes carries the response size for the fetch.
	Bytes int64
	// StatusClass groups HTTP response codes (2xx, 3xx, etc).
	StatusClass StatusClass
	// Dur captures fetch latency or run duration.
	Dur time.Duration
	// Note lets emitters attach low-volume debug context (e.g. error text).
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.RunID == [16]byte{} {
		return errors.New("run id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageRunStart, StageRunStop, StageDrained:
	case StageDispatch, StageRetry, StageTaskDone, StageTaskFailed, StageSkipped:
		if e.Site == "" {
			return fmt.Errorf("%s requires site", e.Stage)
		}
	case StageFetchDone:
		if e.Site == "" {
			return errors.New("fetch done requires site")
		}
		if e.StatusClass == "" {
			return errors.New("fetch done requires status class")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// RunUUID converts the binary run ID to uuid.UUID for repositories.
func (e Event) RunUUID() uuid.UUID {
	return uuid.UUID(e.RunID)
}

// UUIDToBytes encodes a uuid.UUID into the Event form.
func UUIDToBytes(id uuid.UUID) [16]byte {
	var dest [16]byte
	copy(dest[:], id[:])
	return dest
}

// ClassifyStatus groups HTTP status codes for fetch events.
func ClassifyStatus(code int) StatusClass {
	switch {
	case code >= 200 && code < 300:
		return Status2xx
	case code >= 300 && code < 400:
		return Status3xx
	case code >= 400 && code < 500:
		return Status4xx
	case code >= 500 && code < 600:
		return Status5xx
	default:
		return StatusOther
	}
}
