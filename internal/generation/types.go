package generation

import (
	"context"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/skechum/pkg/ledger"
)

var (
	ErrGenerationFailed          = errors.New("generation failed")
	ErrGenerationTimeout         = errors.New("generation timed out")
	ErrInvalidPrompt             = errors.New("invalid prompt")
	ErrInvalidOrchestratorConfig = errors.New("invalid orchestrator config")
)

// State is a step of a paid generation.
type State string

const (
	StateIdle      State = "idle"
	StateDeducting State = "deducting"
	StateSubmitted State = "submitted"
	StatePolling   State = "polling"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateTimedOut  State = "timed_out"
)

func (state State) String() string {
	return string(state)
}

// JobStatus is the provider's queue status for a submitted request.
type JobStatus string

const (
	JobInQueue    JobStatus = "IN_QUEUE"
	JobInProgress JobStatus = "IN_PROGRESS"
	JobCompleted  JobStatus = "COMPLETED"
	JobFailed     JobStatus = "FAILED"
)

// ProviderImage is a rendered image returned by the provider.
type ProviderImage struct {
	URL    string `json:"url"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

// Provider is the external queue-based image API.
type Provider interface {
	Submit(ctx context.Context, model string, prompt string) (string, error)
	Status(ctx context.Context, model string, requestID string) (JobStatus, error)
	Result(ctx context.Context, model string, requestID string) ([]ProviderImage, error)
}

// Ledger is the slice of ledger.Service a generation needs.
type Ledger interface {
	DeductGeneration(ctx context.Context, userID ledger.UserID, style ledger.Style, cost ledger.Credits) (ledger.Deduction, error)
	Refund(ctx context.Context, userID ledger.UserID, request ledger.RefundRequest) (ledger.RefundResult, error)
	Capture(ctx context.Context, userID ledger.UserID, chargeID ledger.ChargeID) error
}

// Image is a persisted generated image.
type Image struct {
	ImageID        string
	UserID         ledger.UserID
	RequestID      string
	ChargeID       ledger.ChargeID
	Style          ledger.Style
	Prompt         string
	URL            string
	Width          int
	Height         int
	Model          string
	CreatedUnixUTC int64
}

// ImageStore persists the gallery.
type ImageStore interface {
	SaveImages(ctx context.Context, images []Image) error
	ListImages(ctx context.Context, userID ledger.UserID, limit int) ([]Image, error)
}

// MetricsRecorder observes finished generations.
type MetricsRecorder interface {
	ObserveGeneration(style string, state State, elapsed time.Duration)
	// ObserveCaptureFailure counts generations whose charge could not be captured.
	ObserveCaptureFailure(style string)
}

// Request asks for one paid generation.
type Request struct {
	UserID ledger.UserID
	Prompt string
	Style  ledger.Style
}

// Outcome reports where a generation ended. RemainingCredits reflects the refund when one succeeded.
type Outcome struct {
	State            State
	ChargeID         ledger.ChargeID
	RequestID        string
	Cost             ledger.Credits
	RemainingCredits ledger.Credits
	Images           []Image
	Refunded         bool
}
