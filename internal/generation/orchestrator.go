package generation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/skechum/internal/pricing"
	"github.com/MarkoPoloResearchLab/skechum/pkg/ledger"
	"go.uber.org/zap"
)

const (
	DefaultPollInterval    = 2 * time.Second
	DefaultMaxPollAttempts = 60
	DefaultTimeout         = 120 * time.Second
	MinTimeout             = 25 * time.Second
	MaxTimeout             = 300 * time.Second
	DefaultRefundTimeout   = 10 * time.Second

	captureAttempts = 3
)

// Config bounds the polling loop. RefundTimeout bounds the detached refund or capture
// that closes a charge. Zero values take the defaults.
type Config struct {
	PollInterval    time.Duration
	MaxPollAttempts int
	Timeout         time.Duration
	RefundTimeout   time.Duration
}

func (config Config) withDefaults() Config {
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultPollInterval
	}
	if config.MaxPollAttempts <= 0 {
		config.MaxPollAttempts = DefaultMaxPollAttempts
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultTimeout
	}
	if config.RefundTimeout <= 0 {
		config.RefundTimeout = DefaultRefundTimeout
	}
	return config
}

// ClampTimeout keeps a configured generation timeout within [MinTimeout, MaxTimeout].
func ClampTimeout(timeout time.Duration) time.Duration {
	switch {
	case timeout <= 0:
		return DefaultTimeout
	case timeout < MinTimeout:
		return MinTimeout
	case timeout > MaxTimeout:
		return MaxTimeout
	default:
		return timeout
	}
}

// Orchestrator runs a paid generation: deduct, submit, poll, then capture or refund.
type Orchestrator struct {
	ledger   Ledger
	provider Provider
	images   ImageStore
	styles   *pricing.StyleTable
	config   Config
	nowFn    func() int64
	logger   *zap.Logger
	metrics  MetricsRecorder
}

// Option configures optional Orchestrator behavior.
type Option func(*Orchestrator)

// WithLogger overrides the no-op logger.
func WithLogger(logger *zap.Logger) Option {
	return func(orchestrator *Orchestrator) {
		if logger != nil {
			orchestrator.logger = logger
		}
	}
}

// WithMetrics records the duration and final state of every generation.
func WithMetrics(recorder MetricsRecorder) Option {
	return func(orchestrator *Orchestrator) {
		orchestrator.metrics = recorder
	}
}

// WithClock overrides the clock used for image timestamps.
func WithClock(now func() int64) Option {
	return func(orchestrator *Orchestrator) {
		if now != nil {
			orchestrator.nowFn = now
		}
	}
}

// NewOrchestrator wires an Orchestrator.
func NewOrchestrator(ledgerService Ledger, provider Provider, images ImageStore, styles *pricing.StyleTable, config Config, options ...Option) (*Orchestrator, error) {
	switch {
	case ledgerService == nil:
		return nil, fmt.Errorf("%w: ledger dependency is nil", ErrInvalidOrchestratorConfig)
	case provider == nil:
		return nil, fmt.Errorf("%w: provider dependency is nil", ErrInvalidOrchestratorConfig)
	case images == nil:
		return nil, fmt.Errorf("%w: image store dependency is nil", ErrInvalidOrchestratorConfig)
	case styles == nil:
		return nil, fmt.Errorf("%w: style table is nil", ErrInvalidOrchestratorConfig)
	}
	orchestrator := &Orchestrator{
		ledger:   ledgerService,
		provider: provider,
		images:   images,
		styles:   styles,
		config:   config.withDefaults(),
		nowFn:    func() int64 { return time.Now().UTC().Unix() },
		logger:   zap.NewNop(),
	}
	for _, option := range options {
		if option != nil {
			option(orchestrator)
		}
	}
	return orchestrator, nil
}

// Generate runs one generation to a terminal state. The charge is held under
// ledger.ChargeOriginGeneration so client refunds cannot close it mid-flight. Failures
// after the deduction are refunded on a context detached from ctx; a refund failure is
// logged and the caller still receives ErrGenerationFailed or ErrGenerationTimeout.
func (orchestrator *Orchestrator) Generate(ctx context.Context, request Request) (Outcome, error) {
	startedAt := time.Now()
	price := orchestrator.styles.Price(request.Style)
	outcome := Outcome{State: StateIdle, Cost: price.Cost}
	defer func() {
		if orchestrator.metrics != nil && outcome.State != StateIdle {
			orchestrator.metrics.ObserveGeneration(price.Style.String(), outcome.State, time.Since(startedAt))
		}
	}()

	prompt := strings.TrimSpace(request.Prompt)
	if prompt == "" {
		return outcome, fmt.Errorf("%w: empty prompt", ErrInvalidPrompt)
	}

	if !orchestrator.styles.Known(request.Style) {
		orchestrator.logger.Info("unknown style priced at default",
			zap.String("user_id", request.UserID.String()),
			zap.String("style", request.Style.String()),
			zap.Int64("cost", price.Cost.Int64()),
		)
	}

	orchestrator.transition(&outcome, request, StateDeducting)
	deduction, err := orchestrator.ledger.DeductGeneration(ctx, request.UserID, price.Style, price.Cost)
	if err != nil {
		orchestrator.logger.Info("generation halted before submission", zap.String("user_id", request.UserID.String()), zap.Error(err))
		return outcome, err
	}
	outcome.ChargeID = deduction.Charge.ChargeID
	outcome.RemainingCredits = deduction.RemainingCredits

	requestID, err := orchestrator.provider.Submit(ctx, price.Model, prompt)
	if err != nil {
		return orchestrator.abort(ctx, &outcome, request, StateFailed, fmt.Errorf("%w: submit: %v", ErrGenerationFailed, err))
	}
	outcome.RequestID = requestID
	orchestrator.transition(&outcome, request, StateSubmitted)

	providerImages, err := orchestrator.poll(ctx, &outcome, request, price.Model)
	if errors.Is(err, ErrGenerationTimeout) {
		return orchestrator.abort(ctx, &outcome, request, StateTimedOut, err)
	}
	if err != nil {
		return orchestrator.abort(ctx, &outcome, request, StateFailed, err)
	}

	images := orchestrator.buildImages(request, outcome, price, prompt, providerImages)
	if err := orchestrator.images.SaveImages(ctx, images); err != nil {
		return orchestrator.abort(ctx, &outcome, request, StateFailed, fmt.Errorf("%w: persist images: %v", ErrGenerationFailed, err))
	}
	if err := orchestrator.capture(ctx, request.UserID, outcome.ChargeID); err != nil {
		orchestrator.logger.Error("charge capture failed", zap.String("user_id", request.UserID.String()), zap.String("charge_id", outcome.ChargeID.String()), zap.Error(err))
		if orchestrator.metrics != nil {
			orchestrator.metrics.ObserveCaptureFailure(price.Style.String())
		}
		// A closed charge was refunded elsewhere; the images are not delivered.
		if errors.Is(err, ledger.ErrChargeClosed) {
			orchestrator.transition(&outcome, request, StateFailed)
			return outcome, fmt.Errorf("%w: charge closed before capture", ErrGenerationFailed)
		}
	}
	outcome.Images = images
	orchestrator.transition(&outcome, request, StateCompleted)
	return outcome, nil
}

// Images lists the user's gallery, newest first.
func (orchestrator *Orchestrator) Images(ctx context.Context, userID ledger.UserID, limit int) ([]Image, error) {
	return orchestrator.images.ListImages(ctx, userID, limit)
}

func (orchestrator *Orchestrator) poll(ctx context.Context, outcome *Outcome, request Request, model string) ([]ProviderImage, error) {
	pollContext, cancel := context.WithTimeout(ctx, orchestrator.config.Timeout)
	defer cancel()
	ticker := time.NewTicker(orchestrator.config.PollInterval)
	defer ticker.Stop()

	orchestrator.transition(outcome, request, StatePolling)
	for attempt := 1; attempt <= orchestrator.config.MaxPollAttempts; attempt++ {
		select {
		case <-pollContext.Done():
			return nil, fmt.Errorf("%w: after %d attempts", ErrGenerationTimeout, attempt-1)
		case <-ticker.C:
		}

		status, err := orchestrator.provider.Status(pollContext, model, outcome.RequestID)
		if err != nil {
			if pollContext.Err() != nil {
				return nil, fmt.Errorf("%w: %v", ErrGenerationTimeout, err)
			}
			return nil, fmt.Errorf("%w: status: %v", ErrGenerationFailed, err)
		}
		switch status {
		case JobCompleted:
			images, err := orchestrator.provider.Result(pollContext, model, outcome.RequestID)
			if err != nil {
				if pollContext.Err() != nil {
					return nil, fmt.Errorf("%w: %v", ErrGenerationTimeout, err)
				}
				return nil, fmt.Errorf("%w: result: %v", ErrGenerationFailed, err)
			}
			if len(images) == 0 {
				return nil, fmt.Errorf("%w: provider returned no images", ErrGenerationFailed)
			}
			return images, nil
		case JobFailed:
			return nil, fmt.Errorf("%w: provider reported failure", ErrGenerationFailed)
		}
	}
	return nil, fmt.Errorf("%w: exhausted %d attempts", ErrGenerationTimeout, orchestrator.config.MaxPollAttempts)
}

// capture retries store failures on a context detached from ctx, so a client that
// disconnects after the images persist still gets its charge closed.
func (orchestrator *Orchestrator) capture(ctx context.Context, userID ledger.UserID, chargeID ledger.ChargeID) error {
	captureContext, cancel := context.WithTimeout(context.WithoutCancel(ctx), orchestrator.config.RefundTimeout)
	defer cancel()
	var err error
	for attempt := 1; attempt <= captureAttempts; attempt++ {
		err = orchestrator.ledger.Capture(captureContext, userID, chargeID)
		if err == nil || !ledger.IsStoreError(err) || attempt == captureAttempts {
			return err
		}
		select {
		case <-captureContext.Done():
			return err
		case <-time.After(orchestrator.config.PollInterval):
		}
	}
	return err
}

func (orchestrator *Orchestrator) abort(ctx context.Context, outcome *Outcome, request Request, state State, cause error) (Outcome, error) {
	orchestrator.transition(outcome, request, state)
	reason := ledger.RefundReasonFailed
	if state == StateTimedOut {
		reason = ledger.RefundReasonTimeout
	}

	refundContext, cancel := context.WithTimeout(context.WithoutCancel(ctx), orchestrator.config.RefundTimeout)
	defer cancel()
	result, err := orchestrator.ledger.Refund(refundContext, request.UserID, ledger.RefundRequest{ChargeID: outcome.ChargeID, Origin: ledger.ChargeOriginGeneration, Reason: reason})
	if err != nil {
		orchestrator.logger.Error("generation refund failed",
			zap.String("user_id", request.UserID.String()),
			zap.String("charge_id", outcome.ChargeID.String()),
			zap.String("reason", reason),
			zap.NamedError("cause", cause),
			zap.Error(err),
		)
		return *outcome, cause
	}
	outcome.Refunded = true
	outcome.RemainingCredits = result.Credits
	return *outcome, cause
}

func (orchestrator *Orchestrator) transition(outcome *Outcome, request Request, next State) {
	orchestrator.logger.Info("generation state",
		zap.String("user_id", request.UserID.String()),
		zap.String("from", outcome.State.String()),
		zap.String("to", next.String()),
		zap.String("charge_id", outcome.ChargeID.String()),
		zap.String("request_id", outcome.RequestID),
	)
	outcome.State = next
}

func (orchestrator *Orchestrator) buildImages(request Request, outcome Outcome, price pricing.StylePrice, prompt string, providerImages []ProviderImage) []Image {
	nowUnixUTC := orchestrator.nowFn()
	images := make([]Image, 0, len(providerImages))
	for _, providerImage := range providerImages {
		images = append(images, Image{
			UserID:         request.UserID,
			RequestID:      outcome.RequestID,
			ChargeID:       outcome.ChargeID,
			Style:          price.Style,
			Prompt:         prompt,
			URL:            providerImage.URL,
			Width:          providerImage.Width,
			Height:         providerImage.Height,
			Model:          price.Model,
			CreatedUnixUTC: nowUnixUTC,
		})
	}
	return images
}
