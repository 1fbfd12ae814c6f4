package generation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/skechum/internal/pricing"
	"github.com/MarkoPoloResearchLab/skechum/pkg/ledger"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type stubLedger struct {
	mu            sync.Mutex
	balance       ledger.Credits
	deductErr     error
	refundErr     error
	refunds       []ledger.RefundRequest
	refundCtxErrs []error
	captureErrs   []error
	captureCalls  int
	captured      []ledger.ChargeID
}

func (stub *stubLedger) DeductGeneration(_ context.Context, userID ledger.UserID, style ledger.Style, cost ledger.Credits) (ledger.Deduction, error) {
	stub.mu.Lock()
	defer stub.mu.Unlock()
	if stub.deductErr != nil {
		return ledger.Deduction{}, stub.deductErr
	}
	if stub.balance < cost {
		return ledger.Deduction{}, ledger.ErrInsufficientCredits
	}
	stub.balance -= cost
	chargeID, _ := ledger.NewChargeID("charge-1")
	return ledger.Deduction{
		Charge:           ledger.Charge{ChargeID: chargeID, UserID: userID, Style: style, Cost: cost, Origin: ledger.ChargeOriginGeneration, Status: ledger.ChargeStatusPending},
		RemainingCredits: stub.balance,
	}, nil
}

func (stub *stubLedger) Refund(ctx context.Context, _ ledger.UserID, request ledger.RefundRequest) (ledger.RefundResult, error) {
	stub.mu.Lock()
	defer stub.mu.Unlock()
	stub.refunds = append(stub.refunds, request)
	stub.refundCtxErrs = append(stub.refundCtxErrs, ctx.Err())
	if stub.refundErr != nil {
		return ledger.RefundResult{}, stub.refundErr
	}
	stub.balance += 2
	return ledger.RefundResult{Credits: stub.balance}, nil
}

func (stub *stubLedger) Capture(ctx context.Context, _ ledger.UserID, chargeID ledger.ChargeID) error {
	stub.mu.Lock()
	defer stub.mu.Unlock()
	index := stub.captureCalls
	stub.captureCalls++
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if index < len(stub.captureErrs) && stub.captureErrs[index] != nil {
		return stub.captureErrs[index]
	}
	stub.captured = append(stub.captured, chargeID)
	return nil
}

type scriptedProvider struct {
	mu          sync.Mutex
	submitErr   error
	statuses    []JobStatus
	statusCalls int
	images      []ProviderImage
	models      []string
}

func (provider *scriptedProvider) Submit(_ context.Context, model string, _ string) (string, error) {
	provider.mu.Lock()
	defer provider.mu.Unlock()
	provider.models = append(provider.models, model)
	if provider.submitErr != nil {
		return "", provider.submitErr
	}
	return "req-1", nil
}

func (provider *scriptedProvider) Status(context.Context, string, string) (JobStatus, error) {
	provider.mu.Lock()
	defer provider.mu.Unlock()
	index := provider.statusCalls
	provider.statusCalls++
	if len(provider.statuses) == 0 {
		return JobInProgress, nil
	}
	if index >= len(provider.statuses) {
		return provider.statuses[len(provider.statuses)-1], nil
	}
	return provider.statuses[index], nil
}

func (provider *scriptedProvider) Result(context.Context, string, string) ([]ProviderImage, error) {
	return provider.images, nil
}

type memoryImages struct {
	mu        sync.Mutex
	images    []Image
	afterSave func()
}

func (store *memoryImages) SaveImages(_ context.Context, images []Image) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.images = append(store.images, images...)
	if store.afterSave != nil {
		store.afterSave()
	}
	return nil
}

func (store *memoryImages) ListImages(_ context.Context, userID ledger.UserID, limit int) ([]Image, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	var images []Image
	for _, image := range store.images {
		if image.UserID == userID && len(images) < limit {
			images = append(images, image)
		}
	}
	return images, nil
}

type recordedGeneration struct {
	style string
	state State
}

type recorderMetrics struct {
	mu              sync.Mutex
	recorded        []recordedGeneration
	captureFailures []string
}

func (metrics *recorderMetrics) ObserveGeneration(style string, state State, _ time.Duration) {
	metrics.mu.Lock()
	defer metrics.mu.Unlock()
	metrics.recorded = append(metrics.recorded, recordedGeneration{style: style, state: state})
}

func (metrics *recorderMetrics) ObserveCaptureFailure(style string) {
	metrics.mu.Lock()
	defer metrics.mu.Unlock()
	metrics.captureFailures = append(metrics.captureFailures, style)
}

type orchestratorFixture struct {
	orchestrator *Orchestrator
	ledger       *stubLedger
	provider     *scriptedProvider
	images       *memoryImages
	metrics      *recorderMetrics
	logs         *observer.ObservedLogs
}

func newOrchestratorFixture(test *testing.T, config Config) orchestratorFixture {
	test.Helper()
	styles, err := pricing.NewStyleTable(pricing.DefaultStyles())
	if err != nil {
		test.Fatalf("style table: %v", err)
	}
	core, logs := observer.New(zapcore.InfoLevel)
	fixture := orchestratorFixture{
		ledger:   &stubLedger{balance: 5},
		provider: &scriptedProvider{images: []ProviderImage{{URL: "https://cdn.example.com/1.png", Width: 1024, Height: 768}}},
		images:   &memoryImages{},
		metrics:  &recorderMetrics{},
		logs:     logs,
	}
	fixture.orchestrator, err = NewOrchestrator(fixture.ledger, fixture.provider, fixture.images, styles, config,
		WithLogger(zap.New(core)), WithMetrics(fixture.metrics), WithClock(func() int64 { return 1700000000 }))
	if err != nil {
		test.Fatalf("orchestrator init failed: %v", err)
	}
	return fixture
}

func fastConfig() Config {
	return Config{PollInterval: time.Millisecond, MaxPollAttempts: 5, Timeout: time.Second, RefundTimeout: time.Second}
}

func newRequest(test *testing.T, style string) Request {
	test.Helper()
	userID, err := ledger.NewUserID("user-1")
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	parsedStyle, err := ledger.NewStyle(style)
	if err != nil {
		test.Fatalf("style: %v", err)
	}
	return Request{UserID: userID, Prompt: "a lighthouse at dusk", Style: parsedStyle}
}

func TestGenerateCompletesAndCaptures(test *testing.T) {
	fixture := newOrchestratorFixture(test, fastConfig())
	fixture.provider.statuses = []JobStatus{JobInQueue, JobInProgress, JobCompleted}

	outcome, err := fixture.orchestrator.Generate(context.Background(), newRequest(test, "watercolor"))
	if err != nil {
		test.Fatalf("generate failed: %v", err)
	}
	if outcome.State != StateCompleted || outcome.RequestID != "req-1" || outcome.Cost != 2 || outcome.RemainingCredits != 3 {
		test.Fatalf("unexpected outcome: %+v", outcome)
	}
	if len(outcome.Images) != 1 || len(fixture.images.images) != 1 || fixture.images.images[0].Prompt != "a lighthouse at dusk" {
		test.Fatalf("expected persisted image, got %+v", fixture.images.images)
	}
	if len(fixture.ledger.captured) != 1 || len(fixture.ledger.refunds) != 0 {
		test.Fatalf("expected capture without refund, captured=%v refunds=%v", fixture.ledger.captured, fixture.ledger.refunds)
	}
	if fixture.metrics.recorded[0].state != StateCompleted || fixture.metrics.recorded[0].style != "watercolor" {
		test.Fatalf("unexpected metrics: %+v", fixture.metrics.recorded)
	}
	if transitions := fixture.logs.FilterMessage("generation state").Len(); transitions != 4 {
		test.Fatalf("expected four state transitions, got %d", transitions)
	}
	if fixture.logs.FilterMessage("unknown style priced at default").Len() != 0 {
		test.Fatalf("configured style must not be reported as unknown")
	}
}

func TestGenerateUsesDefaultPriceForUnknownStyle(test *testing.T) {
	fixture := newOrchestratorFixture(test, fastConfig())
	fixture.provider.statuses = []JobStatus{JobCompleted}

	outcome, err := fixture.orchestrator.Generate(context.Background(), newRequest(test, "vaporwave"))
	if err != nil {
		test.Fatalf("generate failed: %v", err)
	}
	if outcome.Cost != 1 || fixture.provider.models[0] != "fal-ai/flux/dev" {
		test.Fatalf("expected default price and model, got cost=%d models=%v", outcome.Cost, fixture.provider.models)
	}
	logged := fixture.logs.FilterMessage("unknown style priced at default").All()
	if len(logged) != 1 || logged[0].ContextMap()["style"] != "vaporwave" {
		test.Fatalf("expected one unknown style log, got %d", len(logged))
	}
}

func TestGenerateInsufficientCreditsHaltsBeforeSubmission(test *testing.T) {
	fixture := newOrchestratorFixture(test, fastConfig())
	fixture.ledger.balance = 1

	outcome, err := fixture.orchestrator.Generate(context.Background(), newRequest(test, "photorealistic"))
	if !errors.Is(err, ledger.ErrInsufficientCredits) {
		test.Fatalf("expected ErrInsufficientCredits, got %v", err)
	}
	if outcome.State != StateDeducting {
		test.Fatalf("expected deducting state, got %s", outcome.State)
	}
	if len(fixture.provider.models) != 0 || len(fixture.ledger.refunds) != 0 {
		test.Fatalf("no submission or refund expected")
	}
}

func TestGenerateRefundsOnFailure(test *testing.T) {
	testCases := []struct {
		name          string
		config        Config
		configure     func(*scriptedProvider)
		expectedErr   error
		expectedState State
		reason        string
	}{
		{
			name:          "submit error",
			config:        fastConfig(),
			configure:     func(provider *scriptedProvider) { provider.submitErr = errors.New("queue unavailable") },
			expectedErr:   ErrGenerationFailed,
			expectedState: StateFailed,
			reason:        ledger.RefundReasonFailed,
		},
		{
			name:          "provider reports failure",
			config:        fastConfig(),
			configure:     func(provider *scriptedProvider) { provider.statuses = []JobStatus{JobInQueue, JobFailed} },
			expectedErr:   ErrGenerationFailed,
			expectedState: StateFailed,
			reason:        ledger.RefundReasonFailed,
		},
		{
			name:          "completed without images",
			config:        fastConfig(),
			configure:     func(provider *scriptedProvider) { provider.statuses = []JobStatus{JobCompleted}; provider.images = nil },
			expectedErr:   ErrGenerationFailed,
			expectedState: StateFailed,
			reason:        ledger.RefundReasonFailed,
		},
		{
			name:          "attempts exhausted",
			config:        fastConfig(),
			configure:     func(provider *scriptedProvider) { provider.statuses = []JobStatus{JobInProgress} },
			expectedErr:   ErrGenerationTimeout,
			expectedState: StateTimedOut,
			reason:        ledger.RefundReasonTimeout,
		},
		{
			name:          "deadline exceeded",
			config:        Config{PollInterval: 5 * time.Millisecond, MaxPollAttempts: 100000, Timeout: 30 * time.Millisecond},
			configure:     func(provider *scriptedProvider) { provider.statuses = []JobStatus{JobInQueue} },
			expectedErr:   ErrGenerationTimeout,
			expectedState: StateTimedOut,
			reason:        ledger.RefundReasonTimeout,
		},
	}
	for _, testCase := range testCases {
		test.Run(testCase.name, func(test *testing.T) {
			fixture := newOrchestratorFixture(test, testCase.config)
			testCase.configure(fixture.provider)

			outcome, err := fixture.orchestrator.Generate(context.Background(), newRequest(test, "watercolor"))
			if !errors.Is(err, testCase.expectedErr) {
				test.Fatalf("expected %v, got %v", testCase.expectedErr, err)
			}
			if outcome.State != testCase.expectedState || !outcome.Refunded || outcome.RemainingCredits != 5 {
				test.Fatalf("unexpected outcome: %+v", outcome)
			}
			if len(fixture.ledger.refunds) != 1 || fixture.ledger.refunds[0].Reason != testCase.reason || fixture.ledger.refunds[0].ChargeID.String() != "charge-1" || fixture.ledger.refunds[0].Origin != ledger.ChargeOriginGeneration {
				test.Fatalf("unexpected refunds: %+v", fixture.ledger.refunds)
			}
			if len(fixture.ledger.captured) != 0 || len(fixture.images.images) != 0 {
				test.Fatalf("failed generation must not capture or persist")
			}
		})
	}
}

func TestGenerateSwallowsRefundFailure(test *testing.T) {
	fixture := newOrchestratorFixture(test, fastConfig())
	fixture.provider.statuses = []JobStatus{JobFailed}
	refundErr := errors.New("store offline")
	fixture.ledger.refundErr = refundErr

	outcome, err := fixture.orchestrator.Generate(context.Background(), newRequest(test, "sketch"))
	if !errors.Is(err, ErrGenerationFailed) || errors.Is(err, refundErr) {
		test.Fatalf("caller must see the generation failure only, got %v", err)
	}
	if outcome.Refunded {
		test.Fatalf("outcome must not report a refund that failed")
	}
	logged := fixture.logs.FilterMessage("generation refund failed").All()
	if len(logged) != 1 || logged[0].Level != zapcore.ErrorLevel {
		test.Fatalf("expected one refund failure log, got %d", len(logged))
	}
}

func TestGenerateRefundsOnDetachedContext(test *testing.T) {
	fixture := newOrchestratorFixture(test, Config{PollInterval: 5 * time.Millisecond, MaxPollAttempts: 100000, Timeout: time.Minute})
	fixture.provider.statuses = []JobStatus{JobInProgress}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := fixture.orchestrator.Generate(ctx, newRequest(test, "sketch"))
	if !errors.Is(err, ErrGenerationTimeout) {
		test.Fatalf("expected ErrGenerationTimeout after caller cancellation, got %v", err)
	}
	if len(fixture.ledger.refundCtxErrs) != 1 || fixture.ledger.refundCtxErrs[0] != nil {
		test.Fatalf("refund must run on a live context, got %v", fixture.ledger.refundCtxErrs)
	}
}

func TestGenerateCaptureHandling(test *testing.T) {
	storeOutage := ledger.WrapStoreError("charge", "update_status", errors.New("connection reset"))
	testCases := []struct {
		name             string
		captureErrs      []error
		wantErr          error
		wantState        State
		wantImages       int
		wantCaptureCalls int
		wantFailures     int
	}{
		{name: "retries store outage", captureErrs: []error{storeOutage, nil}, wantState: StateCompleted, wantImages: 1, wantCaptureCalls: 2},
		{name: "counts exhausted retries", captureErrs: []error{storeOutage, storeOutage, storeOutage}, wantState: StateCompleted, wantImages: 1, wantCaptureCalls: captureAttempts, wantFailures: 1},
		{name: "closed charge withholds images", captureErrs: []error{ledger.ErrChargeClosed}, wantErr: ErrGenerationFailed, wantState: StateFailed, wantCaptureCalls: 1, wantFailures: 1},
	}
	for _, testCase := range testCases {
		test.Run(testCase.name, func(test *testing.T) {
			fixture := newOrchestratorFixture(test, fastConfig())
			fixture.provider.statuses = []JobStatus{JobCompleted}
			fixture.ledger.captureErrs = testCase.captureErrs

			outcome, err := fixture.orchestrator.Generate(context.Background(), newRequest(test, "watercolor"))
			if !errors.Is(err, testCase.wantErr) {
				test.Fatalf("expected %v, got %v", testCase.wantErr, err)
			}
			if outcome.State != testCase.wantState || len(outcome.Images) != testCase.wantImages {
				test.Fatalf("unexpected outcome: %+v", outcome)
			}
			if fixture.ledger.captureCalls != testCase.wantCaptureCalls {
				test.Fatalf("expected %d capture calls, got %d", testCase.wantCaptureCalls, fixture.ledger.captureCalls)
			}
			if len(fixture.metrics.captureFailures) != testCase.wantFailures {
				test.Fatalf("expected %d capture failures, got %v", testCase.wantFailures, fixture.metrics.captureFailures)
			}
			if len(fixture.ledger.refunds) != 0 {
				test.Fatalf("capture path must not refund, got %+v", fixture.ledger.refunds)
			}
		})
	}
}

func TestGenerateCapturesAfterCallerCancels(test *testing.T) {
	fixture := newOrchestratorFixture(test, fastConfig())
	fixture.provider.statuses = []JobStatus{JobCompleted}
	ctx, cancel := context.WithCancel(context.Background())
	fixture.images.afterSave = cancel

	outcome, err := fixture.orchestrator.Generate(ctx, newRequest(test, "sketch"))
	if err != nil || outcome.State != StateCompleted {
		test.Fatalf("expected completed generation, got %+v err=%v", outcome, err)
	}
	if len(fixture.ledger.captured) != 1 {
		test.Fatalf("capture must run on a live context, calls=%d", fixture.ledger.captureCalls)
	}
}

func TestGenerateRejectsEmptyPrompt(test *testing.T) {
	fixture := newOrchestratorFixture(test, fastConfig())
	request := newRequest(test, "sketch")
	request.Prompt = "   "
	if _, err := fixture.orchestrator.Generate(context.Background(), request); !errors.Is(err, ErrInvalidPrompt) {
		test.Fatalf("expected ErrInvalidPrompt, got %v", err)
	}
	if fixture.ledger.balance != 5 {
		test.Fatalf("empty prompt must not deduct")
	}
}

func TestClampTimeout(test *testing.T) {
	testCases := []struct {
		input    time.Duration
		expected time.Duration
	}{
		{input: 0, expected: DefaultTimeout},
		{input: time.Second, expected: MinTimeout},
		{input: 90 * time.Second, expected: 90 * time.Second},
		{input: time.Hour, expected: MaxTimeout},
	}
	for _, testCase := range testCases {
		if clamped := ClampTimeout(testCase.input); clamped != testCase.expected {
			test.Fatalf("ClampTimeout(%s) = %s, want %s", testCase.input, clamped, testCase.expected)
		}
	}
}

func TestNewOrchestratorValidatesDependencies(test *testing.T) {
	if _, err := NewOrchestrator(nil, nil, nil, nil, Config{}); !errors.Is(err, ErrInvalidOrchestratorConfig) {
		test.Fatalf("expected ErrInvalidOrchestratorConfig, got %v", err)
	}
}
