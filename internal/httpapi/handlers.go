package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/skechum/internal/generation"
	"github.com/MarkoPoloResearchLab/skechum/internal/payments"
	"github.com/MarkoPoloResearchLab/skechum/pkg/ledger"
	"github.com/gin-gonic/gin"
)

const (
	headerCacheControl = "Cache-Control"
	cacheNoStore       = "no-store"
	eventBalance       = "balance"
	eventHeartbeat     = "heartbeat"
	reconcileError     = "error"
)

type deductRequest struct {
	Style string `json:"style"`
}

type refundRequest struct {
	Style    string `json:"style"`
	Reason   string `json:"reason"`
	ChargeID string `json:"charge_id"`
}

type generationRequest struct {
	Prompt string `json:"prompt"`
	Style  string `json:"style"`
}

type webhookRequest struct {
	PaymentID string `json:"payment_id"`
	Status    string `json:"status"`
}

type entryPayload struct {
	EntryID         string          `json:"id"`
	Type            string          `json:"type"`
	Amount          int64           `json:"amount"`
	Description     string          `json:"description"`
	PreviousBalance int64           `json:"previous_balance"`
	NewBalance      int64           `json:"new_balance"`
	Reference       string          `json:"reference,omitempty"`
	Metadata        json.RawMessage `json:"metadata"`
	CreatedUnixUTC  int64           `json:"created_unix_utc"`
}

type paymentPayload struct {
	PaymentID      string `json:"payment_id"`
	Amount         int64  `json:"amount"`
	Currency       string `json:"currency"`
	Status         string `json:"status"`
	CreditsAdded   int64  `json:"credits_added"`
	ProductID      string `json:"product_id,omitempty"`
	PaymentMethod  string `json:"payment_method,omitempty"`
	CreatedUnixUTC int64  `json:"created_unix_utc"`
}

type imagePayload struct {
	ImageID        string `json:"id"`
	RequestID      string `json:"request_id"`
	ChargeID       string `json:"charge_id,omitempty"`
	Style          string `json:"style"`
	Prompt         string `json:"prompt"`
	URL            string `json:"url"`
	Width          int    `json:"width"`
	Height         int    `json:"height"`
	Model          string `json:"model,omitempty"`
	CreatedUnixUTC int64  `json:"created_unix_utc"`
}

func (handler *httpHandler) handleBalance(ctx *gin.Context) {
	userID, ok := handler.sessionUser(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	balance, err := handler.ensureAccount(requestCtx, userID)
	if err != nil {
		handler.respondError(ctx, "balance", err)
		return
	}
	ctx.Header(headerCacheControl, cacheNoStore)
	ctx.JSON(http.StatusOK, gin.H{"credits": balance.Credits.Int64()})
}

func (handler *httpHandler) handleDeduct(ctx *gin.Context) {
	userID, ok := handler.sessionUser(ctx)
	if !ok {
		return
	}
	var request deductRequest
	if err := ctx.ShouldBindJSON(&request); err != nil && !errors.Is(err, io.EOF) {
		ctx.JSON(http.StatusBadRequest, errorResponse(codeInvalidInput, "expected JSON body"))
		return
	}
	style, err := ledger.NewStyle(request.Style)
	if err != nil {
		handler.respondError(ctx, "deduct", err)
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	if _, err := handler.ensureAccount(requestCtx, userID); err != nil {
		handler.respondError(ctx, "deduct", err)
		return
	}
	price := handler.styles.Price(style)
	deduction, err := handler.credits.Deduct(requestCtx, userID, price.Style, price.Cost)
	if err != nil {
		handler.respondError(ctx, "deduct", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"remainingCredits": deduction.RemainingCredits.Int64(),
		"charge_id":        deduction.Charge.ChargeID.String(),
		"cost":             deduction.Charge.Cost.Int64(),
	})
}

func (handler *httpHandler) handleRefund(ctx *gin.Context) {
	userID, ok := handler.sessionUser(ctx)
	if !ok {
		return
	}
	var request refundRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(codeInvalidInput, "expected JSON body"))
		return
	}
	refund, err := buildRefundRequest(request)
	if err != nil {
		handler.respondError(ctx, "refund", err)
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	result, err := handler.credits.Refund(requestCtx, userID, refund)
	if err != nil {
		handler.respondError(ctx, "refund", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"success":   true,
		"credits":   result.Credits.Int64(),
		"charge_id": result.Charge.ChargeID.String(),
	})
}

// buildRefundRequest prefers an explicit charge id and falls back to the style.
func buildRefundRequest(request refundRequest) (ledger.RefundRequest, error) {
	refund := ledger.RefundRequest{Reason: request.Reason}
	if strings.TrimSpace(request.ChargeID) != "" {
		chargeID, err := ledger.NewChargeID(request.ChargeID)
		if err != nil {
			return ledger.RefundRequest{}, err
		}
		refund.ChargeID = chargeID
		return refund, nil
	}
	style, err := ledger.NewStyle(request.Style)
	if err != nil {
		return ledger.RefundRequest{}, err
	}
	refund.Style = style
	return refund, nil
}

func (handler *httpHandler) handleHistory(ctx *gin.Context) {
	userID, ok := handler.sessionUser(ctx)
	if !ok {
		return
	}
	limit, err := handler.parseLimit(ctx)
	if err != nil {
		handler.respondError(ctx, "history", err)
		return
	}
	before, err := parseOptionalInt64(ctx.Query("before"))
	if err != nil {
		handler.respondError(ctx, "history", err)
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	entries, err := handler.credits.ListEntries(requestCtx, userID, before, limit)
	if err != nil {
		handler.respondError(ctx, "history", err)
		return
	}
	payload := make([]entryPayload, 0, len(entries))
	for _, entry := range entries {
		payload = append(payload, entryPayload{
			EntryID:         entry.EntryID,
			Type:            entry.Type.String(),
			Amount:          entry.Amount.Int64(),
			Description:     entry.Description,
			PreviousBalance: entry.PreviousBalance.Int64(),
			NewBalance:      entry.NewBalance.Int64(),
			Reference:       entry.Reference,
			Metadata:        rawMetadata(entry.Metadata),
			CreatedUnixUTC:  entry.CreatedUnixUTC,
		})
	}
	ctx.Header(headerCacheControl, cacheNoStore)
	ctx.JSON(http.StatusOK, gin.H{"entries": payload})
}

// handleStream pushes balance changes as server-sent events until the client leaves.
func (handler *httpHandler) handleStream(ctx *gin.Context) {
	userID, ok := handler.sessionUser(ctx)
	if !ok {
		return
	}
	streamCtx := ctx.Request.Context()
	balanceCtx, cancelBalance := context.WithTimeout(streamCtx, handler.cfg.RequestTimeout)
	balance, err := handler.ensureAccount(balanceCtx, userID)
	cancelBalance()
	if err != nil {
		handler.respondError(ctx, "stream", err)
		return
	}
	changes, unsubscribe, err := handler.broker.Subscribe(streamCtx, userID.String())
	if err != nil {
		handler.respondError(ctx, "stream", err)
		return
	}
	defer unsubscribe()

	ctx.Header(headerCacheControl, cacheNoStore)
	ctx.Header("X-Accel-Buffering", "no")
	ctx.SSEvent(eventBalance, ledger.BalanceChange{
		UserID:    userID.String(),
		Credits:   balance.Credits.Int64(),
		AtUnixUTC: balance.UpdatedUnixUTC,
	})
	ctx.Writer.Flush()

	heartbeat := time.NewTicker(handler.cfg.StreamHeartbeat)
	defer heartbeat.Stop()
	ctx.Stream(func(io.Writer) bool {
		select {
		case <-streamCtx.Done():
			return false
		case change, open := <-changes:
			if !open {
				return false
			}
			ctx.SSEvent(eventBalance, change)
			return true
		case tick := <-heartbeat.C:
			ctx.SSEvent(eventHeartbeat, gin.H{"at_unix_utc": tick.Unix()})
			return true
		}
	})
}

func (handler *httpHandler) handlePaymentSuccess(ctx *gin.Context) {
	userID, ok := handler.sessionUser(ctx)
	if !ok {
		return
	}
	request := payments.Request{
		PaymentID:      firstNonEmpty(ctx.Query("payment_id"), ctx.PostForm("payment_id")),
		ReportedStatus: firstNonEmpty(ctx.Query("status"), ctx.PostForm("status")),
		UserID:         userID,
	}
	handler.reconcile(ctx, request)
}

// handlePaymentWebhook accepts provider callbacks signed with the shared secret.
func (handler *httpHandler) handlePaymentWebhook(ctx *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(ctx.Request.Body, maxWebhookBodyBytes))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(codeInvalidInput, "unreadable body"))
		return
	}
	if err := payments.VerifySignature(handler.cfg.WebhookSecret, body, ctx.GetHeader(payments.SignatureHeader)); err != nil {
		handler.respondError(ctx, "webhook", err)
		return
	}
	var request webhookRequest
	if err := json.Unmarshal(body, &request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(codeInvalidInput, "expected JSON body"))
		return
	}
	handler.reconcile(ctx, payments.Request{PaymentID: request.PaymentID, ReportedStatus: request.Status})
}

func (handler *httpHandler) reconcile(ctx *gin.Context, request payments.Request) {
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	result, err := handler.payments.Reconcile(requestCtx, request)
	if err != nil {
		handler.metrics.ObserveReconciliation(reconcileError, payments.ParseStatus(request.ReportedStatus).String())
		handler.respondError(ctx, "reconcile", err)
		return
	}
	handler.metrics.ObserveReconciliation(string(result.Status), result.PaymentStatus.String())

	response := gin.H{
		"status":         string(result.Status),
		"payment_status": result.PaymentStatus.String(),
	}
	if result.Status == payments.ResultSuccess {
		response["credits_added"] = result.CreditsAdded.Int64()
		response["new_balance"] = result.NewBalance.Int64()
	}
	ctx.JSON(http.StatusOK, response)
}

func (handler *httpHandler) handlePaymentHistory(ctx *gin.Context) {
	userID, ok := handler.sessionUser(ctx)
	if !ok {
		return
	}
	limit, err := handler.parseLimit(ctx)
	if err != nil {
		handler.respondError(ctx, "payment history", err)
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	records, err := handler.payments.History(requestCtx, userID, limit)
	if err != nil {
		handler.respondError(ctx, "payment history", err)
		return
	}
	payload := make([]paymentPayload, 0, len(records))
	for _, record := range records {
		payload = append(payload, paymentPayload{
			PaymentID:      record.PaymentID,
			Amount:         record.AmountMinor,
			Currency:       record.Currency,
			Status:         record.Status.String(),
			CreditsAdded:   record.CreditsAdded.Int64(),
			ProductID:      record.ProductID,
			PaymentMethod:  record.PaymentMethod,
			CreatedUnixUTC: record.CreatedUnixUTC,
		})
	}
	ctx.Header(headerCacheControl, cacheNoStore)
	ctx.JSON(http.StatusOK, payload)
}

func (handler *httpHandler) handleGeneration(ctx *gin.Context) {
	userID, ok := handler.sessionUser(ctx)
	if !ok {
		return
	}
	var request generationRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(codeInvalidInput, "expected JSON body"))
		return
	}
	style, err := ledger.NewStyle(request.Style)
	if err != nil {
		handler.respondError(ctx, "generation", err)
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.GenerationTimeout+handler.cfg.RequestTimeout)
	defer cancel()

	if _, err := handler.ensureAccount(requestCtx, userID); err != nil {
		handler.respondError(ctx, "generation", err)
		return
	}
	outcome, err := handler.generator.Generate(requestCtx, generation.Request{UserID: userID, Prompt: request.Prompt, Style: style})
	if err != nil {
		handler.respondError(ctx, "generation", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"state":            outcome.State.String(),
		"charge_id":        outcome.ChargeID.String(),
		"request_id":       outcome.RequestID,
		"cost":             outcome.Cost.Int64(),
		"remainingCredits": outcome.RemainingCredits.Int64(),
		"images":           imagePayloads(outcome.Images),
	})
}

func (handler *httpHandler) handleImages(ctx *gin.Context) {
	userID, ok := handler.sessionUser(ctx)
	if !ok {
		return
	}
	limit, err := handler.parseLimit(ctx)
	if err != nil {
		handler.respondError(ctx, "images", err)
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	images, err := handler.generator.Images(requestCtx, userID, limit)
	if err != nil {
		handler.respondError(ctx, "images", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"images": imagePayloads(images)})
}

func imagePayloads(images []generation.Image) []imagePayload {
	payload := make([]imagePayload, 0, len(images))
	for _, image := range images {
		payload = append(payload, imagePayload{
			ImageID:        image.ImageID,
			RequestID:      image.RequestID,
			ChargeID:       image.ChargeID.String(),
			Style:          image.Style.String(),
			Prompt:         image.Prompt,
			URL:            image.URL,
			Width:          image.Width,
			Height:         image.Height,
			Model:          image.Model,
			CreatedUnixUTC: image.CreatedUnixUTC,
		})
	}
	return payload
}

// parseLimit reads ?limit=, defaulting to and capped at the configured history size.
func (handler *httpHandler) parseLimit(ctx *gin.Context) (int, error) {
	raw := strings.TrimSpace(ctx.Query("limit"))
	if raw == "" {
		return handler.cfg.HistoryLimit, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return 0, fmt.Errorf("%w: limit must be a positive integer", errInvalidQuery)
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	return limit, nil
}

func parseOptionalInt64(raw string) (int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || value < 0 {
		return 0, fmt.Errorf("%w: before must be a unix timestamp", errInvalidQuery)
	}
	return value, nil
}

func rawMetadata(metadata ledger.MetadataJSON) json.RawMessage {
	if metadata.String() == "" {
		return json.RawMessage("{}")
	}
	return json.RawMessage(metadata.String())
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
