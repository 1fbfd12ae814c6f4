package httpapi

import (
	"errors"
	"net/http"

	"github.com/MarkoPoloResearchLab/skechum/internal/generation"
	"github.com/MarkoPoloResearchLab/skechum/internal/payments"
	"github.com/MarkoPoloResearchLab/skechum/pkg/ledger"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	codeUnauthorized              = "unauthorized"
	codeInvalidInput              = "invalid_input"
	codeInsufficientCredits       = "insufficient_credits"
	codeNoPendingCharge           = "no_pending_charge"
	codeChargeClosed              = "charge_closed"
	codeInvalidPayment            = "invalid_payment"
	codePaymentOwnerMismatch      = "payment_owner_mismatch"
	codePaymentVerificationFailed = "payment_verification_failed"
	codeStoreUnavailable          = "store_unavailable"
	codeGenerationFailed          = "generation_failed"
	codeGenerationTimeout         = "generation_timeout"
	codeInvalidSignature          = "invalid_signature"
	codeInternal                  = "internal_error"
)

var errInvalidQuery = errors.New("invalid query parameter")

type apiError struct {
	status  int
	code    string
	message string
}

// mapError translates domain errors into a status and a stable code. Sentinels are
// checked before store wrapping because store errors carry them.
func mapError(err error) apiError {
	var verificationError *payments.VerificationError
	switch {
	case errors.Is(err, ledger.ErrInsufficientCredits):
		return apiError{http.StatusBadRequest, codeInsufficientCredits, "insufficient credits"}
	case errors.Is(err, ledger.ErrChargeNotFound):
		return apiError{http.StatusConflict, codeNoPendingCharge, "no pending charge"}
	case errors.Is(err, ledger.ErrChargeClosed):
		return apiError{http.StatusConflict, codeChargeClosed, "charge already closed"}
	case errors.Is(err, payments.ErrInvalidPayment):
		return apiError{http.StatusBadRequest, codeInvalidPayment, "invalid payment"}
	case errors.Is(err, payments.ErrPaymentOwnerMismatch):
		return apiError{http.StatusForbidden, codePaymentOwnerMismatch, "payment belongs to another user"}
	case errors.As(err, &verificationError):
		status := verificationError.StatusCode
		if status < http.StatusBadRequest || status > 599 {
			status = http.StatusBadGateway
		}
		return apiError{status, codePaymentVerificationFailed, "payment verification failed"}
	case errors.Is(err, payments.ErrPaymentVerificationFailed):
		return apiError{http.StatusBadGateway, codePaymentVerificationFailed, "payment verification failed"}
	case errors.Is(err, payments.ErrInvalidWebhookSignature):
		return apiError{http.StatusUnauthorized, codeInvalidSignature, "invalid signature"}
	case errors.Is(err, generation.ErrGenerationTimeout):
		return apiError{http.StatusGatewayTimeout, codeGenerationTimeout, "generation timed out"}
	case errors.Is(err, generation.ErrGenerationFailed):
		return apiError{http.StatusBadGateway, codeGenerationFailed, "generation failed"}
	case errors.Is(err, errInvalidQuery),
		errors.Is(err, generation.ErrInvalidPrompt),
		errors.Is(err, ledger.ErrInvalidStyle),
		errors.Is(err, ledger.ErrInvalidChargeID),
		errors.Is(err, ledger.ErrInvalidReason),
		errors.Is(err, ledger.ErrInvalidCredits):
		return apiError{http.StatusBadRequest, codeInvalidInput, "invalid input"}
	case ledger.IsStoreError(err):
		return apiError{http.StatusInternalServerError, codeStoreUnavailable, "store unavailable"}
	default:
		return apiError{http.StatusInternalServerError, codeInternal, "internal error"}
	}
}

func (handler *httpHandler) respondError(ctx *gin.Context, operation string, err error) {
	mapped := mapError(err)
	if mapped.status >= http.StatusInternalServerError {
		handler.logger.Error(operation+" failed", zap.String("code", mapped.code), zap.Error(err))
	} else {
		handler.logger.Debug(operation+" rejected", zap.String("code", mapped.code), zap.Error(err))
	}
	body := errorResponse(mapped.code, mapped.message)
	if handler.cfg.Development() {
		body["error"].(gin.H)["detail"] = err.Error()
	}
	ctx.JSON(mapped.status, body)
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}
