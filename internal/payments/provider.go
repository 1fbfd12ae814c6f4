package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const (
	defaultProviderTimeout       = 10 * time.Second
	providerErrorBodyLimit int64 = 1024
	providerPaymentsPath         = "payments"
)

var (
	errProviderBaseURLRequired = errors.New("payments provider base url is required")
	errProviderAPIKeyRequired  = errors.New("payments provider api key is required")
)

// ProviderClient verifies payments against the provider's retrieval endpoint.
type ProviderClient struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
}

// ProviderOption configures optional client behavior.
type ProviderOption func(*ProviderClient)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(client *http.Client) ProviderOption {
	return func(provider *ProviderClient) {
		if client != nil {
			provider.httpClient = client
		}
	}
}

// NewProviderClient builds a client for baseURL authenticated with apiKey.
func NewProviderClient(baseURL string, apiKey string, options ...ProviderOption) (*ProviderClient, error) {
	trimmedBaseURL := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if trimmedBaseURL == "" {
		return nil, errProviderBaseURLRequired
	}
	trimmedKey := strings.TrimSpace(apiKey)
	if trimmedKey == "" {
		return nil, errProviderAPIKeyRequired
	}
	provider := &ProviderClient{
		httpClient: &http.Client{Timeout: defaultProviderTimeout},
		baseURL:    trimmedBaseURL,
		apiKey:     trimmedKey,
	}
	for _, option := range options {
		if option != nil {
			option(provider)
		}
	}
	return provider, nil
}

type providerPaymentPayload struct {
	ID            string          `json:"id"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	Status        string          `json:"status"`
	ProductID     string          `json:"product_id"`
	PaymentMethod string          `json:"payment_method"`
	Customer      Customer        `json:"customer"`
	Metadata      struct {
		UserID string `json:"user_id"`
	} `json:"metadata"`
}

// GetPayment retrieves the payment. Non-2xx responses return *VerificationError.
func (provider *ProviderClient) GetPayment(ctx context.Context, paymentID string) (ProviderPayment, error) {
	trimmedID := strings.TrimSpace(paymentID)
	if trimmedID == "" {
		return ProviderPayment{}, ErrInvalidPayment
	}
	endpoint := provider.baseURL + "/" + providerPaymentsPath + "/" + url.PathEscape(trimmedID)
	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return ProviderPayment{}, &VerificationError{PaymentID: trimmedID, Err: fmt.Errorf("build request: %w", err)}
	}
	httpRequest.Header.Set("Authorization", "Bearer "+provider.apiKey)
	httpRequest.Header.Set("Accept", "application/json")

	response, err := provider.httpClient.Do(httpRequest)
	if err != nil {
		return ProviderPayment{}, &VerificationError{PaymentID: trimmedID, Err: err}
	}
	defer response.Body.Close()

	if response.StatusCode < http.StatusOK || response.StatusCode >= http.StatusMultipleChoices {
		body, _ := io.ReadAll(io.LimitReader(response.Body, providerErrorBodyLimit))
		return ProviderPayment{}, &VerificationError{
			PaymentID:  trimmedID,
			StatusCode: response.StatusCode,
			Err:        errors.New(strings.TrimSpace(string(body))),
		}
	}

	var payload providerPaymentPayload
	if err := json.NewDecoder(response.Body).Decode(&payload); err != nil {
		return ProviderPayment{}, &VerificationError{PaymentID: trimmedID, Err: fmt.Errorf("decode payment: %w", err)}
	}
	if payload.ID == "" {
		payload.ID = trimmedID
	}
	return ProviderPayment{
		ID:            payload.ID,
		Amount:        payload.Amount,
		Currency:      strings.ToUpper(strings.TrimSpace(payload.Currency)),
		Status:        ParseStatus(payload.Status),
		ProductID:     strings.TrimSpace(payload.ProductID),
		PaymentMethod: strings.TrimSpace(payload.PaymentMethod),
		Customer:      payload.Customer,
		UserID:        strings.TrimSpace(payload.Metadata.UserID),
	}, nil
}
