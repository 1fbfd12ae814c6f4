package generation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	defaultClientTimeout       = 30 * time.Second
	clientErrorBodyLimit int64 = 1024
	requestsPathSegment        = "requests"
	statusPathSegment          = "status"
)

var (
	errClientBaseURLRequired = errors.New("generation provider base url is required")
	errClientAPIKeyRequired  = errors.New("generation provider api key is required")
)

// ProviderError reports a non-2xx response from the generation provider.
type ProviderError struct {
	StatusCode int
	Body       string
}

func (err *ProviderError) Error() string {
	return fmt.Sprintf("generation provider status %d: %s", err.StatusCode, err.Body)
}

// Client talks to a queue API: submit, poll status, fetch result.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
}

// ClientOption configures optional client behavior.
type ClientOption func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(queueClient *Client) {
		if client != nil {
			queueClient.httpClient = client
		}
	}
}

// NewClient builds a queue client for baseURL authenticated with apiKey.
func NewClient(baseURL string, apiKey string, options ...ClientOption) (*Client, error) {
	trimmedBaseURL := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if trimmedBaseURL == "" {
		return nil, errClientBaseURLRequired
	}
	trimmedKey := strings.TrimSpace(apiKey)
	if trimmedKey == "" {
		return nil, errClientAPIKeyRequired
	}
	client := &Client{
		httpClient: &http.Client{Timeout: defaultClientTimeout},
		baseURL:    trimmedBaseURL,
		apiKey:     trimmedKey,
	}
	for _, option := range options {
		if option != nil {
			option(client)
		}
	}
	return client, nil
}

type submitPayload struct {
	Prompt string `json:"prompt"`
}

type submitResponse struct {
	RequestID string `json:"request_id"`
}

type statusResponse struct {
	Status JobStatus `json:"status"`
}

type resultResponse struct {
	Images []ProviderImage `json:"images"`
}

// Submit enqueues a prompt for model and returns the provider request id.
func (client *Client) Submit(ctx context.Context, model string, prompt string) (string, error) {
	body, err := json.Marshal(submitPayload{Prompt: prompt})
	if err != nil {
		return "", fmt.Errorf("marshal submit payload: %w", err)
	}
	var response submitResponse
	if err := client.do(ctx, http.MethodPost, client.modelURL(model), body, &response); err != nil {
		return "", err
	}
	if strings.TrimSpace(response.RequestID) == "" {
		return "", errors.New("generation provider returned no request id")
	}
	return response.RequestID, nil
}

// Status polls the queue status of requestID.
func (client *Client) Status(ctx context.Context, model string, requestID string) (JobStatus, error) {
	var response statusResponse
	endpoint := client.requestURL(model, requestID) + "/" + statusPathSegment
	if err := client.do(ctx, http.MethodGet, endpoint, nil, &response); err != nil {
		return "", err
	}
	return JobStatus(strings.ToUpper(strings.TrimSpace(string(response.Status)))), nil
}

// Result fetches the images of a completed request.
func (client *Client) Result(ctx context.Context, model string, requestID string) ([]ProviderImage, error) {
	var response resultResponse
	if err := client.do(ctx, http.MethodGet, client.requestURL(model, requestID), nil, &response); err != nil {
		return nil, err
	}
	return response.Images, nil
}

func (client *Client) modelURL(model string) string {
	return client.baseURL + "/" + strings.Trim(strings.TrimSpace(model), "/")
}

func (client *Client) requestURL(model string, requestID string) string {
	return client.modelURL(model) + "/" + requestsPathSegment + "/" + url.PathEscape(requestID)
}

func (client *Client) do(ctx context.Context, method string, endpoint string, body []byte, target any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	httpRequest, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("build generation request: %w", err)
	}
	httpRequest.Header.Set("Authorization", "Key "+client.apiKey)
	httpRequest.Header.Set("Accept", "application/json")
	if body != nil {
		httpRequest.Header.Set("Content-Type", "application/json")
	}

	response, err := client.httpClient.Do(httpRequest)
	if err != nil {
		return fmt.Errorf("generation request: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode < http.StatusOK || response.StatusCode >= http.StatusMultipleChoices {
		raw, _ := io.ReadAll(io.LimitReader(response.Body, clientErrorBodyLimit))
		return &ProviderError{StatusCode: response.StatusCode, Body: strings.TrimSpace(string(raw))}
	}
	if err := json.NewDecoder(response.Body).Decode(target); err != nil {
		return fmt.Errorf("decode generation response: %w", err)
	}
	return nil
}
