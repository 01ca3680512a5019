package handler

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

// maxResponseOutput caps how much of a response body is kept as task output
const maxResponseOutput = 512

// HTTPRequestPayload describes a request to send
type HTTPRequestPayload struct {
	URL            string
	Method         string
	Headers        map[string]string
	Body           string
	ExpectedStatus int
}

// HTTPRequestHandler sends a fixed request on every execution
type HTTPRequestHandler struct {
	logger     *zap.Logger
	httpClient *http.Client
	payload    HTTPRequestPayload
}

// NewHTTPRequestHandler creates a new HTTP request handler. The method
// defaults to GET.
func NewHTTPRequestHandler(logger *zap.Logger, client *http.Client, payload HTTPRequestPayload) (*HTTPRequestHandler, error) {
	if payload.URL == "" {
		return nil, missing("url")
	}
	if payload.Method == "" {
		payload.Method = http.MethodGet
	}
	payload.Method = strings.ToUpper(payload.Method)

	return &HTTPRequestHandler{
		logger:     logger,
		httpClient: client,
		payload:    payload,
	}, nil
}

// Execute performs the HTTP request. Without an expected status any status
// below 400 counts as success.
func (h *HTTPRequestHandler) Execute(ctx context.Context) (string, error) {
	var body io.Reader
	if h.payload.Body != "" {
		body = strings.NewReader(h.payload.Body)
	}

	req, err := http.NewRequestWithContext(ctx, h.payload.Method, h.payload.URL, body)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}

	for key, value := range h.payload.Headers {
		req.Header.Add(key, value)
	}

	h.logger.Info("Executing HTTP request",
		zap.String("method", h.payload.Method),
		zap.String("url", h.payload.URL))

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseOutput))
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}
	output := fmt.Sprintf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))

	if h.payload.ExpectedStatus != 0 {
		if resp.StatusCode != h.payload.ExpectedStatus {
			return output, fmt.Errorf("HTTP request returned status %d, expected %d", resp.StatusCode, h.payload.ExpectedStatus)
		}
	} else if resp.StatusCode >= 400 {
		return output, fmt.Errorf("HTTP request failed with status: %d", resp.StatusCode)
	}

	return output, nil
}
