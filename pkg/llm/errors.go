package llm

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/anthropics/anthropic-sdk-go"
	openai "github.com/sashabaranov/go-openai"
)

// ErrorClass categorizes a provider failure for retry decisions.
type ErrorClass int

const (
	// ClassNoRetry covers errors retrying cannot fix: bad requests, auth
	// failures, exhausted quota.
	ClassNoRetry ErrorClass = iota

	// ClassRetry covers transient failures: server errors, timeouts,
	// connection drops.
	ClassRetry

	// ClassRateLimit covers 429s. The router waits out the window once,
	// then falls back to the alternate provider.
	ClassRateLimit
)

// ProviderError wraps a provider failure with its classification.
type ProviderError struct {
	Provider string
	Model    string
	Status   int
	Class    ErrorClass
	Cause    error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s (%s): %v", e.Provider, e.Model, e.Cause)
}

func (e *ProviderError) Unwrap() error { return e.Cause }

// Classify maps an error from either SDK onto an ErrorClass.
func Classify(err error) ErrorClass {
	if err == nil {
		return ClassNoRetry
	}

	var provErr *ProviderError
	if errors.As(err, &provErr) {
		return provErr.Class
	}

	var anthErr *anthropic.Error
	if errors.As(err, &anthErr) {
		return classifyStatus(anthErr.StatusCode)
	}

	var oaiErr *openai.APIError
	if errors.As(err, &oaiErr) {
		return classifyStatus(oaiErr.HTTPStatusCode)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return classifyStatus(reqErr.HTTPStatusCode)
	}

	// Network-level failures without a status are worth retrying.
	return ClassRetry
}

func classifyStatus(status int) ErrorClass {
	switch {
	case status == http.StatusTooManyRequests:
		return ClassRateLimit
	case status >= 500, status == http.StatusRequestTimeout:
		return ClassRetry
	default:
		return ClassNoRetry
	}
}

// wrapProviderError attaches provider context and classification.
func wrapProviderError(provider, model string, err error) error {
	if err == nil {
		return nil
	}
	status := 0
	var anthErr *anthropic.Error
	var oaiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &anthErr):
		status = anthErr.StatusCode
	case errors.As(err, &oaiErr):
		status = oaiErr.HTTPStatusCode
	case errors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
	}
	return &ProviderError{
		Provider: provider,
		Model:    model,
		Status:   status,
		Class:    Classify(err),
		Cause:    err,
	}
}
