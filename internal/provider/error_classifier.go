package provider

import (
	"errors"
	"strings"
)

// ProviderError wraps an ESP API error with classification metadata.
type ProviderError struct {
	// Provider is the name of the ESP that returned the error.
	Provider string
	// StatusCode is the HTTP status code from the ESP API.
	StatusCode int
	// Message is the error description from the ESP API.
	Message string
	// Permanent indicates the error will not succeed on retry.
	Permanent bool
}

func (e *ProviderError) Error() string {
	return e.Provider + ": " + e.Message
}

// IsPermanent returns true if the error is a permanent failure that will not
// succeed on retry. The dispatcher still retries every failure; the
// classification only annotates the delivery diagnostic.
func IsPermanent(err error) bool {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Permanent
	}
	return false
}

// IsTransient returns true if the error may succeed on retry. Unclassified
// errors count as transient.
func IsTransient(err error) bool {
	return !IsPermanent(err)
}

var (
	// permanentClientPatterns mark a 400 body as a failure that will not change.
	permanentClientPatterns = []string{
		"invalid recipient",
		"invalid email",
		"does not exist",
		"mailbox not found",
		"recipient rejected",
		"bad request",
		"validation error",
		"invalid address",
		"'from' parameter is not a valid address",
	}
	// permanentServerPatterns mark a 5xx body as an account problem.
	permanentServerPatterns = []string{
		"invalid api key",
		"authentication failed",
		"account suspended",
		"account disabled",
		"unauthorized",
	}
)

// ClassifyHTTPError creates a ProviderError from an HTTP status code and
// response body. It returns nil for 2xx.
func ClassifyHTTPError(providerName string, statusCode int, body string) *ProviderError {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}

	pe := &ProviderError{
		Provider:   providerName,
		StatusCode: statusCode,
		Message:    body,
	}

	switch {
	case statusCode == 400:
		pe.Permanent = containsAny(body, permanentClientPatterns)
	case statusCode == 401, statusCode == 403, statusCode == 404:
		pe.Permanent = true
	case statusCode == 429:
		pe.Permanent = false
	case statusCode >= 500:
		pe.Permanent = containsAny(body, permanentServerPatterns)
	default:
		pe.Permanent = statusCode >= 400 && statusCode < 500
	}
	return pe
}

func containsAny(body string, patterns []string) bool {
	lower := strings.ToLower(body)
	for _, p := range patterns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}
