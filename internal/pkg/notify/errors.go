package notify

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// Category tags a provider failure once, at the API boundary, so callers
// never re-derive the classification from raw payloads.
type Category string

const (
	// CategoryBadAddress is a 400 rejecting the recipient address itself.
	CategoryBadAddress Category = "bad_address"
	// CategoryRateLimited is a 429.
	CategoryRateLimited Category = "rate_limited"
	// CategoryServer is any 5xx.
	CategoryServer Category = "server"
	// CategoryOther is everything else the provider reports.
	CategoryOther Category = "other"
)

// Error is a decoded provider failure.
type Error struct {
	StatusCode int
	Category   Category
	ErrorType  string
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("notify: %d %s: %s", e.StatusCode, e.Category, e.Message)
}

// Retryable reports whether the queue's backoff policy should retry the send.
func (e *Error) Retryable() bool {
	return e.Category == CategoryRateLimited || e.Category == CategoryServer
}

// apiErrorBody matches the provider's error envelope:
// {"status_code": 400, "errors": [{"error": "...", "message": "..."}]}
type apiErrorBody struct {
	StatusCode int `json:"status_code"`
	Errors     []struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	} `json:"errors"`
}

// decodeError classifies a non-2xx provider response.
func decodeError(statusCode int, body []byte) *Error {
	e := &Error{StatusCode: statusCode, Message: http.StatusText(statusCode)}

	var parsed apiErrorBody
	if err := json.Unmarshal(body, &parsed); err == nil && len(parsed.Errors) > 0 {
		e.ErrorType = parsed.Errors[0].Error
		e.Message = parsed.Errors[0].Message
	}

	switch {
	case statusCode == http.StatusBadRequest && strings.Contains(e.Message, "email_address"):
		e.Category = CategoryBadAddress
	case statusCode == http.StatusTooManyRequests:
		e.Category = CategoryRateLimited
	case statusCode >= 500:
		e.Category = CategoryServer
	default:
		e.Category = CategoryOther
	}
	return e
}
