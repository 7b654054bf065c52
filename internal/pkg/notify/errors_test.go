package notify

import "testing"

func TestDecodeError(t *testing.T) {
	tests := []struct {
		name       string
		statusCode int
		body       string
		want       Category
		retryable  bool
	}{
		{
			name:       "bad address",
			statusCode: 400,
			body:       `{"status_code":400,"errors":[{"error":"BadRequestError","message":"email_address Not a valid email address"}]}`,
			want:       CategoryBadAddress,
		},
		{
			name:       "other 400",
			statusCode: 400,
			body:       `{"status_code":400,"errors":[{"error":"BadRequestError","message":"Missing personalisation: confirm_link"}]}`,
			want:       CategoryOther,
		},
		{
			name:       "rate limited",
			statusCode: 429,
			body:       `{"status_code":429,"errors":[{"error":"RateLimitError","message":"Exceeded rate limit for key type live"}]}`,
			want:       CategoryRateLimited,
			retryable:  true,
		},
		{
			name:       "server error",
			statusCode: 503,
			body:       `{"status_code":503,"errors":[{"error":"Exception","message":"Service unavailable"}]}`,
			want:       CategoryServer,
			retryable:  true,
		},
		{
			name:       "forbidden",
			statusCode: 403,
			body:       `{"status_code":403,"errors":[{"error":"AuthError","message":"Invalid token"}]}`,
			want:       CategoryOther,
		},
		{
			name:       "unparseable body",
			statusCode: 502,
			body:       `<html>Bad Gateway</html>`,
			want:       CategoryServer,
			retryable:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := decodeError(tt.statusCode, []byte(tt.body))
			if e.Category != tt.want {
				t.Errorf("category = %q, want %q", e.Category, tt.want)
			}
			if e.StatusCode != tt.statusCode {
				t.Errorf("statusCode = %d, want %d", e.StatusCode, tt.statusCode)
			}
			if e.Retryable() != tt.retryable {
				t.Errorf("Retryable() = %v, want %v", e.Retryable(), tt.retryable)
			}
		})
	}
}

func TestDecodeErrorKeepsFirstMessage(t *testing.T) {
	body := `{"status_code":400,"errors":[{"error":"ValidationError","message":"first"},{"error":"ValidationError","message":"second"}]}`
	e := decodeError(400, []byte(body))
	if e.Message != "first" || e.ErrorType != "ValidationError" {
		t.Errorf("decoded = %q / %q, want first ValidationError", e.ErrorType, e.Message)
	}
}
