package remote

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/sashabaranov/go-openai"
)

// Error is a failed remote call. Fields carry the remote response as-is.
type Error struct {
	Op         string
	StatusCode int
	Code       string
	Type       string
	Param      string
	Message    string
	RetryAfter string
	Err        error
}

func (e *Error) Error() string {
	return fmt.Sprintf("remote %s: status %d: %s", e.Op, e.StatusCode, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// StatusCode returns the remote HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var rerr *Error
	if errors.As(err, &rerr) {
		return rerr.StatusCode
	}
	return 0
}

// IsNotFound reports whether the remote answered 404.
func IsNotFound(err error) bool {
	return StatusCode(err) == http.StatusNotFound
}

type hintKey struct{}

// responseHint collects headers of a failing response that go-openai drops
// when it builds its error value.
type responseHint struct {
	retryAfter string
}

func withHint(ctx context.Context) (context.Context, *responseHint) {
	h := &responseHint{}
	return context.WithValue(ctx, hintKey{}, h), h
}

// hintingDoer records Retry-After of failing responses into the request's hint.
type hintingDoer struct {
	next openai.HTTPDoer
}

func (d hintingDoer) Do(req *http.Request) (*http.Response, error) {
	resp, err := d.next.Do(req)
	if err != nil || resp.StatusCode < http.StatusBadRequest {
		return resp, err
	}
	if h, ok := req.Context().Value(hintKey{}).(*responseHint); ok {
		h.retryAfter = resp.Header.Get("Retry-After")
	}
	return resp, err
}

func wrapError(op string, err error, hint *responseHint) error {
	var retryAfter string
	if hint != nil {
		retryAfter = hint.retryAfter
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		e := &Error{
			Op:         op,
			StatusCode: apiErr.HTTPStatusCode,
			Type:       apiErr.Type,
			Message:    apiErr.Message,
			RetryAfter: retryAfter,
			Err:        err,
		}
		e.Code = codeString(apiErr.Code)
		if apiErr.Param != nil {
			e.Param = *apiErr.Param
		}
		return e
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		msg := strings.TrimSpace(string(reqErr.Body))
		if msg == "" {
			msg = http.StatusText(reqErr.HTTPStatusCode)
		}
		return &Error{
			Op:         op,
			StatusCode: reqErr.HTTPStatusCode,
			Message:    msg,
			RetryAfter: retryAfter,
			Err:        err,
		}
	}

	return fmt.Errorf("remote %s: %w", op, err)
}

// codeString renders the error code. go-openai decodes a null code as int 0.
func codeString(code any) string {
	switch v := code.(type) {
	case nil:
		return ""
	case string:
		return v
	case int:
		if v == 0 {
			return ""
		}
		return strconv.Itoa(v)
	default:
		return fmt.Sprint(v)
	}
}
