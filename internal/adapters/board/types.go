package board

import (
	"fmt"
	"net/http"
	"strings"
)

// Item is the part of a board item the engine needs back.
type Item struct {
	ID string `json:"id"`
}

type graphQLRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

type graphQLError struct {
	Message    string         `json:"message"`
	Extensions map[string]any `json:"extensions,omitempty"`
}

func (e graphQLError) code() string {
	if c, ok := e.Extensions["code"].(string); ok {
		return c
	}
	return ""
}

// graphQLResponse covers both the GraphQL error list and the top-level
// error fields the board API uses for rate limiting and auth failures.
type graphQLResponse struct {
	Data         map[string]*Item `json:"data"`
	Errors       []graphQLError   `json:"errors,omitempty"`
	ErrorCode    string           `json:"error_code,omitempty"`
	ErrorMessage string           `json:"error_message,omitempty"`
	StatusCode   int              `json:"status_code,omitempty"`
}

func (r *graphQLResponse) failed() bool {
	return len(r.Errors) > 0 || r.ErrorCode != "" || r.ErrorMessage != ""
}

func (r *graphQLResponse) messages() []string {
	var out []string
	if r.ErrorMessage != "" {
		out = append(out, r.ErrorMessage)
	}
	for _, e := range r.Errors {
		out = append(out, e.Message)
	}
	return out
}

func (r *graphQLResponse) codes() []string {
	var out []string
	if r.ErrorCode != "" {
		out = append(out, r.ErrorCode)
	}
	for _, e := range r.Errors {
		if c := e.code(); c != "" {
			out = append(out, c)
		}
	}
	return out
}

// APIError is a failed board API call.
type APIError struct {
	Op         string
	StatusCode int      // HTTP status, 0 when the request never completed
	Codes      []string // board error codes
	Messages   []string
	Err        error // transport error, if any
}

func (e *APIError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "board api %s failed", e.Op)
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (status %d)", e.StatusCode)
	}
	if len(e.Codes) > 0 {
		fmt.Fprintf(&b, " [%s]", strings.Join(e.Codes, ","))
	}
	if len(e.Messages) > 0 {
		b.WriteString(": ")
		b.WriteString(strings.Join(e.Messages, "; "))
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *APIError) Unwrap() error { return e.Err }

// Retryable reports whether the failure looks transient: transport errors,
// timeouts, 429 and 5xx, and in-band rate or complexity limits.
func (e *APIError) Retryable() bool {
	if e.Err != nil || e.StatusCode == 0 {
		return true
	}
	if e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500 {
		return true
	}
	if e.StatusCode >= 400 {
		return false
	}
	for _, c := range e.Codes {
		switch c {
		case "ComplexityException", "RATE_LIMIT_EXCEEDED", "Rate Limit Exceeded", "maxConcurrencyExceeded", "INTERNAL_SERVER_ERROR":
			return true
		}
	}
	for _, m := range e.Messages {
		lm := strings.ToLower(m)
		if strings.Contains(lm, "complexity") || strings.Contains(lm, "rate limit") {
			return true
		}
	}
	return false
}
