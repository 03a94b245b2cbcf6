// Package httputil provides shared HTTP client construction.
package httputil

import (
	"time"

	"github.com/go-resty/resty/v2"
)

const userAgent = "boardsync/1.0"

// NewRestyClient returns a resty client with the common defaults: base URL,
// timeout, JSON content type and user agent. Retries are left to callers,
// which have their own retry queue.
func NewRestyClient(baseURL string, timeout time.Duration) *resty.Client {
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("User-Agent", userAgent)
}
