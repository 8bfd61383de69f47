package circuitbreaker

import (
	"context"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// HTTPWrapper sends requests to a remote service through a breaker
type HTTPWrapper struct {
	client *http.Client
	cb     *Breaker
}

// NewHTTPWrapper creates an HTTP wrapper registered with the Default registry
func NewHTTPWrapper(client *http.Client, name, service string, settings Settings, logger *zap.Logger) *HTTPWrapper {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	cb := New(name, service, settings.Merge(HTTPSettings()), logger)
	Default.Register(cb)
	return &HTTPWrapper{client: client, cb: cb}
}

// Do sends req. Transport errors and 5xx responses count as breaker
// failures; a 5xx response is still returned so the caller can read the
// body. 4xx responses do not trip the breaker.
func (hw *HTTPWrapper) Do(req *http.Request) (*http.Response, error) {
	var resp *http.Response
	err := hw.cb.Do(req.Context(), func(context.Context) error {
		var err error
		if resp, err = hw.client.Do(req); err != nil {
			return err
		}
		if resp.StatusCode >= http.StatusInternalServerError {
			return errServerStatus
		}
		return nil
	})
	if errors.Is(err, errServerStatus) {
		return resp, nil
	}
	return resp, err
}

// IsOpen reports whether the breaker is rejecting calls
func (hw *HTTPWrapper) IsOpen() bool {
	return hw.cb.State() == StateOpen
}

var errServerStatus = errors.New("server error status")
