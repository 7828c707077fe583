package attestation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/opensource-finance/harrier/internal/domain"
)

// HTTPSink POSTs attestations as JSON to an attestation service.
type HTTPSink struct {
	url        string
	client     *http.Client
	maxRetries int

	// newBackOff is swapped in tests to avoid real sleeps.
	newBackOff func() backoff.BackOff
}

// NewHTTPSink creates an HTTP sink. Server errors and transport failures are
// retried with exponential backoff up to maxRetries times; 4xx replies are not.
func NewHTTPSink(url string, timeout time.Duration, maxRetries int) *HTTPSink {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &HTTPSink{
		url:        url,
		client:     &http.Client{Timeout: timeout},
		maxRetries: maxRetries,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 200 * time.Millisecond
			b.MaxInterval = 2 * time.Second
			b.MaxElapsedTime = 30 * time.Second
			return b
		},
	}
}

// Name implements domain.AttestationSink.
func (s *HTTPSink) Name() string { return "http" }

// Attest implements domain.AttestationSink.
func (s *HTTPSink) Attest(ctx context.Context, tenantID string, att domain.Attestation) error {
	body, err := json.Marshal(att)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("marshal attestation: %w", err))
	}

	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		if tenantID != "" {
			req.Header.Set("X-Tenant-ID", tenantID)
		}

		resp, err := s.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return nil
		case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
			return &StatusError{StatusCode: resp.StatusCode}
		default:
			return backoff.Permanent(&StatusError{StatusCode: resp.StatusCode})
		}
	}

	b := backoff.WithContext(backoff.WithMaxRetries(s.newBackOff(), uint64(s.maxRetries)), ctx)
	return backoff.Retry(operation, b)
}

// StatusError is returned when the attestation service answers with a non-2xx status.
type StatusError struct {
	StatusCode int
}

// Error implements the error interface.
func (e *StatusError) Error() string {
	return fmt.Sprintf("attestation service returned %d %s", e.StatusCode, http.StatusText(e.StatusCode))
}
