package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"carbon-ledger/pkg/errutil"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var (
	// ErrNotConfigured is returned by a Webhook without a URL.
	ErrNotConfigured = errutil.Sentinel(errutil.StatusServiceUnavailable, "WEBHOOK_NOT_CONFIGURED", "webhook url is not configured")
	// ErrRejected is a 4xx answer: the collaborator understood the request
	// and refused it. Timeouts and 5xx stay BadGateway/Timeout.
	ErrRejected = errutil.Sentinel(errutil.StatusUnprocessableEntity, "WEBHOOK_REJECTED", "webhook rejected the request")
)

// Webhook posts JSON to one outbound collaborator, rate limited so a burst
// of queued tasks cannot flood it.
type Webhook struct {
	name    string
	url     string
	http    *http.Client
	limiter *rate.Limiter
}

func NewWebhook(name, url string, timeout time.Duration, r rate.Limit, burst int) *Webhook {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Webhook{
		name:    name,
		url:     url,
		http:    &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(r, burst),
	}
}

// PostJSON sends in and decodes the response body into out when out is not nil.
func (w *Webhook) PostJSON(ctx context.Context, in, out any) error {
	if w.url == "" {
		return ErrNotConfigured.Withf("%s webhook url is not configured", w.name)
	}

	if err := w.limiter.Wait(ctx); err != nil {
		return errutil.Timeout(fmt.Sprintf("%s webhook rate limit wait", w.name), err)
	}

	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", w.name, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build %s request: %w", w.name, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.http.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return errutil.Timeout(fmt.Sprintf("%s webhook timed out", w.name), err)
		}
		zap.L().Error("webhook call failed", zap.String("webhook", w.name), zap.Error(err))
		return errutil.BadGateway(fmt.Sprintf("%s webhook unreachable", w.name), err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return errutil.BadGateway(fmt.Sprintf("read %s response", w.name), err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		zap.L().Warn("webhook returned error status",
			zap.String("webhook", w.name),
			zap.Int("status", resp.StatusCode),
			zap.ByteString("body", raw),
		)
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests && resp.StatusCode != http.StatusRequestTimeout {
			return ErrRejected.Withf("%s webhook returned %d: %s", w.name, resp.StatusCode, raw)
		}
		return errutil.BadGateway(fmt.Sprintf("%s webhook returned %d", w.name, resp.StatusCode), nil)
	}

	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return errutil.BadGateway(fmt.Sprintf("decode %s response", w.name), err)
	}
	return nil
}
