// Package notify delivers export payloads to push-style destinations.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/rendis/invoiceflow/pkg/schema"
)

// Notifier sends rows to a target without waiting for the outcome.
// Implementations must return immediately and never report failures.
type Notifier interface {
	Notify(target string, rows []schema.Row)
}

// Nop discards every notification.
type Nop struct{}

// Notify does nothing.
func (Nop) Notify(string, []schema.Row) {}

const defaultTimeout = 10 * time.Second

// HTTPConfig configures an HTTPNotifier.
type HTTPConfig struct {
	// Timeout bounds each delivery attempt.
	Timeout time.Duration
	Retry   RetryPolicy
	// Breaker defaults to DefaultBreakerConfig.
	Breaker *BreakerConfig
	Client  *http.Client
	Logger  *slog.Logger
}

// HTTPNotifier POSTs {"payload": rows} as JSON to the target URL from a
// background goroutine. Failed deliveries are retried per the retry policy,
// which makes a single attempt when zero; targets that keep failing are
// skipped until their circuit cools down.
// Final errors are logged at debug level and dropped.
type HTTPNotifier struct {
	client   *http.Client
	timeout  time.Duration
	retry    RetryPolicy
	breakers *breakers
	logger   *slog.Logger
	wg       sync.WaitGroup
	done     chan struct{}
}

// NewHTTPNotifier creates an HTTPNotifier.
func NewHTTPNotifier(cfg HTTPConfig) *HTTPNotifier {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	breaker := DefaultBreakerConfig()
	if cfg.Breaker != nil {
		breaker = *cfg.Breaker
	}
	return &HTTPNotifier{
		client:   cfg.Client,
		timeout:  cfg.Timeout,
		retry:    cfg.Retry,
		breakers: newBreakers(breaker),
		logger:   cfg.Logger,
		done:     make(chan struct{}),
	}
}

// Notify schedules a delivery and returns immediately.
func (n *HTTPNotifier) Notify(target string, rows []schema.Row) {
	if target == "" {
		return
	}
	body, err := json.Marshal(map[string]any{"payload": rows})
	if err != nil {
		n.logger.Debug("notify: encode payload", slog.String("target", target), slog.Any("error", err))
		return
	}
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		if err := n.deliver(target, body); err != nil {
			n.logger.Debug("notify: delivery failed", slog.String("target", target), slog.Any("error", err))
		}
	}()
}

// Wait blocks until all in-flight deliveries have finished.
func (n *HTTPNotifier) Wait() {
	n.wg.Wait()
}

// Close cancels pending retry waits and then waits for in-flight deliveries.
func (n *HTTPNotifier) Close() {
	select {
	case <-n.done:
	default:
		close(n.done)
	}
	n.wg.Wait()
}

// deliver posts body to target, retrying retryable failures. The breaker
// counts one failure per exhausted delivery, not per attempt.
func (n *HTTPNotifier) deliver(target string, body []byte) error {
	if err := n.breakers.allow(target); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-n.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	var err error
	for attempt := 0; attempt < n.retry.attempts(); attempt++ {
		if attempt > 0 {
			if waitErr := waitForBackoff(ctx, computeBackoff(n.retry, attempt-1)); waitErr != nil {
				break
			}
		}
		if err = n.post(ctx, target, body); err == nil {
			n.breakers.success(target)
			return nil
		}
		if !isRetryable(err) {
			break
		}
	}

	if state := n.breakers.failure(target); state == CircuitOpen {
		n.logger.Debug("notify: circuit open", slog.String("target", target))
	}
	return err
}

func (n *HTTPNotifier) post(ctx context.Context, target string, body []byte) error {
	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return &permanentError{err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 400 {
		return &statusError{code: resp.StatusCode}
	}
	return nil
}

var (
	_ Notifier = Nop{}
	_ Notifier = (*HTTPNotifier)(nil)
)
