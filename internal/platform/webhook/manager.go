// Package webhook delivers rest-hook subscription notifications with
// HMAC-SHA256 signing, bounded queueing, retries and a delivery log.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

var (
	// ErrQueueFull is returned by Enqueue when the delivery backlog is at capacity.
	ErrQueueFull = errors.New("webhook queue full")
	// ErrDeliveryFailed is returned once every attempt for a notification has failed.
	ErrDeliveryFailed = errors.New("webhook delivery failed")
)

// Notification is one rest-hook POST to make on behalf of a subscription.
type Notification struct {
	ID             string
	SubscriptionID string
	Endpoint       string
	ContentType    string   // empty means an empty body is sent
	Headers        []string // "Name: value"
	Body           []byte

	// Done, when set, receives the final outcome after retries.
	Done func(err error)
}

// DeliveryAttempt records a single POST.
type DeliveryAttempt struct {
	ID             string        `json:"id"`
	SubscriptionID string        `json:"subscription_id"`
	NotificationID string        `json:"notification_id"`
	Endpoint       string        `json:"endpoint"`
	StatusCode     int           `json:"status_code"`
	Duration       time.Duration `json:"duration_ns"`
	Attempt        int           `json:"attempt"`
	Status         string        `json:"status"` // "success", "failed"
	Error          string        `json:"error,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
}

// DeliveryLog persists delivery attempts.
type DeliveryLog interface {
	RecordDelivery(ctx context.Context, attempt *DeliveryAttempt) error
	ListDeliveries(ctx context.Context, subscriptionID string, limit, offset int) ([]*DeliveryAttempt, int, error)
}

// InMemoryDeliveryLog keeps the most recent attempts per subscription.
type InMemoryDeliveryLog struct {
	mu       sync.RWMutex
	perSub   int
	attempts map[string][]*DeliveryAttempt
}

// NewInMemoryDeliveryLog creates a log retaining at most perSubscription attempts per subscription.
func NewInMemoryDeliveryLog(perSubscription int) *InMemoryDeliveryLog {
	if perSubscription <= 0 {
		perSubscription = 100
	}
	return &InMemoryDeliveryLog{perSub: perSubscription, attempts: make(map[string][]*DeliveryAttempt)}
}

func (l *InMemoryDeliveryLog) RecordDelivery(_ context.Context, attempt *DeliveryAttempt) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	list := append(l.attempts[attempt.SubscriptionID], attempt)
	if len(list) > l.perSub {
		list = list[len(list)-l.perSub:]
	}
	l.attempts[attempt.SubscriptionID] = list
	return nil
}

// ListDeliveries returns attempts newest first.
func (l *InMemoryDeliveryLog) ListDeliveries(_ context.Context, subscriptionID string, limit, offset int) ([]*DeliveryAttempt, int, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	list := l.attempts[subscriptionID]
	total := len(list)
	if offset >= total {
		return []*DeliveryAttempt{}, total, nil
	}
	out := make([]*DeliveryAttempt, 0, limit)
	for i := total - 1 - offset; i >= 0 && len(out) < limit; i-- {
		out = append(out, list[i])
	}
	return out, total, nil
}

// SignPayload computes an HMAC-SHA256 signature of the payload using the given secret,
// returning the hex-encoded result.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature returns true when the hex-encoded signature matches the HMAC-SHA256
// of payload under the given secret.
func VerifySignature(payload []byte, secret, signature string) bool {
	expected := SignPayload(payload, secret)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// ValidateEndpointURL checks that the URL is absolute and uses http or https.
func ValidateEndpointURL(rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("url is required")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("url scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("url must include a host")
	}
	return nil
}

// Option configures a Deliverer.
type Option func(*Deliverer)

// WithMaxRetries sets the number of retries after the first attempt.
func WithMaxRetries(n int) Option {
	return func(d *Deliverer) { d.maxRetries = n }
}

// WithRetryDelays overrides the backoff schedule. The last delay repeats.
func WithRetryDelays(delays ...time.Duration) Option {
	return func(d *Deliverer) { d.retryDelays = delays }
}

// WithSecret enables the X-Webhook-Signature header.
func WithSecret(secret string) Option {
	return func(d *Deliverer) { d.secret = secret }
}

// WithQueueSize sets the capacity of the pending notification queue.
func WithQueueSize(n int) Option {
	return func(d *Deliverer) { d.queueSize = n }
}

// WithWorkers sets the number of concurrent delivery goroutines.
func WithWorkers(n int) Option {
	return func(d *Deliverer) { d.workers = n }
}

// Deliverer POSTs rest-hook notifications from a bounded queue.
type Deliverer struct {
	log         DeliveryLog
	logger      zerolog.Logger
	httpClient  *http.Client
	maxRetries  int
	retryDelays []time.Duration
	secret      string
	queueSize   int
	workers     int

	queue chan Notification
	wg    sync.WaitGroup
}

// NewDeliverer creates a Deliverer with sensible defaults.
func NewDeliverer(log DeliveryLog, logger zerolog.Logger, opts ...Option) *Deliverer {
	d := &Deliverer{
		log:    log,
		logger: logger,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		maxRetries:  3,
		retryDelays: []time.Duration{1 * time.Second, 30 * time.Second, 5 * time.Minute},
		queueSize:   256,
		workers:     4,
	}
	for _, o := range opts {
		o(d)
	}
	if d.workers <= 0 {
		d.workers = 1
	}
	d.queue = make(chan Notification, d.queueSize)
	return d
}

// Enqueue schedules a notification without blocking.
func (d *Deliverer) Enqueue(n Notification) error {
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	select {
	case d.queue <- n:
		return nil
	default:
		return errors.Wrapf(ErrQueueFull, "subscription %s", n.SubscriptionID)
	}
}

// Start runs the delivery workers. It blocks until ctx is cancelled and the
// workers have returned.
func (d *Deliverer) Start(ctx context.Context) {
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case n := <-d.queue:
					err := d.Deliver(ctx, n)
					if n.Done != nil {
						n.Done(err)
					}
				}
			}
		}()
	}
	d.wg.Wait()
}

// Deliver POSTs the notification, retrying on failure.
func (d *Deliverer) Deliver(ctx context.Context, n Notification) error {
	var lastErr error
	for attempt := 1; attempt <= d.maxRetries+1; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return errors.Wrap(ctx.Err(), "delivery cancelled")
			case <-time.After(d.retryDelay(attempt - 1)):
			}
		}
		lastErr = d.attempt(ctx, n, attempt)
		if lastErr == nil {
			return nil
		}
		d.logger.Warn().Err(lastErr).
			Str("subscription", n.SubscriptionID).
			Int("attempt", attempt).
			Msg("rest-hook delivery attempt failed")
	}
	return errors.Wrapf(ErrDeliveryFailed, "%s after %d attempts: %v", n.Endpoint, d.maxRetries+1, lastErr)
}

func (d *Deliverer) retryDelay(retry int) time.Duration {
	if len(d.retryDelays) == 0 {
		return 0
	}
	if retry > len(d.retryDelays) {
		return d.retryDelays[len(d.retryDelays)-1]
	}
	return d.retryDelays[retry-1]
}

func (d *Deliverer) attempt(ctx context.Context, n Notification, attemptNo int) error {
	now := time.Now()
	rec := &DeliveryAttempt{
		ID:             uuid.New().String(),
		SubscriptionID: n.SubscriptionID,
		NotificationID: n.ID,
		Endpoint:       n.Endpoint,
		Attempt:        attemptNo,
		Status:         "failed",
		CreatedAt:      now,
	}
	defer func() {
		if d.log != nil {
			if err := d.log.RecordDelivery(ctx, rec); err != nil {
				d.logger.Error().Err(err).Msg("failed to record delivery attempt")
			}
		}
	}()

	var body []byte
	if n.ContentType != "" {
		body = n.Body
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.Endpoint, bytes.NewReader(body))
	if err != nil {
		rec.Error = err.Error()
		return err
	}
	if n.ContentType != "" {
		req.Header.Set("Content-Type", n.ContentType)
	}
	applyHeaders(req, n.Headers)
	req.Header.Set("X-Webhook-ID", n.ID)
	req.Header.Set("X-Webhook-Timestamp", now.UTC().Format(time.RFC3339))
	if d.secret != "" {
		req.Header.Set("X-Webhook-Signature", "sha256="+SignPayload(body, d.secret))
	}

	resp, err := d.httpClient.Do(req)
	rec.Duration = time.Since(now)
	if err != nil {
		rec.Error = err.Error()
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	rec.StatusCode = resp.StatusCode
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		rec.Error = fmt.Sprintf("non-2xx response: %d", resp.StatusCode)
		return errors.New(rec.Error)
	}
	rec.Status = "success"
	return nil
}

// Handshake sends the activation POST for a requested rest-hook subscription.
// Returns nil if the endpoint responds with 2xx.
func (d *Deliverer) Handshake(ctx context.Context, endpoint string, headers []string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader([]byte("{}")))
	if err != nil {
		return errors.Wrap(err, "build handshake request")
	}
	req.Header.Set("Content-Type", "application/fhir+json")
	applyHeaders(req, headers)

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "handshake failed")
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errors.Errorf("handshake returned status %d", resp.StatusCode)
	}
	return nil
}

// Deliveries returns the recorded attempts for one subscription.
func (d *Deliverer) Deliveries(ctx context.Context, subscriptionID string, limit, offset int) ([]*DeliveryAttempt, int, error) {
	if d.log == nil {
		return []*DeliveryAttempt{}, 0, nil
	}
	return d.log.ListDeliveries(ctx, subscriptionID, limit, offset)
}

func applyHeaders(req *http.Request, headers []string) {
	for _, h := range headers {
		name, value, ok := strings.Cut(h, ":")
		if ok {
			req.Header.Set(strings.TrimSpace(name), strings.TrimSpace(value))
		}
	}
}
