// internal/clients/notification_client.go
package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"checkoutledger/internal/circulation"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
)

// NotificationClient posts checkout notices to a webhook. Calls go through a
// circuit breaker so a dead endpoint costs one fast failure per request.
type NotificationClient struct {
	url     string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
}

// BreakerSettings tunes the webhook circuit breaker.
type BreakerSettings struct {
	// ConsecutiveFailures opens the breaker.
	ConsecutiveFailures uint32
	// OpenTimeout is how long the breaker stays open before probing.
	OpenTimeout time.Duration
}

var DefaultBreakerSettings = BreakerSettings{ConsecutiveFailures: 5, OpenTimeout: 30 * time.Second}

func NewNotificationClient(webhookURL string, timeout time.Duration, bs BreakerSettings, log logrus.FieldLogger) *NotificationClient {
	if bs.ConsecutiveFailures == 0 {
		bs.ConsecutiveFailures = DefaultBreakerSettings.ConsecutiveFailures
	}
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "notification-webhook",
		MaxRequests: 1,
		Timeout:     bs.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= bs.ConsecutiveFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("circuit breaker state changed")
		},
	})
	return &NotificationClient{
		url:     webhookURL,
		http:    &http.Client{Timeout: timeout},
		breaker: breaker,
	}
}

func (c *NotificationClient) NotifyCheckout(ctx context.Context, notice circulation.Notice) error {
	body, err := json.Marshal(notice)
	if err != nil {
		return fmt.Errorf("encode notice: %w", err)
	}

	_, err = c.breaker.Execute(func() (interface{}, error) {
		return nil, c.post(ctx, body)
	})
	if err != nil {
		return fmt.Errorf("notify checkout: %w", err)
	}
	return nil
}

func (c *NotificationClient) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
	return nil
}

// State reports the breaker state, for health output.
func (c *NotificationClient) State() string {
	return c.breaker.State().String()
}
