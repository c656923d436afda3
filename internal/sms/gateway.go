package sms

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/signalix/identity/internal/logging"
	"github.com/signalix/identity/internal/metrics"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
)

// ErrCircuitOpen is returned while the gateway breaker rejects sends.
var ErrCircuitOpen = gobreaker.ErrOpenState

// GatewayConfig configures the HTTP SMS gateway client.
type GatewayConfig struct {
	URL      string
	APIKey   string
	SenderID string
	Timeout  time.Duration

	// Breaker trips once MinRequests have been seen and FailureRatio of them failed.
	MinRequests  uint32
	FailureRatio float64
	OpenTimeout  time.Duration
}

// DefaultGatewayConfig returns the production breaker settings.
func DefaultGatewayConfig(gatewayURL, apiKey, senderID string) GatewayConfig {
	return GatewayConfig{
		URL:          gatewayURL,
		APIKey:       apiKey,
		SenderID:     senderID,
		Timeout:      5 * time.Second,
		MinRequests:  5,
		FailureRatio: 0.5,
		OpenTimeout:  30 * time.Second,
	}
}

// Gateway posts messages to a form based HTTP SMS API behind a circuit breaker.
type Gateway struct {
	cfg     GatewayConfig
	client  *http.Client
	breaker *gobreaker.CircuitBreaker[struct{}]
	logger  *zap.Logger
}

func NewGateway(cfg GatewayConfig, logger *zap.Logger) *Gateway {
	settings := gobreaker.Settings{
		Name:        "sms-gateway",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= cfg.FailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
			metrics.SMSBreakerState.Set(stateToFloat(to))
		},
	}
	return &Gateway{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		breaker: gobreaker.NewCircuitBreaker[struct{}](settings),
		logger:  logger,
	}
}

func stateToFloat(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}

// State returns the breaker state.
func (g *Gateway) State() gobreaker.State {
	return g.breaker.State()
}

// Send posts one message. Non-2xx responses count as breaker failures.
func (g *Gateway) Send(ctx context.Context, phone, message string) error {
	_, err := g.breaker.Execute(func() (struct{}, error) {
		return struct{}{}, g.post(ctx, phone, message)
	})
	if err != nil {
		return fmt.Errorf("send sms: %w", err)
	}
	g.logger.Debug("sms accepted by gateway", logging.Phone(phone))
	return nil
}

func (g *Gateway) post(ctx context.Context, phone, message string) error {
	form := url.Values{}
	form.Set("to", phone)
	form.Set("from", g.cfg.SenderID)
	form.Set("message", message)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.cfg.URL, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	if g.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+g.cfg.APIKey)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("gateway responded %d", resp.StatusCode)
	}
	return nil
}
