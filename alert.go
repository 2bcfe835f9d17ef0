package edgeward

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Alerter delivers a single critical-event alert through one channel.
type Alerter interface {
	Name() string
	Send(ctx context.Context, alert *Alert) error
}

// Alert is the rendered payload handed to every registered alerter.
type Alert struct {
	Event   SecurityEvent `json:"event"`
	Message string        `json:"message"`
}

// AlertRegistry fans a critical event out to every registered alerter.
// Dispatch is triggered synchronously by the monitor; each delivery runs
// under its own bounded timeout and failures are logged, never propagated.
type AlertRegistry struct {
	log     zerolog.Logger
	timeout time.Duration

	mu      sync.RWMutex
	senders map[string]Alerter
}

func NewAlertRegistry(log zerolog.Logger) *AlertRegistry {
	return &AlertRegistry{
		log:     log,
		timeout: 10 * time.Second,
		senders: make(map[string]Alerter),
	}
}

func (ar *AlertRegistry) Register(sender Alerter) {
	ar.mu.Lock()
	ar.senders[sender.Name()] = sender
	ar.mu.Unlock()
}

// Dispatch renders the alert and hands it to every sender.
func (ar *AlertRegistry) Dispatch(ctx context.Context, ev SecurityEvent) {
	alert := &Alert{
		Event: ev,
		Message: fmt.Sprintf("critical security event %s from %s on %s",
			ev.Type, ev.Client, ev.Endpoint),
	}
	ar.mu.RLock()
	senders := make([]Alerter, 0, len(ar.senders))
	for _, s := range ar.senders {
		senders = append(senders, s)
	}
	ar.mu.RUnlock()

	for _, sender := range senders {
		sendCtx, cancel := context.WithTimeout(ctx, ar.timeout)
		err := sender.Send(sendCtx, alert)
		cancel()
		if err != nil {
			ar.log.Error().Err(err).Str("channel", sender.Name()).Msg("alert delivery failed")
		}
	}
}

// LogAlerter writes alerts to the structured log.
type LogAlerter struct {
	Log zerolog.Logger
}

func (s *LogAlerter) Name() string { return "log" }

func (s *LogAlerter) Send(_ context.Context, alert *Alert) error {
	s.Log.Error().
		Str("event", string(alert.Event.Type)).
		Str("client", alert.Event.Client).
		Str("endpoint", alert.Event.Endpoint).
		Msg(alert.Message)
	return nil
}

// WebhookAlerter POSTs alerts as JSON to the configured URLs. Message bodies
// support {{client}}, {{endpoint}}, {{event}} and {{severity}} placeholders.
type WebhookAlerter struct {
	URLs     []string
	Template string
	Client   *http.Client
}

func NewWebhookAlerter(urls []string) *WebhookAlerter {
	return &WebhookAlerter{
		URLs:   urls,
		Client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (s *WebhookAlerter) Name() string { return "webhook" }

func (s *WebhookAlerter) Send(ctx context.Context, alert *Alert) error {
	message := alert.Message
	if s.Template != "" {
		message = replaceAlertPlaceholders(s.Template, alert.Event)
	}
	body, err := json.Marshal(map[string]any{
		"message":   message,
		"event":     alert.Event,
		"timestamp": alert.Event.Timestamp.Format(time.RFC3339),
	})
	if err != nil {
		return err
	}

	var lastErr error
	for _, url := range s.URLs {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			lastErr = err
			continue
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := s.Client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			lastErr = fmt.Errorf("webhook %s returned status %d", url, resp.StatusCode)
		}
	}
	return lastErr
}

func replaceAlertPlaceholders(template string, ev SecurityEvent) string {
	return strings.NewReplacer(
		"{{client}}", ev.Client,
		"{{endpoint}}", ev.Endpoint,
		"{{event}}", string(ev.Type),
		"{{severity}}", string(ev.Severity),
	).Replace(template)
}
