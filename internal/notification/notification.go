// Package notification relays finished verification reports to humans
// through configured channels (Telegram, webhook).
//
// A policy decides which reports are sent: every report, failures only, or
// none. Send failures are logged and returned but never change a report.
package notification

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jkaninda/repocheck/internal/config"
	"github.com/jkaninda/repocheck/internal/pipeline"
)

// Policies.
const (
	PolicyAlways  = "always"
	PolicyFailure = "failure"
	PolicyNever   = "never"
)

// Sender is the interface for a single notification channel backend.
type Sender interface {
	// Type returns the channel type identifier ("telegram", "webhook").
	Type() string
	// Send delivers a message.
	Send(ctx context.Context, msg *Message) error
}

// Message is the payload to be sent through a notification channel.
type Message struct {
	Subject string           // One-line headline.
	Body    string           // Plain text body.
	Report  *pipeline.Report // The report being announced; webhook senders ship it as JSON.
}

// Recorder counts notification attempts, e.g. for metrics.
type Recorder interface {
	RecordNotification(channel string, err error)
}

// Dispatcher fans a report out to every registered Sender.
// Thread-safe.
type Dispatcher struct {
	policy   string
	senders  []Sender
	recorder Recorder
	logger   *slog.Logger
	mu       sync.RWMutex
}

// NewDispatcher creates a notification dispatcher. An empty policy means "failure".
func NewDispatcher(policy string, logger *slog.Logger) (*Dispatcher, error) {
	if policy == "" {
		policy = PolicyFailure
	}
	switch policy {
	case PolicyAlways, PolicyFailure, PolicyNever:
	default:
		return nil, fmt.Errorf("unknown notification policy %q", policy)
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Dispatcher{policy: policy, logger: logger}, nil
}

// RegisterSender adds a channel backend.
func (d *Dispatcher) RegisterSender(s Sender) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.senders = append(d.senders, s)
}

// WithRecorder attaches a recorder for send outcomes.
func (d *Dispatcher) WithRecorder(r Recorder) *Dispatcher {
	d.recorder = r
	return d
}

// Len returns the number of registered senders.
func (d *Dispatcher) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.senders)
}

// ShouldNotify reports whether the policy selects r.
func (d *Dispatcher) ShouldNotify(r *pipeline.Report) bool {
	switch d.policy {
	case PolicyAlways:
		return true
	case PolicyFailure:
		return !r.OK
	default:
		return false
	}
}

// NotifyReport sends r to every sender when the policy selects it.
// All senders are attempted; the returned error joins every failure.
func (d *Dispatcher) NotifyReport(ctx context.Context, r *pipeline.Report) error {
	if r == nil || !d.ShouldNotify(r) {
		return nil
	}
	return d.Notify(ctx, FormatReport(r))
}

// Notify sends msg to every registered sender regardless of policy.
func (d *Dispatcher) Notify(ctx context.Context, msg *Message) error {
	d.mu.RLock()
	senders := append([]Sender(nil), d.senders...)
	d.mu.RUnlock()

	var errs []error
	for _, s := range senders {
		err := s.Send(ctx, msg)
		if d.recorder != nil {
			d.recorder.RecordNotification(s.Type(), err)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Type(), err))
			d.logger.WarnContext(ctx, "notification send failed",
				slog.String("type", s.Type()),
				slog.String("error", err.Error()),
			)
			continue
		}
		d.logger.InfoContext(ctx, "notification sent", slog.String("type", s.Type()))
	}
	return errors.Join(errs...)
}

// FormatReport renders the message announcing a report.
func FormatReport(r *pipeline.Report) *Message {
	status := "PASS"
	if !r.OK {
		status = "FAIL"
	}
	subject := fmt.Sprintf("repocheck %s %s", status, r.Key)
	if r.ProjectType != "" {
		subject += " (" + r.ProjectType + ")"
	}
	body := r.Summary()
	if r.RunID != "" {
		body += "run " + r.RunID + "\n"
	}
	return &Message{Subject: subject, Body: body, Report: r}
}

// FromConfig builds a dispatcher with one sender per configured channel.
// A nil or disabled config yields a dispatcher with policy "never".
func FromConfig(cfg *config.NotificationConfig, logger *slog.Logger) (*Dispatcher, error) {
	if cfg == nil || !cfg.Enabled {
		return NewDispatcher(PolicyNever, logger)
	}
	d, err := NewDispatcher(cfg.Policy, logger)
	if err != nil {
		return nil, err
	}
	if tg := cfg.Telegram; tg != nil && tg.BotToken != "" && tg.ChatID != "" {
		d.RegisterSender(NewTelegramSender(tg.BotToken, tg.ChatID, tg.APIBaseURL, logger))
	}
	if wh := cfg.Webhook; wh != nil && wh.URL != "" {
		d.RegisterSender(NewWebhookSender(wh.URL, wh.Headers, time.Duration(wh.TimeoutSeconds)*time.Second, logger))
	}
	return d, nil
}
