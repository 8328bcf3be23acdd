// Package bus publishes call events to NATS so that external consumers (CRM
// sync, dashboards) can follow a qualification live.
//
// Subjects are <prefix>.<call_id>.transcript for finalized transcript
// entries, <prefix>.<call_id>.qualification for audit log entries and
// <prefix>.<call_id>.call for call start and end. Payloads are JSON.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/MrWong99/qualivox/internal/qualify"
	"github.com/MrWong99/qualivox/internal/transcript"
)

// DefaultSubjectPrefix is used when Config.SubjectPrefix is empty.
const DefaultSubjectPrefix = "qualivox"

// Config holds the NATS connection settings.
type Config struct {
	Servers        []string
	SubjectPrefix  string
	Token          string
	ConnectTimeout time.Duration
}

// Conn is the subset of *nats.Conn the publisher needs.
type Conn interface {
	Publish(subject string, data []byte) error
}

// Publisher serialises call events onto NATS subjects. Safe for concurrent
// use.
type Publisher struct {
	conn   Conn
	nc     *nats.Conn
	prefix string
	log    *slog.Logger
}

// Connect dials the configured servers.
func Connect(ctx context.Context, cfg Config, log *slog.Logger) (*Publisher, error) {
	if len(cfg.Servers) == 0 {
		return nil, errors.New("bus: no NATS servers configured")
	}
	if log == nil {
		log = slog.Default()
	}
	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	if dl, ok := ctx.Deadline(); ok && time.Until(dl) < timeout {
		timeout = time.Until(dl)
	}

	opts := []nats.Option{
		nats.Name("qualivox"),
		nats.Timeout(timeout),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("nats disconnected", "component", "bus", "err", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("nats reconnected", "component", "bus", "url", nc.ConnectedUrl())
		}),
	}
	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}

	url := strings.Join(cfg.Servers, ",")
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("bus: connect to nats: %w", err)
	}
	log.Info("connected to nats", "component", "bus", "servers", url)

	p := NewPublisher(nc, cfg.SubjectPrefix, log)
	p.nc = nc
	return p, nil
}

// NewPublisher wraps an existing connection.
func NewPublisher(conn Conn, prefix string, log *slog.Logger) *Publisher {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	if log == nil {
		log = slog.Default()
	}
	return &Publisher{conn: conn, prefix: prefix, log: log.With("component", "bus")}
}

// Healthy reports whether the underlying NATS connection is up. Publishers
// built with NewPublisher over a non-NATS Conn are always healthy.
func (p *Publisher) Healthy() bool {
	if p == nil {
		return false
	}
	if p.nc == nil {
		return p.conn != nil
	}
	return p.nc.Status() == nats.CONNECTED
}

// Close drains pending messages and closes the connection.
func (p *Publisher) Close() error {
	if p == nil || p.nc == nil {
		return nil
	}
	p.log.Info("closing nats connection")
	err := p.nc.Drain()
	p.nc.Close()
	return err
}

// Subject builds the subject for kind under callID. Characters that carry
// meaning in NATS subjects are replaced in the call ID.
func (p *Publisher) Subject(callID, kind string) string {
	return p.prefix + "." + sanitize(callID) + "." + kind
}

func sanitize(token string) string {
	if token == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n', '\r':
			return '_'
		}
		return r
	}, token)
}

// TranscriptEvent is the payload on the transcript subject.
type TranscriptEvent struct {
	CallID    string    `json:"call_id"`
	Speaker   string    `json:"speaker"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// QualificationEvent is the payload on the qualification subject.
type QualificationEvent struct {
	CallID     string    `json:"call_id"`
	Timestamp  time.Time `json:"timestamp"`
	Field      string    `json:"field,omitempty"`
	OldValue   any       `json:"old_value,omitempty"`
	NewValue   any       `json:"new_value,omitempty"`
	Source     string    `json:"source"`
	Confidence string    `json:"confidence"`
	Note       string    `json:"note,omitempty"`
}

// CallEvent is the payload on the call subject.
type CallEvent struct {
	CallID    string         `json:"call_id"`
	Status    string         `json:"status"`
	Timestamp time.Time      `json:"timestamp"`
	Provider  string         `json:"provider,omitempty"`
	Record    map[string]any `json:"record,omitempty"`
}

// Call statuses.
const (
	CallStarted = "started"
	CallEnded   = "ended"
)

// PublishTranscript publishes a finalized transcript entry.
func (p *Publisher) PublishTranscript(callID string, e transcript.Entry) error {
	return p.publish(p.Subject(callID, "transcript"), TranscriptEvent{
		CallID:    callID,
		Speaker:   e.Speaker.String(),
		Text:      e.Text,
		Timestamp: e.Timestamp,
	})
}

// PublishQualification publishes one audit log entry.
func (p *Publisher) PublishQualification(callID string, e qualify.LogEntry) error {
	return p.publish(p.Subject(callID, "qualification"), QualificationEvent{
		CallID:     callID,
		Timestamp:  e.Timestamp,
		Field:      e.Field,
		OldValue:   e.OldValue,
		NewValue:   e.NewValue,
		Source:     e.Source.String(),
		Confidence: e.Confidence.String(),
		Note:       e.Note,
	})
}

// PublishCall publishes a call lifecycle event.
func (p *Publisher) PublishCall(ev CallEvent) error {
	return p.publish(p.Subject(ev.CallID, "call"), ev)
}

func (p *Publisher) publish(subject string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("bus: encode %s: %w", subject, err)
	}
	if err := p.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("bus: publish %s: %w", subject, err)
	}
	return nil
}
