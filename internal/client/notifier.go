// Package client holds thin adapters to external systems.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/keiri-ai/be-invoice-approval/internal/domain"
)

// Notifier publishes workflow events to NATS for downstream notification
// services.
//
// Subject convention: notifications.invoice.<event>
// Events: submitted, approved, rejected, completed
//
// All publish operations are non-fatal. Errors are logged but never
// propagated, so a notification outage cannot interrupt a transition.
type Notifier struct {
	conn *nats.Conn
	log  zerolog.Logger
}

// InvoiceEventMessage is the JSON schema published to NATS.
type InvoiceEventMessage struct {
	Event         string               `json:"event"`
	InvoiceID     string               `json:"invoice_id"`
	InvoiceNumber string               `json:"invoice_number"`
	Status        domain.InvoiceStatus `json:"status"`
	ActorID       string               `json:"actor_id"`
	ActorRole     domain.Role          `json:"actor_role"`
	ApplicantID   string               `json:"applicant_id"`
	OccurredAt    time.Time            `json:"occurred_at"`
}

// NewNotifier connects to NATS and returns the publisher.
func NewNotifier(url string, log zerolog.Logger) (*Notifier, error) {
	conn, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &Notifier{
		conn: conn,
		log:  log.With().Str("component", "notifier").Logger(),
	}, nil
}

// InvoiceEvent publishes one workflow event.
func (n *Notifier) InvoiceEvent(_ context.Context, event string, inv *domain.Invoice, actor domain.User) {
	if n == nil || n.conn == nil {
		return
	}

	msg := InvoiceEventMessage{
		Event:         event,
		InvoiceID:     inv.ID,
		InvoiceNumber: inv.InvoiceNumber,
		Status:        inv.Status,
		ActorID:       actor.ID,
		ActorRole:     actor.Role,
		ApplicantID:   inv.Applicant.ID,
		OccurredAt:    time.Now().UTC(),
	}

	data, err := json.Marshal(msg)
	if err != nil {
		n.log.Warn().Err(err).Str("event", event).Msg("notification: failed to marshal event")
		return
	}

	subject := fmt.Sprintf("notifications.invoice.%s", event)
	if err := n.conn.Publish(subject, data); err != nil {
		n.log.Warn().Err(err).
			Str("subject", subject).
			Str("invoice_id", inv.ID).
			Msg("notification: failed to publish NATS event (non-fatal)")
		return
	}

	n.log.Debug().
		Str("subject", subject).
		Str("invoice_id", inv.ID).
		Msg("notification: event published")
}

// Close drains the NATS connection.
func (n *Notifier) Close() {
	if n == nil || n.conn == nil {
		return
	}
	if err := n.conn.Drain(); err != nil {
		n.log.Warn().Err(err).Msg("notification: drain failed")
	}
}
