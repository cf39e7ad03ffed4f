package client

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/pesio-ai/be-plt-workflows/internal/logger"
)

// DocumentEventKind is the trigger kind document events are dispatched as.
const DocumentEventKind = "document-event"

// DocumentEventSubscriber feeds document change events from NATS into the
// trigger registry.
//
// Subject convention: documents.events.<event>, e.g. documents.events.uploaded.
// The message body is a JSON object; the last subject token is added to it as
// "event" when the body does not carry one.
type DocumentEventSubscriber struct {
	conn       *nats.Conn
	subject    string
	dispatcher EventDispatcher
	timeout    time.Duration
	log        *logger.Logger

	sub *nats.Subscription
}

func NewDocumentEventSubscriber(conn *nats.Conn, subject string, dispatcher EventDispatcher, log *logger.Logger) *DocumentEventSubscriber {
	if subject == "" {
		subject = "documents.events.>"
	}
	return &DocumentEventSubscriber{
		conn:       conn,
		subject:    subject,
		dispatcher: dispatcher,
		timeout:    30 * time.Second,
		log:        log.Component("document_events"),
	}
}

// Start subscribes. Messages are handled on the NATS client goroutine.
func (s *DocumentEventSubscriber) Start() error {
	sub, err := s.conn.Subscribe(s.subject, s.handle)
	if err != nil {
		return err
	}
	s.sub = sub
	s.log.Info().Str("subject", s.subject).Msg("Subscribed to document events")
	return nil
}

// Stop drains the subscription.
func (s *DocumentEventSubscriber) Stop() error {
	if s.sub == nil {
		return nil
	}
	return s.sub.Drain()
}

func (s *DocumentEventSubscriber) handle(msg *nats.Msg) {
	payload := map[string]any{}
	if err := json.Unmarshal(msg.Data, &payload); err != nil {
		s.log.Warn().Err(err).Str("subject", msg.Subject).Msg("Dropping malformed document event")
		return
	}
	if _, ok := payload["event"]; !ok {
		if i := strings.LastIndex(msg.Subject, "."); i >= 0 {
			payload["event"] = msg.Subject[i+1:]
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	started, err := s.dispatcher.DispatchEvent(ctx, DocumentEventKind, payload)
	if err != nil {
		s.log.Warn().Err(err).Str("subject", msg.Subject).Msg("Document event dispatch failed")
		return
	}
	s.log.Debug().
		Str("subject", msg.Subject).
		Int("executions_started", started).
		Msg("Document event dispatched")
}
