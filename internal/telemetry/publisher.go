// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package telemetry

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/jeranaias/chatwidget/internal/model"
)

// DefaultSubjectPrefix is used when no prefix is configured.
const DefaultSubjectPrefix = "chatwidget"

// TranscriptEvent is published after every session change.
type TranscriptEvent struct {
	ChatflowID     string          `json:"chatflow_id"`
	ConversationID string          `json:"chat_id"`
	Mode           model.Mode      `json:"mode"`
	Version        uint64          `json:"version"`
	Messages       []model.Message `json:"messages"`
}

// TurnEvent is published when a turn ends.
type TurnEvent struct {
	ChatflowID     string    `json:"chatflow_id"`
	ConversationID string    `json:"chat_id"`
	Stats          TurnStats `json:"stats"`
}

// Publisher ships session events to an external consumer.
type Publisher interface {
	PublishTranscript(ev TranscriptEvent) error
	PublishTurn(ev TurnEvent) error
	Close()
}

// NopPublisher discards everything.
type NopPublisher struct{}

func (NopPublisher) PublishTranscript(TranscriptEvent) error { return nil }
func (NopPublisher) PublishTurn(TurnEvent) error             { return nil }
func (NopPublisher) Close()                                  {}

// =============================================================================
// NATS PUBLISHER
// =============================================================================

// NATSPublisher publishes JSON events to <prefix>.<chatflow>.transcript and
// <prefix>.<chatflow>.turn.
type NATSPublisher struct {
	conn   *nats.Conn
	prefix string
	logger zerolog.Logger
}

// NewNATSPublisher connects to url. The connection retries in the
// background, so an unreachable server is not an error here.
func NewNATSPublisher(url, token, prefix string, logger zerolog.Logger) (*NATSPublisher, error) {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	opts := []nats.Option{
		nats.Name("chatwidget"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(60),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn().Err(err).Msg("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info().Msg("nats reconnected")
		}),
	}
	if token != "" {
		opts = append(opts, nats.Token(token))
	}

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	return &NATSPublisher{conn: nc, prefix: prefix, logger: logger}, nil
}

// PublishTranscript implements Publisher.
func (p *NATSPublisher) PublishTranscript(ev TranscriptEvent) error {
	return p.publish(Subject(p.prefix, ev.ChatflowID, "transcript"), ev)
}

// PublishTurn implements Publisher.
func (p *NATSPublisher) PublishTurn(ev TurnEvent) error {
	return p.publish(Subject(p.prefix, ev.ChatflowID, "turn"), ev)
}

func (p *NATSPublisher) publish(subject string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	if err := p.conn.Publish(subject, payload); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// Close drains pending messages and closes the connection.
func (p *NATSPublisher) Close() {
	if err := p.conn.Drain(); err != nil {
		p.conn.Close()
	}
}

// Subject builds a subject, replacing characters NATS treats as separators
// or wildcards inside the chatflow id.
func Subject(prefix, chatflowID, kind string) string {
	token := strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n', '\r':
			return '_'
		}
		return r
	}, chatflowID)
	if token == "" {
		token = "_"
	}
	return prefix + "." + token + "." + kind
}
