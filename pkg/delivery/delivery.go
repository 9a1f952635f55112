// Package delivery hands one-time codes to whatever sends SMS and email. The identity core
// never talks to a provider directly; it publishes a request and moves on.
package delivery

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/buymybills/Incollabe-BE-sub001/pkg/vault"
)

const (
	SubjectPhone = "auth.otc.phone"
	SubjectEmail = "auth.otc.email"
)

// Sender delivers a code to a formatted identifier.
type Sender interface {
	SendCode(ctx context.Context, channel vault.IdentifierKind, formattedIdentifier, code string) error
}

// CodeMessage is the JSON body published for the notifier.
type CodeMessage struct {
	Channel     vault.IdentifierKind `json:"channel"`
	Recipient   string               `json:"recipient"`
	Code        string               `json:"code"`
	RequestedAt time.Time            `json:"requestedAt"`
}

func Subject(channel vault.IdentifierKind) string {
	if channel == vault.KindEmail {
		return SubjectEmail
	}
	return SubjectPhone
}

// publisher is the subset of the JetStream bus used here.
type publisher interface {
	Publish(ctx context.Context, subj string, v any) error
}

// BusSender publishes delivery requests onto JetStream.
type BusSender struct {
	bus publisher
	now func() time.Time
}

func NewBusSender(bus publisher) *BusSender {
	return &BusSender{bus: bus, now: time.Now}
}

func (s *BusSender) SendCode(ctx context.Context, channel vault.IdentifierKind, formattedIdentifier, code string) error {
	return s.bus.Publish(ctx, Subject(channel), CodeMessage{
		Channel:     channel,
		Recipient:   formattedIdentifier,
		Code:        code,
		RequestedAt: s.now().UTC(),
	})
}

// LogSender is the development sender. It records that a code went out and nothing else.
type LogSender struct {
	logger zerolog.Logger
}

func NewLogSender(logger zerolog.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (s *LogSender) SendCode(_ context.Context, channel vault.IdentifierKind, _ string, _ string) error {
	s.logger.Info().Str("channel", string(channel)).Msg("one-time code dispatched")
	return nil
}
