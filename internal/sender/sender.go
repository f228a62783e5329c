// Package sender delivers rendered messages to a destination phone number.
package sender

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"
)

// MinDestinationDigits is the shortest phone number accepted for delivery.
const MinDestinationDigits = 10

// ErrInvalidDestination is reported when a destination fails the well-formedness check.
var ErrInvalidDestination = errors.New("invalid destination")

// Result is the outcome of a delivery attempt as reported by the provider.
type Result struct {
	Success bool
	Error   string
}

// Sender delivers one message. A provider-level rejection is returned as an unsuccessful
// Result; a returned error means the call itself did not complete (timeout, transport).
type Sender interface {
	Send(ctx context.Context, destination, payload string) (Result, error)
}

// NormalizePhone strips everything but digits.
func NormalizePhone(raw string) string {
	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// ValidDestination reports whether destination has enough digits to be dialable.
func ValidDestination(destination string) bool {
	return len(NormalizePhone(destination)) >= MinDestinationDigits
}

// LogSender is a dry-run sender that only logs the message.
type LogSender struct {
	log *zap.Logger
}

// NewLogSender returns a sender that always succeeds.
func NewLogSender(log *zap.Logger) *LogSender {
	if log == nil {
		log = zap.NewNop()
	}
	return &LogSender{log: log}
}

func (s *LogSender) Send(ctx context.Context, destination, payload string) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	s.log.Info("dry-run send", zap.String("destination", destination), zap.Int("payload_len", len(payload)))
	return Result{Success: true}, nil
}
