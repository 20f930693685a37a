package bus

import (
	"errors"
	"strings"
)

// Common errors.
var (
	ErrClosed         = errors.New("bus closed")
	ErrInvalidSubject = errors.New("invalid subject")
)

// Message is one published payload.
type Message struct {
	Subject string

	// ID identifies the payload for duplicate detection. Optional.
	ID string

	Data []byte
}

// MessageBus publishes and delivers subject-addressed messages.
type MessageBus interface {
	// Publish sends a message to all subscribers of a subject.
	// Delivery is best effort; a slow subscriber loses messages rather
	// than blocking the publisher.
	Publish(subject string, data []byte) error

	// PublishMessage is Publish with a message ID.
	PublishMessage(msg *Message) error

	// Subscribe creates a subscription to a subject or wildcard pattern.
	Subscribe(subject string) (Subscription, error)

	// Close shuts down the bus.
	Close() error
}

// Subscription represents an active subscription.
type Subscription interface {
	// Messages returns the channel for incoming messages.
	// Channel is closed when subscription ends.
	Messages() <-chan *Message

	// Unsubscribe cancels the subscription.
	Unsubscribe() error
}

// Config holds common bus configuration.
type Config struct {
	// BufferSize for subscription channels.
	// Default: 256
	BufferSize int
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		BufferSize: 256,
	}
}

// ValidateSubject checks a publish subject: dot-separated non-empty tokens
// without whitespace or wildcards.
func ValidateSubject(subject string) error {
	return validate(subject, false)
}

// ValidatePattern checks a subscription subject, which may use the
// token wildcard "*" and a trailing ">".
func ValidatePattern(pattern string) error {
	return validate(pattern, true)
}

func validate(subject string, wildcards bool) error {
	if subject == "" || strings.ContainsAny(subject, " \t\r\n") {
		return ErrInvalidSubject
	}
	tokens := strings.Split(subject, ".")
	for i, tok := range tokens {
		switch {
		case tok == "":
			return ErrInvalidSubject
		case tok == "*" || tok == ">":
			if !wildcards {
				return ErrInvalidSubject
			}
			if tok == ">" && i != len(tokens)-1 {
				return ErrInvalidSubject
			}
		case strings.ContainsAny(tok, "*>"):
			return ErrInvalidSubject
		}
	}
	return nil
}

// MatchSubject reports whether subject matches pattern using NATS
// semantics: "*" matches one token, a trailing ">" matches one or more.
func MatchSubject(pattern, subject string) bool {
	pt := strings.Split(pattern, ".")
	st := strings.Split(subject, ".")
	for i, p := range pt {
		if p == ">" {
			return len(st) > i
		}
		if i >= len(st) {
			return false
		}
		if p != "*" && p != st[i] {
			return false
		}
	}
	return len(pt) == len(st)
}
