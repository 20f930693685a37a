// Package bus carries escrow lifecycle notifications to interested parties.
//
// The program publishes one message per committed transition. Subscribers
// are observers only: a message that is lost never affects custody, since
// the store remains the source of truth.
//
// # Available Implementations
//
//   - NATSBus: core NATS publish/subscribe
//   - MemoryBus: in-process delivery for tests and single-process use
//
// # Subjects
//
// Subjects are dot-separated tokens. Subscriptions may use NATS wildcards:
//
//	sub, _ := b.Subscribe("escrow.task.>")
//	for msg := range sub.Messages() {
//	    // msg.Subject is e.g. "escrow.task.claimed"
//	}
//
// # Message IDs
//
// PublishMessage attaches an ID to the payload. NATSBus sends it in the
// Nats-Msg-Id header, so a JetStream stream bound to the subjects drops
// duplicate publications within its dedupe window.
package bus
