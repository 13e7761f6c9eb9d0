// Package webhook receives WhatsApp Cloud API webhook deliveries.
//
// GET requests answer the subscription handshake. POST requests are checked
// against the X-Hub-Signature-256 HMAC when an app secret is configured,
// normalized into InboundEvent and StatusUpdate values, and handed to a Sink
// before the 200 acknowledgment is written. The gateway does no
// deduplication of its own: provider retries are absorbed by the message
// store's idempotency key.
package webhook
