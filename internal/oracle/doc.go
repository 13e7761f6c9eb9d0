// Package oracle calls the external AI service that proposes a reply and
// structured actions for an inbound message.
//
// The service is untrusted. Its response must be one JSON object:
//
//	{
//	  "reply_text": "Sure, I'll send the quote today",
//	  "actions": [{"type": "create_task", "data": {"title": "Send quote"}, "confidence": 0.9}],
//	  "metadata": {"intent": "quote_request", "sentiment": "positive"}
//	}
//
// A surrounding markdown code fence is tolerated. Anything else that does not
// fit the contract (wrong types, missing confidence, confidence outside
// [0,1]) drops every action and keeps only the reply text, if any can be
// salvaged. Adapter.Generate never returns an error, so the pipeline always
// has something to store.
//
// Actions below the configured confidence floor are moved to
// Response.Suppressed and logged; the floor is enforced here rather than
// trusting the service's own judgement.
//
// Two transports are provided: HTTPTransport for any JSON endpoint and
// GeminiTransport backed by google.golang.org/genai.
package oracle
