// Package channel delivers outbound messages to contacts over the WhatsApp
// Cloud API and converts markdown into WhatsApp text formatting.
package channel
