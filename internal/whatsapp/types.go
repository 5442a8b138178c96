// Package whatsapp sends and receives WhatsApp messages through the
// Twilio messaging API.
package whatsapp

import (
	"net/url"
	"strconv"
	"strings"
)

// InboundMessage is an incoming WhatsApp message delivered to the webhook.
type InboundMessage struct {
	MessageSID string
	From       string // e.g. "whatsapp:+5491122334455"
	To         string
	Body       string
	NumMedia   int
	MediaURL   string
	MediaType  string
}

// ParseInbound extracts an inbound message from webhook form values.
func ParseInbound(form url.Values) InboundMessage {
	numMedia, _ := strconv.Atoi(form.Get("NumMedia"))
	return InboundMessage{
		MessageSID: form.Get("MessageSid"),
		From:       form.Get("From"),
		To:         form.Get("To"),
		Body:       form.Get("Body"),
		NumMedia:   numMedia,
		MediaURL:   form.Get("MediaUrl0"),
		MediaType:  form.Get("MediaContentType0"),
	}
}

// IsAudio reports whether the message carries an audio attachment,
// such as a voice note.
func (m InboundMessage) IsAudio() bool {
	return m.NumMedia > 0 && strings.HasPrefix(m.MediaType, "audio/")
}

// SenderID returns a stable conversation identifier for the sender.
// The "whatsapp:" prefix is stripped so the ID is just the phone number.
func (m InboundMessage) SenderID() string {
	return strings.TrimPrefix(m.From, "whatsapp:")
}
