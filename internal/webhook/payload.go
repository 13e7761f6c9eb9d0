// ABOUTME: WhatsApp Cloud API webhook payload decoding and normalization into channel-agnostic events
// ABOUTME: Malformed entries are dropped individually; siblings in the same delivery still go through

package webhook

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"
)

// ErrMalformedPayload is returned when a webhook body cannot be decoded.
var ErrMalformedPayload = errors.New("malformed webhook payload")

// InboundEvent is one customer message, normalized from the provider payload.
type InboundEvent struct {
	ExternalMessageID string
	FromContact       string // provider phone id, not yet normalized
	ContactName       string // provider profile name, may be empty
	Timestamp         time.Time
	Type              string
	Body              string
	RawPayload        map[string]any
}

// StatusUpdate is a provider delivery receipt for an outbound message.
type StatusUpdate struct {
	ExternalMessageID string
	RecipientPhone    string
	Status            string
	Timestamp         time.Time
	Errors            []string
}

type envelope struct {
	Object string `json:"object"`
	Entry  []struct {
		ID      string `json:"id"`
		Changes []struct {
			Field string      `json:"field"`
			Value changeValue `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

type changeValue struct {
	MessagingProduct string `json:"messaging_product"`
	Metadata         struct {
		DisplayPhoneNumber string `json:"display_phone_number"`
		PhoneNumberID      string `json:"phone_number_id"`
	} `json:"metadata"`
	Contacts []struct {
		Profile struct {
			Name string `json:"name"`
		} `json:"profile"`
		WaID string `json:"wa_id"`
	} `json:"contacts"`
	Messages []json.RawMessage `json:"messages"`
	Statuses []json.RawMessage `json:"statuses"`
}

type media struct {
	ID       string `json:"id"`
	Caption  string `json:"caption"`
	MimeType string `json:"mime_type"`
	Filename string `json:"filename"`
}

type wireMessage struct {
	ID        string `json:"id"`
	From      string `json:"from"`
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`
	Text      *struct {
		Body string `json:"body"`
	} `json:"text"`
	Image       *media `json:"image"`
	Video       *media `json:"video"`
	Audio       *media `json:"audio"`
	Document    *media `json:"document"`
	Sticker     *media `json:"sticker"`
	Interactive *struct {
		Type        string `json:"type"`
		ButtonReply *struct {
			ID    string `json:"id"`
			Title string `json:"title"`
		} `json:"button_reply"`
		ListReply *struct {
			ID          string `json:"id"`
			Title       string `json:"title"`
			Description string `json:"description"`
		} `json:"list_reply"`
	} `json:"interactive"`
	Button *struct {
		Text    string `json:"text"`
		Payload string `json:"payload"`
	} `json:"button"`
	Location *struct {
		Latitude  float64 `json:"latitude"`
		Longitude float64 `json:"longitude"`
		Name      string  `json:"name"`
		Address   string  `json:"address"`
	} `json:"location"`
	Reaction *struct {
		MessageID string `json:"message_id"`
		Emoji     string `json:"emoji"`
	} `json:"reaction"`
}

type wireStatus struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	Timestamp   string `json:"timestamp"`
	RecipientID string `json:"recipient_id"`
	Errors      []struct {
		Code  int    `json:"code"`
		Title string `json:"title"`
	} `json:"errors"`
}

var knownStatuses = map[string]bool{
	"sent":      true,
	"delivered": true,
	"read":      true,
	"failed":    true,
}

// Normalize decodes a webhook body into inbound events and status updates.
// It fails only when the body as a whole is not a JSON payload; individual
// entries that are missing required fields are logged and skipped.
func Normalize(body []byte, logger *slog.Logger) ([]InboundEvent, []StatusUpdate, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	var events []InboundEvent
	var statuses []StatusUpdate

	for _, entry := range env.Entry {
		for _, change := range entry.Changes {
			names := make(map[string]string, len(change.Value.Contacts))
			for _, c := range change.Value.Contacts {
				names[c.WaID] = c.Profile.Name
			}

			for i, raw := range change.Value.Messages {
				ev, err := normalizeMessage(raw)
				if err != nil {
					logger.Warn("dropping malformed message entry", "entry_id", entry.ID, "index", i, "error", err)
					continue
				}
				ev.ContactName = names[ev.FromContact]
				if ev.ContactName == "" && len(change.Value.Contacts) == 1 {
					ev.ContactName = change.Value.Contacts[0].Profile.Name
				}
				events = append(events, ev)
			}

			for i, raw := range change.Value.Statuses {
				st, err := normalizeStatus(raw)
				if err != nil {
					logger.Warn("dropping malformed status entry", "entry_id", entry.ID, "index", i, "error", err)
					continue
				}
				statuses = append(statuses, st)
			}
		}
	}

	return events, statuses, nil
}

func normalizeMessage(raw json.RawMessage) (InboundEvent, error) {
	var m wireMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return InboundEvent{}, err
	}
	if strings.TrimSpace(m.ID) == "" {
		return InboundEvent{}, errors.New("missing id")
	}
	if strings.TrimSpace(m.From) == "" {
		return InboundEvent{}, errors.New("missing from")
	}
	ts, err := parseTimestamp(m.Timestamp)
	if err != nil {
		return InboundEvent{}, err
	}

	var payload map[string]any
	_ = json.Unmarshal(raw, &payload)

	msgType := strings.TrimSpace(m.Type)
	if msgType == "" {
		msgType = "unknown"
	}

	return InboundEvent{
		ExternalMessageID: m.ID,
		FromContact:       m.From,
		Timestamp:         ts,
		Type:              msgType,
		Body:              messageBody(&m, msgType),
		RawPayload:        payload,
	}, nil
}

// messageBody renders the human-readable text for each message type.
func messageBody(m *wireMessage, msgType string) string {
	switch msgType {
	case "text":
		if m.Text != nil {
			return m.Text.Body
		}
	case "image", "video", "audio", "document", "sticker":
		md := map[string]*media{
			"image": m.Image, "video": m.Video, "audio": m.Audio,
			"document": m.Document, "sticker": m.Sticker,
		}[msgType]
		if md != nil && md.Caption != "" {
			return md.Caption
		}
		if md != nil && md.Filename != "" {
			return fmt.Sprintf("[%s] %s", msgType, md.Filename)
		}
	case "interactive":
		if m.Interactive != nil {
			if m.Interactive.ButtonReply != nil {
				return m.Interactive.ButtonReply.Title
			}
			if m.Interactive.ListReply != nil {
				return m.Interactive.ListReply.Title
			}
		}
	case "button":
		if m.Button != nil {
			return m.Button.Text
		}
	case "location":
		if m.Location != nil {
			coords := strconv.FormatFloat(m.Location.Latitude, 'f', -1, 64) + "," +
				strconv.FormatFloat(m.Location.Longitude, 'f', -1, 64)
			if m.Location.Name != "" {
				return m.Location.Name + " (" + coords + ")"
			}
			return coords
		}
	case "reaction":
		if m.Reaction != nil {
			return m.Reaction.Emoji
		}
	}
	return "[" + msgType + "]"
}

func normalizeStatus(raw json.RawMessage) (StatusUpdate, error) {
	var s wireStatus
	if err := json.Unmarshal(raw, &s); err != nil {
		return StatusUpdate{}, err
	}
	if strings.TrimSpace(s.ID) == "" {
		return StatusUpdate{}, errors.New("missing id")
	}
	if !knownStatuses[s.Status] {
		return StatusUpdate{}, fmt.Errorf("unknown status %q", s.Status)
	}
	ts, err := parseTimestamp(s.Timestamp)
	if err != nil {
		return StatusUpdate{}, err
	}

	st := StatusUpdate{
		ExternalMessageID: s.ID,
		RecipientPhone:    s.RecipientID,
		Status:            s.Status,
		Timestamp:         ts,
	}
	for _, e := range s.Errors {
		st.Errors = append(st.Errors, fmt.Sprintf("%d: %s", e.Code, e.Title))
	}
	return st, nil
}

// maxClockSkew bounds how far in the future a provider timestamp may be.
const maxClockSkew = 24 * time.Hour

// parseTimestamp reads the provider's unix-seconds string. An absent
// timestamp means now; values in the far future are rejected.
func parseTimestamp(s string) (time.Time, error) {
	return parseTimestampAt(s, time.Now())
}

func parseTimestampAt(s string, now time.Time) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return now.UTC(), nil
	}
	secs, err := strconv.ParseInt(s, 10, 64)
	if err != nil || secs <= 0 {
		return time.Time{}, fmt.Errorf("bad timestamp %q", s)
	}
	if secs > now.Add(maxClockSkew).Unix() {
		return time.Time{}, fmt.Errorf("timestamp %q is in the future", s)
	}
	return time.Unix(secs, 0).UTC(), nil
}
