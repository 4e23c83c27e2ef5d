package meta

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/h1v3-io/inbox/pkg/protocol"
)

// Page webhook envelope; object is "page" for Messenger and "instagram" for Instagram.
type envelope struct {
	Object string `json:"object"`
	Entry  []struct {
		ID        string      `json:"id"`
		Time      int64       `json:"time"`
		Messaging []messaging `json:"messaging"`
	} `json:"entry"`
}

type messaging struct {
	Sender struct {
		ID string `json:"id"`
	} `json:"sender"`
	Recipient struct {
		ID string `json:"id"`
	} `json:"recipient"`
	Timestamp int64 `json:"timestamp"`
	Message   *struct {
		Mid     string `json:"mid"`
		Text    string `json:"text"`
		IsEcho  bool   `json:"is_echo"`
		ReplyTo *struct {
			Mid string `json:"mid"`
		} `json:"reply_to"`
		Attachments []struct {
			Type    string `json:"type"`
			Payload struct {
				URL string `json:"url"`
			} `json:"payload"`
		} `json:"attachments"`
	} `json:"message"`
	Delivery *struct {
		Mids      []string `json:"mids"`
		Watermark int64    `json:"watermark"`
	} `json:"delivery"`
	Read *struct {
		Mid       string `json:"mid"`
		Watermark int64  `json:"watermark"`
	} `json:"read"`
}

var attachmentMIME = map[string]string{
	"image": "image/jpeg",
	"video": "video/mp4",
	"audio": "audio/mpeg",
	"file":  "application/octet-stream",
}

func (a *Adapter) decode(body []byte) ([]protocol.InboundEvent, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("meta: decode: %w", err)
	}

	var events []protocol.InboundEvent
	for _, entry := range env.Entry {
		for _, m := range entry.Messaging {
			switch {
			case m.Message != nil:
				events = append(events, messageEvent(m))
			case m.Delivery != nil:
				ack := protocol.AckDelivered
				for _, mid := range m.Delivery.Mids {
					events = append(events, protocol.InboundEvent{
						Kind:        protocol.EventAck,
						NativeID:    mid,
						Destination: m.Sender.ID,
						FromMe:      true,
						Timestamp:   millis(m.Timestamp),
						Ack:         &ack,
					})
				}
			case m.Read != nil && m.Read.Mid != "":
				// Instagram reports reads per message; Messenger only sends a watermark.
				ack := protocol.AckRead
				events = append(events, protocol.InboundEvent{
					Kind:        protocol.EventAck,
					NativeID:    m.Read.Mid,
					Destination: m.Sender.ID,
					FromMe:      true,
					Timestamp:   millis(m.Timestamp),
					Ack:         &ack,
				})
			}
		}
	}
	return events, nil
}

func messageEvent(m messaging) protocol.InboundEvent {
	msg := m.Message
	ev := protocol.InboundEvent{
		Kind:        protocol.EventMessage,
		NativeID:    msg.Mid,
		Destination: m.Sender.ID,
		FromMe:      msg.IsEcho,
		Body:        msg.Text,
		Timestamp:   millis(m.Timestamp),
	}
	// Echoes are our own page's messages; the thread belongs to the recipient.
	if msg.IsEcho {
		ev.Destination = m.Recipient.ID
	}
	if msg.ReplyTo != nil {
		ev.QuotedID = msg.ReplyTo.Mid
	}
	for _, att := range msg.Attachments {
		if att.Payload.URL == "" {
			continue
		}
		ev.Media = &protocol.MediaRef{
			MimeType: attachmentMIME[att.Type],
			URL:      att.Payload.URL,
		}
		break
	}
	return ev
}

func millis(ms int64) time.Time {
	if ms == 0 {
		return time.Now()
	}
	return time.UnixMilli(ms)
}
