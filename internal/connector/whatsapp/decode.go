package whatsapp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/h1v3-io/inbox/pkg/protocol"
)

// Cloud API webhook envelope (field "messages").
type envelope struct {
	Object string `json:"object"`
	Entry  []struct {
		Changes []struct {
			Field string `json:"field"`
			Value struct {
				Contacts []struct {
					WaID    string `json:"wa_id"`
					Profile struct {
						Name string `json:"name"`
					} `json:"profile"`
				} `json:"contacts"`
				Messages []cloudMessage `json:"messages"`
				Statuses []cloudStatus  `json:"statuses"`
			} `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

type cloudMedia struct {
	ID       string `json:"id"`
	MimeType string `json:"mime_type"`
	Caption  string `json:"caption"`
	Filename string `json:"filename"`
}

type cloudMessage struct {
	From      string `json:"from"`
	ID        string `json:"id"`
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`
	Text      *struct {
		Body string `json:"body"`
	} `json:"text"`
	Context *struct {
		ID string `json:"id"`
	} `json:"context"`
	Image    *cloudMedia `json:"image"`
	Video    *cloudMedia `json:"video"`
	Audio    *cloudMedia `json:"audio"`
	Document *cloudMedia `json:"document"`
	Sticker  *cloudMedia `json:"sticker"`
	Button   *struct {
		Text string `json:"text"`
	} `json:"button"`
	Interactive *struct {
		ButtonReply *struct {
			Title string `json:"title"`
		} `json:"button_reply"`
		ListReply *struct {
			Title string `json:"title"`
		} `json:"list_reply"`
	} `json:"interactive"`
}

type cloudStatus struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	Timestamp   string `json:"timestamp"`
	RecipientID string `json:"recipient_id"`
}

var statusAck = map[string]protocol.Ack{
	"sent":      protocol.AckSent,
	"delivered": protocol.AckDelivered,
	"read":      protocol.AckRead,
	"failed":    protocol.AckFailed,
}

// decode converts a Cloud API delivery into canonical events.
func (a *Adapter) decode(body []byte) ([]protocol.InboundEvent, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("whatsapp: decode: %w", err)
	}

	var events []protocol.InboundEvent
	for _, entry := range env.Entry {
		for _, change := range entry.Changes {
			if change.Field != "messages" {
				continue
			}
			names := make(map[string]string, len(change.Value.Contacts))
			for _, c := range change.Value.Contacts {
				names[c.WaID] = c.Profile.Name
			}
			for _, m := range change.Value.Messages {
				events = append(events, a.messageEvent(m, names[m.From]))
			}
			for _, s := range change.Value.Statuses {
				ack, ok := statusAck[s.Status]
				if !ok {
					continue
				}
				events = append(events, protocol.InboundEvent{
					Kind:        protocol.EventAck,
					NativeID:    s.ID,
					Destination: s.RecipientID,
					FromMe:      true,
					Timestamp:   unixTime(s.Timestamp),
					Ack:         &ack,
				})
			}
		}
	}
	return events, nil
}

func (a *Adapter) messageEvent(m cloudMessage, name string) protocol.InboundEvent {
	ev := protocol.InboundEvent{
		Kind:        protocol.EventMessage,
		NativeID:    m.ID,
		Destination: m.From,
		ContactName: name,
		Timestamp:   unixTime(m.Timestamp),
	}
	if m.Context != nil {
		ev.QuotedID = m.Context.ID
	}

	switch {
	case m.Text != nil:
		ev.Body = m.Text.Body
	case m.Button != nil:
		ev.Body = m.Button.Text
	case m.Interactive != nil && m.Interactive.ButtonReply != nil:
		ev.Body = m.Interactive.ButtonReply.Title
	case m.Interactive != nil && m.Interactive.ListReply != nil:
		ev.Body = m.Interactive.ListReply.Title
	}

	for _, media := range []*cloudMedia{m.Image, m.Video, m.Audio, m.Document, m.Sticker} {
		if media == nil {
			continue
		}
		if ev.Body == "" {
			ev.Body = media.Caption
		}
		mediaID := media.ID
		ev.Media = &protocol.MediaRef{
			MimeType: media.MimeType,
			Filename: media.Filename,
			Open: func(ctx context.Context) (io.ReadCloser, error) {
				return a.download(ctx, mediaID)
			},
		}
		break
	}
	return ev
}

func unixTime(s string) time.Time {
	sec, err := strconv.ParseInt(s, 10, 64)
	if err != nil || sec == 0 {
		return time.Now()
	}
	return time.Unix(sec, 0)
}
