package meta

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/h1v3-io/inbox/internal/connector"
	"github.com/h1v3-io/inbox/pkg/protocol"
)

type sendAPI struct {
	mu      sync.Mutex
	bodies  []map[string]any
	uploads int
}

func (s *sendAPI) last() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bodies[len(s.bodies)-1]
}

func newTestAdapter(t *testing.T, kind protocol.ChannelKind) (*Adapter, *sendAPI) {
	t.Helper()
	api := &sendAPI{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/me/messages":
			var body map[string]any
			json.NewDecoder(r.Body).Decode(&body)
			api.mu.Lock()
			api.bodies = append(api.bodies, body)
			api.mu.Unlock()
			fmt.Fprint(w, `{"recipient_id":"PSID1","message_id":"m_OUT"}`)
		case "/me/message_attachments":
			api.mu.Lock()
			api.uploads++
			api.mu.Unlock()
			fmt.Fprint(w, `{"attachment_id":"ATT1"}`)
		case "/me":
			fmt.Fprint(w, `{"id":"PAGE1"}`)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)

	a, err := New(Config{ChannelID: "fb-1", Kind: kind, PageAccessToken: "tok", APIBase: srv.URL},
		func(context.Context, string, protocol.InboundEvent) error { return nil }, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a, api
}

func TestNew_RejectsKind(t *testing.T) {
	if _, err := New(Config{Kind: protocol.ChannelWhatsApp, PageAccessToken: "x"}, nil, nil); err == nil {
		t.Error("expected error for whatsapp kind")
	}
}

func TestSendText_Reply(t *testing.T) {
	a, api := newTestAdapter(t, protocol.ChannelMessenger)
	res, err := a.SendText(context.Background(), "PSID1", "hello", "m_Q")
	if err != nil {
		t.Fatalf("SendText: %v", err)
	}
	if res.NativeID != "m_OUT" {
		t.Errorf("native id = %q", res.NativeID)
	}
	body := api.last()
	msg, _ := body["message"].(map[string]any)
	reply, _ := msg["reply_to"].(map[string]any)
	if body["messaging_type"] != "RESPONSE" || msg["text"] != "hello" || reply["mid"] != "m_Q" {
		t.Errorf("body = %v", body)
	}
}

func TestSendMedia_UploadThenCaption(t *testing.T) {
	a, api := newTestAdapter(t, protocol.ChannelInstagram)
	_, err := a.SendMedia(context.Background(), "IGSID",
		&protocol.MediaRef{MimeType: "image/png", Data: []byte("PNG")}, "look")
	if err != nil {
		t.Fatalf("SendMedia: %v", err)
	}
	if api.uploads != 1 {
		t.Errorf("uploads = %d", api.uploads)
	}
	if len(api.bodies) != 2 {
		t.Fatalf("bodies = %d, want attachment + caption", len(api.bodies))
	}
	att := api.bodies[0]["message"].(map[string]any)["attachment"].(map[string]any)
	if att["type"] != "image" || att["payload"].(map[string]any)["attachment_id"] != "ATT1" {
		t.Errorf("attachment = %v", att)
	}
	if api.last()["message"].(map[string]any)["text"] != "look" {
		t.Errorf("caption body = %v", api.last())
	}
}

func TestPresenceAndMarkRead(t *testing.T) {
	a, api := newTestAdapter(t, protocol.ChannelMessenger)
	ctx := context.Background()
	if err := a.SendPresence(ctx, "PSID1", connector.PresenceComposing); err != nil {
		t.Fatal(err)
	}
	if api.last()["sender_action"] != "typing_on" {
		t.Errorf("presence = %v", api.last())
	}
	if err := a.MarkRead(ctx, "PSID1", []string{"m_1"}); err != nil {
		t.Fatal(err)
	}
	if api.last()["sender_action"] != "mark_seen" {
		t.Errorf("mark read = %v", api.last())
	}
}

func TestDeleteUnsupported(t *testing.T) {
	a, _ := newTestAdapter(t, protocol.ChannelMessenger)
	if err := a.DeleteMessage(context.Background(), "PSID1", "m_1"); !errors.Is(err, protocol.ErrUnsupported) {
		t.Errorf("expected ErrUnsupported, got %v", err)
	}
}

const pageDelivery = `{
  "object": "page",
  "entry": [{"id": "PAGE1", "time": 1767225600000, "messaging": [
    {"sender": {"id": "PSID1"}, "recipient": {"id": "PAGE1"}, "timestamp": 1767225600000,
     "message": {"mid": "m_IN", "text": "hi", "reply_to": {"mid": "m_OUT"}}},
    {"sender": {"id": "PAGE1"}, "recipient": {"id": "PSID1"}, "timestamp": 1767225601000,
     "message": {"mid": "m_ECHO", "text": "sent from the page inbox", "is_echo": true}},
    {"sender": {"id": "PSID1"}, "recipient": {"id": "PAGE1"}, "timestamp": 1767225602000,
     "message": {"mid": "m_IMG", "attachments": [{"type": "image", "payload": {"url": "https://cdn.example/x.jpg"}}]}},
    {"sender": {"id": "PSID1"}, "recipient": {"id": "PAGE1"}, "timestamp": 1767225603000,
     "delivery": {"mids": ["m_OUT", "m_OUT2"], "watermark": 1767225603000}}
  ]}]
}`

func TestDecode(t *testing.T) {
	a, _ := newTestAdapter(t, protocol.ChannelMessenger)
	events, err := a.decode([]byte(pageDelivery))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(events) != 5 {
		t.Fatalf("events = %d, want 5", len(events))
	}
	if in := events[0]; in.FromMe || in.Destination != "PSID1" || in.QuotedID != "m_OUT" || in.Body != "hi" {
		t.Errorf("inbound = %+v", in)
	}
	if echo := events[1]; !echo.FromMe || echo.Destination != "PSID1" {
		t.Errorf("echo = %+v", echo)
	}
	if img := events[2]; img.Media == nil || img.Media.URL != "https://cdn.example/x.jpg" || img.Media.MimeType != "image/jpeg" {
		t.Errorf("image = %+v", img)
	}
	for _, ev := range events[3:] {
		if ev.Kind != protocol.EventAck || *ev.Ack != protocol.AckDelivered || !ev.FromMe {
			t.Errorf("delivery = %+v", ev)
		}
	}
	if events[0].Timestamp.UnixMilli() != 1767225600000 {
		t.Errorf("timestamp = %v", events[0].Timestamp)
	}
}
