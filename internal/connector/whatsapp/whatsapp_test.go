package whatsapp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/h1v3-io/inbox/internal/connector/webhook"
	"github.com/h1v3-io/inbox/pkg/protocol"
)

type cloudAPI struct {
	mu     sync.Mutex
	bodies []map[string]any
	status int
}

func newTestAdapter(t *testing.T) (*Adapter, *cloudAPI) {
	t.Helper()
	api := &cloudAPI{status: http.StatusOK}
	var srvURL string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		api.mu.Lock()
		status := api.status
		api.mu.Unlock()
		if status != http.StatusOK {
			w.WriteHeader(status)
			fmt.Fprint(w, `{"error":{"message":"Invalid OAuth access token","code":190}}`)
			return
		}
		switch {
		case r.URL.Path == "/PN1/messages":
			var body map[string]any
			json.NewDecoder(r.Body).Decode(&body)
			api.mu.Lock()
			api.bodies = append(api.bodies, body)
			api.mu.Unlock()
			fmt.Fprint(w, `{"messaging_product":"whatsapp","messages":[{"id":"wamid.OUT"}]}`)
		case r.URL.Path == "/PN1/media":
			fmt.Fprint(w, `{"id":"MEDIA-UP"}`)
		case r.URL.Path == "/PN1":
			fmt.Fprint(w, `{"id":"PN1"}`)
		case r.URL.Path == "/MEDIA-IN":
			fmt.Fprintf(w, `{"url":%q}`, srvURL+"/blob")
		case r.URL.Path == "/blob":
			io.WriteString(w, "JPEGDATA")
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	srvURL = srv.URL
	t.Cleanup(srv.Close)

	a, err := New(Config{ChannelID: "wa-1", PhoneNumberID: "PN1", AccessToken: "tok", APIBase: srv.URL,
		AppSecret: "secret"}, func(context.Context, string, protocol.InboundEvent) error { return nil }, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a, api
}

func (c *cloudAPI) last() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bodies[len(c.bodies)-1]
}

func TestSendText(t *testing.T) {
	a, api := newTestAdapter(t)
	res, err := a.SendText(context.Background(), "5511999", "hello", "wamid.Q")
	if err != nil {
		t.Fatalf("SendText: %v", err)
	}
	if res.NativeID != "wamid.OUT" {
		t.Errorf("native id = %q", res.NativeID)
	}
	body := api.last()
	if body["to"] != "5511999" || body["type"] != "text" {
		t.Errorf("body = %v", body)
	}
	if ctx, _ := body["context"].(map[string]any); ctx["message_id"] != "wamid.Q" {
		t.Errorf("context = %v", body["context"])
	}
}

func TestSendMedia_Upload(t *testing.T) {
	a, api := newTestAdapter(t)
	_, err := a.SendMedia(context.Background(), "5511999",
		&protocol.MediaRef{MimeType: "application/pdf", Filename: "invoice.pdf", Data: []byte("%PDF")}, "your invoice")
	if err != nil {
		t.Fatalf("SendMedia: %v", err)
	}
	body := api.last()
	doc, _ := body["document"].(map[string]any)
	if body["type"] != "document" || doc["id"] != "MEDIA-UP" || doc["caption"] != "your invoice" || doc["filename"] != "invoice.pdf" {
		t.Errorf("body = %v", body)
	}
}

func TestMarkRead(t *testing.T) {
	a, api := newTestAdapter(t)
	if err := a.MarkRead(context.Background(), "5511999", []string{"wamid.1", "wamid.2"}); err != nil {
		t.Fatalf("MarkRead: %v", err)
	}
	if len(api.bodies) != 2 || api.last()["status"] != "read" || api.last()["message_id"] != "wamid.2" {
		t.Errorf("bodies = %v", api.bodies)
	}
}

func TestDeleteUnsupported(t *testing.T) {
	a, _ := newTestAdapter(t)
	if err := a.DeleteMessage(context.Background(), "5511", "wamid.1"); !errors.Is(err, protocol.ErrUnsupported) {
		t.Errorf("expected ErrUnsupported, got %v", err)
	}
}

func TestSessionClosesOnAuthFailureAndReconnects(t *testing.T) {
	a, api := newTestAdapter(t)
	api.mu.Lock()
	api.status = http.StatusUnauthorized
	api.mu.Unlock()

	_, err := a.SendText(context.Background(), "5511", "hi", "")
	if !errors.Is(err, protocol.ErrSessionUnavailable) {
		t.Fatalf("expected session error, got %v", err)
	}
	if a.SessionState() != protocol.SessionClosed {
		t.Errorf("state = %q", a.SessionState())
	}

	api.mu.Lock()
	api.status = http.StatusOK
	api.mu.Unlock()
	if err := a.Reconnect(context.Background()); err != nil {
		t.Fatalf("Reconnect: %v", err)
	}
	if a.SessionState() != protocol.SessionOpen {
		t.Errorf("state after reconnect = %q", a.SessionState())
	}
}

const delivery = `{
  "object": "whatsapp_business_account",
  "entry": [{"id": "WABA", "changes": [{"field": "messages", "value": {
    "messaging_product": "whatsapp",
    "metadata": {"phone_number_id": "PN1"},
    "contacts": [{"profile": {"name": "Ana"}, "wa_id": "5511999"}],
    "messages": [
      {"from": "5511999", "id": "wamid.IN1", "timestamp": "1767225600", "type": "text",
       "text": {"body": "Hi there"}, "context": {"id": "wamid.OUT"}},
      {"from": "5511999", "id": "wamid.IN2", "timestamp": "1767225601", "type": "image",
       "image": {"id": "MEDIA-IN", "mime_type": "image/jpeg", "caption": "receipt"}}
    ],
    "statuses": [
      {"id": "wamid.OUT", "status": "read", "timestamp": "1767225602", "recipient_id": "5511999"},
      {"id": "wamid.OUT", "status": "deleted", "timestamp": "1767225603", "recipient_id": "5511999"}
    ]
  }}]}]
}`

func TestDecode(t *testing.T) {
	a, _ := newTestAdapter(t)
	events, err := a.decode([]byte(delivery))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("events = %d, want 3", len(events))
	}

	text := events[0]
	if text.Kind != protocol.EventMessage || text.Body != "Hi there" || text.ContactName != "Ana" ||
		text.QuotedID != "wamid.OUT" || text.Timestamp.Unix() != 1767225600 {
		t.Errorf("text event = %+v", text)
	}

	img := events[1]
	if img.Body != "receipt" || img.Media == nil || img.Media.MimeType != "image/jpeg" {
		t.Fatalf("image event = %+v", img)
	}
	r, err := img.Media.Open(context.Background())
	if err != nil {
		t.Fatalf("open media: %v", err)
	}
	data, _ := io.ReadAll(r)
	if string(data) != "JPEGDATA" {
		t.Errorf("media = %q", data)
	}

	ack := events[2]
	if ack.Kind != protocol.EventAck || ack.NativeID != "wamid.OUT" || *ack.Ack != protocol.AckRead {
		t.Errorf("ack event = %+v", ack)
	}
}

func TestWebhookHandler_Signed(t *testing.T) {
	var got []protocol.InboundEvent
	a, _ := newTestAdapter(t)
	a.handler = func(_ context.Context, _ string, ev protocol.InboundEvent) error {
		got = append(got, ev)
		return nil
	}

	req := httptest.NewRequest(http.MethodPost, "/webhooks/wa-1", strings.NewReader(delivery))
	req.Header.Set("X-Hub-Signature-256", webhook.ComputeSignature([]byte(delivery), "secret"))
	w := httptest.NewRecorder()
	a.WebhookHandler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	if len(got) != 3 {
		t.Errorf("handled %d events", len(got))
	}
}

func TestMediaKind(t *testing.T) {
	cases := map[string]string{
		"image/jpeg":      "image",
		"image/webp":      "sticker",
		"video/mp4":       "video",
		"audio/ogg":       "audio",
		"application/pdf": "document",
		"":                "document",
	}
	for mime, want := range cases {
		if got := mediaKind(mime); got != want {
			t.Errorf("mediaKind(%q) = %q, want %q", mime, got, want)
		}
	}
}
