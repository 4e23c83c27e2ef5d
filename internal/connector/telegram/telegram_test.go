package telegram

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/h1v3-io/inbox/internal/connector"
	"github.com/h1v3-io/inbox/pkg/protocol"
)

// fakeBotAPI records Bot API calls and answers them with canned results.
type fakeBotAPI struct {
	mu    sync.Mutex
	calls map[string][]map[string]string
}

func newFakeBotAPI(t *testing.T) (*fakeBotAPI, *httptest.Server) {
	f := &fakeBotAPI{calls: make(map[string][]map[string]string)}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method := r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:]
		r.ParseMultipartForm(1 << 20)
		r.ParseForm()
		form := map[string]string{}
		for k := range r.Form {
			form[k] = r.Form.Get(k)
		}
		f.mu.Lock()
		f.calls[method] = append(f.calls[method], form)
		f.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		switch method {
		case "getMe":
			fmt.Fprint(w, `{"ok":true,"result":{"id":1,"is_bot":true,"first_name":"Inbox","username":"inbox_bot"}}`)
		case "sendMessage", "sendPhoto", "sendDocument":
			fmt.Fprint(w, `{"ok":true,"result":{"message_id":42,"date":0,"chat":{"id":100,"type":"private"}}}`)
		default:
			fmt.Fprint(w, `{"ok":true,"result":true}`)
		}
	}))
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeBotAPI) last(method string) map[string]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	calls := f.calls[method]
	if len(calls) == 0 {
		return nil
	}
	return calls[len(calls)-1]
}

func newTestAdapter(t *testing.T, handler connector.InboundHandler) (*Adapter, *fakeBotAPI) {
	t.Helper()
	f, srv := newFakeBotAPI(t)
	a, err := New(Config{ChannelID: "tg-1", Token: "TOKEN", APIEndpoint: srv.URL + "/bot%s/%s"}, handler, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a, f
}

func TestSendText(t *testing.T) {
	a, f := newTestAdapter(t, nil)

	res, err := a.SendText(context.Background(), "100", "Hello *there*", "100:7")
	if err != nil {
		t.Fatalf("SendText: %v", err)
	}
	if res.NativeID != "100:42" {
		t.Errorf("native id = %q", res.NativeID)
	}
	form := f.last("sendMessage")
	if form["text"] != "Hello <b>there</b>" || form["parse_mode"] != "HTML" {
		t.Errorf("sendMessage form = %v", form)
	}
	if form["reply_to_message_id"] != "7" {
		t.Errorf("reply_to_message_id = %q", form["reply_to_message_id"])
	}
}

func TestSendText_Validation(t *testing.T) {
	a, _ := newTestAdapter(t, nil)
	if _, err := a.SendText(context.Background(), "not-a-chat", "hi", ""); !errors.Is(err, protocol.ErrValidation) {
		t.Errorf("bad chat id: %v", err)
	}
	if _, err := a.SendText(context.Background(), "100", "  ", ""); !errors.Is(err, protocol.ErrEmptyBody) {
		t.Errorf("empty body: %v", err)
	}
}

func TestSendMedia(t *testing.T) {
	a, f := newTestAdapter(t, nil)
	res, err := a.SendMedia(context.Background(), "100",
		&protocol.MediaRef{MimeType: "image/png", Filename: "a.png", Data: []byte("png")}, "look")
	if err != nil {
		t.Fatalf("SendMedia: %v", err)
	}
	if res.NativeID != "100:42" {
		t.Errorf("native id = %q", res.NativeID)
	}
	if f.last("sendPhoto") == nil {
		t.Error("expected sendPhoto call")
	}
}

func TestDeleteMessage(t *testing.T) {
	a, f := newTestAdapter(t, nil)
	if err := a.DeleteMessage(context.Background(), "100", "100:42"); err != nil {
		t.Fatalf("DeleteMessage: %v", err)
	}
	form := f.last("deleteMessage")
	if form["chat_id"] != "100" || form["message_id"] != "42" {
		t.Errorf("deleteMessage form = %v", form)
	}
}

func TestSendPresence(t *testing.T) {
	a, f := newTestAdapter(t, nil)
	a.SendPresence(context.Background(), "100", connector.PresencePaused)
	if f.last("sendChatAction") != nil {
		t.Error("paused should not call the Bot API")
	}
	a.SendPresence(context.Background(), "100", connector.PresenceComposing)
	if got := f.last("sendChatAction"); got["action"] != "typing" {
		t.Errorf("sendChatAction = %v", got)
	}
}

func TestSessionState(t *testing.T) {
	a, _ := newTestAdapter(t, nil)
	if a.SessionState() != protocol.SessionClosed {
		t.Errorf("state before Start = %q", a.SessionState())
	}
}

func TestHandleMessage_Group(t *testing.T) {
	var got protocol.InboundEvent
	var channel string
	a, _ := newTestAdapter(t, func(_ context.Context, channelID string, ev protocol.InboundEvent) error {
		channel, got = channelID, ev
		return nil
	})

	a.handleMessage(context.Background(), &tgbotapi.Message{
		MessageID:      9,
		From:           &tgbotapi.User{ID: 55, FirstName: "Ana", LastName: "Lima"},
		Chat:           &tgbotapi.Chat{ID: -300, Type: "supergroup", Title: "Support"},
		Date:           int(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC).Unix()),
		Text:           "help",
		ReplyToMessage: &tgbotapi.Message{MessageID: 8},
	})

	if channel != "tg-1" {
		t.Errorf("channel = %q", channel)
	}
	if got.NativeID != "-300:9" || got.Destination != "-300" || !got.Group || got.Participant != "55" {
		t.Errorf("event = %+v", got)
	}
	if got.ContactName != "Ana Lima" || got.GroupName != "Support" || got.QuotedID != "-300:8" {
		t.Errorf("event = %+v", got)
	}
}

func TestHandleMessage_AllowFrom(t *testing.T) {
	called := false
	a, _ := newTestAdapter(t, func(context.Context, string, protocol.InboundEvent) error {
		called = true
		return nil
	})
	a.config.AllowFrom = []int64{1}
	a.handleMessage(context.Background(), &tgbotapi.Message{
		From: &tgbotapi.User{ID: 2}, Chat: &tgbotapi.Chat{ID: 2, Type: "private"}, Text: "hi",
	})
	if called {
		t.Error("unauthorized user reached the handler")
	}
}

func TestMediaRef_Document(t *testing.T) {
	a, _ := newTestAdapter(t, nil)
	ref := a.mediaRef(&tgbotapi.Message{Document: &tgbotapi.Document{FileID: "F", MimeType: "application/pdf", FileName: "inv.pdf"}})
	if ref == nil || ref.MimeType != "application/pdf" || ref.Filename != "inv.pdf" || ref.Open == nil {
		t.Errorf("ref = %+v", ref)
	}
	if a.mediaRef(&tgbotapi.Message{Text: "x"}) != nil {
		t.Error("text message should have no media")
	}
}

func TestDownloadFile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "payload")
	}))
	defer srv.Close()

	data, err := downloadFile(context.Background(), srv.URL)
	if err != nil || string(data) != "payload" {
		t.Fatalf("downloadFile = %q, %v", data, err)
	}
}

func TestNativeID(t *testing.T) {
	chat, msg, err := parseNativeID(nativeID(-100123, 77))
	if err != nil || chat != -100123 || msg != 77 {
		t.Errorf("round trip = %d, %d, %v", chat, msg, err)
	}
	if _, _, err := parseNativeID("77"); err == nil {
		t.Error("expected error for unscoped id")
	}
}

func TestContains(t *testing.T) {
	ids := []int64{100, 200, 300}
	if !contains(ids, 200) {
		t.Error("expected 200 to be found")
	}
	if contains(nil, 100) {
		t.Error("expected nil slice to return false")
	}
}
