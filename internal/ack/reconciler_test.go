package ack

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/h1v3-io/inbox/internal/connector"
	"github.com/h1v3-io/inbox/internal/connector/connectortest"
	"github.com/h1v3-io/inbox/internal/notify"
	"github.com/h1v3-io/inbox/internal/registry"
	"github.com/h1v3-io/inbox/internal/ticket"
	"github.com/h1v3-io/inbox/pkg/protocol"
)

type statusRecorder struct {
	mu   sync.Mutex
	acks []protocol.Ack
}

func (s *statusRecorder) MessageStatus(_ context.Context, _ *protocol.Ticket, m *protocol.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.acks = append(s.acks, m.Ack)
	return nil
}

type env struct {
	store  *ticket.SQLStore
	fake   *connectortest.Adapter
	rec    *Reconciler
	hub    *notify.Hub
	ticket *protocol.Ticket
	status *statusRecorder
}

func newEnv(t *testing.T) *env {
	t.Helper()
	store, err := ticket.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	reg := registry.New(nil)
	reg.ReconnectDelay = 0
	fake := connectortest.New()
	if _, err := reg.Register(registry.Channel{ID: "wa-1", Tenant: "t1", Adapter: fake}); err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	c, _ := store.UpsertContact(ctx, &protocol.Contact{TenantID: "t1", Number: "5511999"})
	tk := &protocol.Ticket{TenantID: "t1", ChannelID: "wa-1", ContactID: c.ID}
	if err := store.CreateTicket(ctx, tk); err != nil {
		t.Fatal(err)
	}

	e := &env{store: store, fake: fake, ticket: tk, hub: notify.NewHub(32, nil), status: &statusRecorder{}}
	e.rec = New(Config{Store: store, Registry: reg, Notifier: e.hub, Status: e.status, ReadPause: time.Millisecond})
	t.Cleanup(e.rec.Stop)
	return e
}

func (e *env) message(t *testing.T, nativeID string, fromMe bool) *protocol.Message {
	t.Helper()
	m := &protocol.Message{TicketID: e.ticket.ID, TenantID: "t1", ChannelID: "wa-1", ContactID: e.ticket.ContactID,
		Body: "msg " + nativeID, MessageID: nativeID, FromMe: fromMe, Read: fromMe, Status: protocol.SendSended}
	if fromMe {
		m.Ack = protocol.AckSent
	}
	if _, err := e.store.CreateMessage(context.Background(), m); err != nil {
		t.Fatalf("create message: %v", err)
	}
	time.Sleep(time.Millisecond)
	return m
}

func TestApplyAck_Monotonic(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.message(t, "wamid.1", true)

	steps := []struct {
		in   protocol.Ack
		want protocol.Ack
	}{
		{protocol.AckRead, protocol.AckRead},
		{protocol.AckDelivered, protocol.AckRead},
		{protocol.AckSent, protocol.AckRead},
		{protocol.AckFailed, protocol.AckFailed},
	}
	for _, s := range steps {
		m, err := e.rec.ApplyAck(ctx, "wa-1", "wamid.1", s.in)
		if err != nil {
			t.Fatalf("ApplyAck(%v): %v", s.in, err)
		}
		if m.Ack != s.want {
			t.Errorf("after %v: ack = %v, want %v", s.in, m.Ack, s.want)
		}
	}
	// Only the two real changes reach the integrator.
	if len(e.status.acks) != 2 {
		t.Errorf("status hook calls = %v", e.status.acks)
	}
}

func TestApplyAck_SyncsTicketSummary(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.message(t, "wamid.1", true)

	sub := e.hub.Subscribe("t1", string(protocol.NotifyTicket))
	defer sub.Close()

	if _, err := e.rec.ApplyAck(ctx, "wa-1", "wamid.1", protocol.AckDelivered); err != nil {
		t.Fatal(err)
	}
	tk, _ := e.store.GetTicket(ctx, e.ticket.ID)
	if tk.LastMessageAck != protocol.AckDelivered {
		t.Errorf("ticket last ack = %v", tk.LastMessageAck)
	}
	select {
	case ev := <-sub.C():
		if ev.Kind != protocol.NotifyTicket {
			t.Errorf("event = %+v", ev)
		}
	case <-time.After(time.Second):
		t.Error("no ticket notification")
	}
}

func TestApplyAck_ReadRecomputesUnread(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.message(t, "in.1", false)
	e.message(t, "in.2", false)

	if _, err := e.rec.ApplyAck(ctx, "wa-1", "in.1", protocol.AckRead); err != nil {
		t.Fatal(err)
	}
	tk, _ := e.store.GetTicket(ctx, e.ticket.ID)
	if tk.UnreadMessages != 1 {
		t.Errorf("unread = %d, want 1", tk.UnreadMessages)
	}
}

func TestApplyAck_Unknown(t *testing.T) {
	e := newEnv(t)
	_, err := e.rec.ApplyAck(context.Background(), "wa-1", "nope", protocol.AckRead)
	if !IsUnknown(err) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestMarkTicketRead_BatchesOfFive(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	for i := 0; i < 12; i++ {
		e.message(t, "in."+string(rune('a'+i)), false)
	}

	tk, err := e.rec.MarkTicketRead(ctx, "t1", e.ticket.ID)
	if err != nil {
		t.Fatalf("MarkTicketRead: %v", err)
	}
	if tk.UnreadMessages != 0 || !tk.Answered {
		t.Errorf("ticket = unread %d answered %v", tk.UnreadMessages, tk.Answered)
	}
	e.rec.Wait()

	calls := e.fake.Sent("MarkRead")
	if len(calls) != 3 {
		t.Fatalf("MarkRead calls = %d, want 3", len(calls))
	}
	sizes := []int{len(calls[0].NativeIDs), len(calls[1].NativeIDs), len(calls[2].NativeIDs)}
	if sizes[0] != 5 || sizes[1] != 5 || sizes[2] != 2 {
		t.Errorf("batch sizes = %v", sizes)
	}
	if calls[0].NativeIDs[0] != "in.a" {
		t.Errorf("oldest first expected, got %v", calls[0].NativeIDs)
	}
}

func TestMarkTicketRead_FallsBackToPresenceThenLatest(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.message(t, "in.1", false)
	e.message(t, "in.2", false)

	// Batch fails, presence fails, latest succeeds.
	e.fake.MarkReadErrs = []error{errors.New("bad request")}
	e.fake.PresenceErr = errors.New("presence off")
	if _, err := e.rec.MarkTicketRead(ctx, "t1", e.ticket.ID); err != nil {
		t.Fatal(err)
	}
	e.rec.Wait()

	if len(e.fake.Sent("SendPresence")) != 1 {
		t.Errorf("presence calls = %+v", e.fake.Sent("SendPresence"))
	}
	calls := e.fake.Sent("MarkRead")
	last := calls[len(calls)-1]
	if len(last.NativeIDs) != 1 || last.NativeIDs[0] != "in.2" {
		t.Errorf("latest strategy marked %v", last.NativeIDs)
	}

	// Local state committed regardless of the remote outcome.
	tk, _ := e.store.GetTicket(ctx, e.ticket.ID)
	if tk.UnreadMessages != 0 {
		t.Errorf("unread = %d", tk.UnreadMessages)
	}
}

func TestMarkTicketRead_PresenceSequence(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.message(t, "in.1", false)

	e.fake.MarkReadErrs = []error{errors.New("rate limited")}
	if _, err := e.rec.MarkTicketRead(ctx, "t1", e.ticket.ID); err != nil {
		t.Fatal(err)
	}
	e.rec.Wait()

	var seq []connector.Presence
	for _, c := range e.fake.Sent("SendPresence") {
		seq = append(seq, c.Presence)
	}
	want := []connector.Presence{connector.PresenceAvailable, connector.PresenceComposing, connector.PresencePaused}
	if len(seq) != len(want) {
		t.Fatalf("presence = %v", seq)
	}
	for i := range want {
		if seq[i] != want[i] {
			t.Errorf("presence[%d] = %s, want %s", i, seq[i], want[i])
		}
	}
	if calls := e.fake.Sent("MarkRead"); len(calls) != 2 {
		t.Errorf("mark read calls = %d, want batch + presence follow-up", len(calls))
	}
}

func TestMarkTicketRead_ReconnectsClosedSession(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.message(t, "in.1", false)
	e.fake.SetState(protocol.SessionClosed)

	if _, err := e.rec.MarkTicketRead(ctx, "t1", e.ticket.ID); err != nil {
		t.Fatal(err)
	}
	e.rec.Wait()
	if e.fake.Reconnects() != 1 || len(e.fake.Sent("MarkRead")) != 1 {
		t.Errorf("reconnects = %d, mark read = %d", e.fake.Reconnects(), len(e.fake.Sent("MarkRead")))
	}
}

func TestMarkTicketRead_OtherTenant(t *testing.T) {
	e := newEnv(t)
	if _, err := e.rec.MarkTicketRead(context.Background(), "t2", e.ticket.ID); !errors.Is(err, protocol.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestFindMessage_Cached(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.message(t, "wamid.1", true)

	m, err := e.rec.FindMessage(ctx, e.ticket.ID, "wamid.1")
	if err != nil {
		t.Fatal(err)
	}
	if e.rec.Cache().Len() != 1 {
		t.Errorf("cache len = %d", e.rec.Cache().Len())
	}
	again, _ := e.rec.FindMessage(ctx, e.ticket.ID, "wamid.1")
	if again != m {
		t.Error("second lookup did not hit the cache")
	}

	e.rec.ApplyAck(ctx, "wa-1", "wamid.1", protocol.AckRead)
	cached, _ := e.rec.FindMessage(ctx, e.ticket.ID, "wamid.1")
	if cached.Ack != protocol.AckRead {
		t.Errorf("cache not refreshed by ack: %v", cached.Ack)
	}

	if _, err := e.rec.FindMessage(ctx, e.ticket.ID, "missing"); !errors.Is(err, protocol.ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestReadWithPresence_StopsOnCancel(t *testing.T) {
	reg := registry.New(nil)
	fake := connectortest.New()
	sess, err := reg.Register(registry.Channel{ID: "wa-1", Tenant: "t1", Adapter: fake})
	if err != nil {
		t.Fatal(err)
	}
	rec := New(Config{Registry: reg, PresencePause: time.Hour})
	t.Cleanup(rec.Stop)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rec.readWithPresence(ctx, sess, "5511999", []string{"n1"}) }()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("err = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("presence pause ignored cancellation")
	}
	if got := fake.Sent("MarkRead"); len(got) != 0 {
		t.Errorf("read pushed after cancel: %+v", got)
	}
	if got := fake.Sent("SendPresence"); len(got) != 1 {
		t.Errorf("presence calls = %d, want 1", len(got))
	}
}
