package dispatch

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/h1v3-io/inbox/internal/connector/connectortest"
	"github.com/h1v3-io/inbox/internal/media"
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

type alertRecorder struct {
	mu     sync.Mutex
	alerts []string
}

func (a *alertRecorder) DispatchFailed(_ context.Context, m *protocol.Message, _ error) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.alerts = append(a.alerts, m.ID)
	return nil
}

type env struct {
	store   *ticket.SQLStore
	fake    *connectortest.Adapter
	disp    *Dispatcher
	ticket  *protocol.Ticket
	now     time.Time
	status  *statusRecorder
	alerter *alertRecorder
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
	c, err := store.UpsertContact(ctx, &protocol.Contact{TenantID: "t1", Number: "5511999", Name: "Ana"})
	if err != nil {
		t.Fatal(err)
	}
	tk := &protocol.Ticket{TenantID: "t1", ChannelID: "wa-1", ContactID: c.ID,
		APIConfig: &protocol.APIConfig{URLWebhook: "http://integrator.invalid"}}
	if err := store.CreateTicket(ctx, tk); err != nil {
		t.Fatal(err)
	}

	e := &env{store: store, fake: fake, ticket: tk, now: time.Now(), status: &statusRecorder{}, alerter: &alertRecorder{}}
	e.disp = New(Config{
		Store:    store,
		Registry: reg,
		Media:    media.New(t.TempDir()),
		Status:   e.status,
		Alerter:  e.alerter,
		Now:      func() time.Time { return e.now },
	})
	return e
}

func (e *env) outbound(t *testing.T, body string, at *time.Time) *protocol.Message {
	t.Helper()
	m := &protocol.Message{TicketID: e.ticket.ID, TenantID: "t1", ChannelID: "wa-1", ContactID: e.ticket.ContactID,
		Body: body, FromMe: true, Read: true, ScheduleDate: at}
	if _, err := e.store.CreateMessage(context.Background(), m); err != nil {
		t.Fatalf("create message: %v", err)
	}
	return m
}

func (e *env) get(t *testing.T, id string) *protocol.Message {
	t.Helper()
	m, err := e.store.GetMessage(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func TestDispatch_Success(t *testing.T) {
	e := newEnv(t)
	m := e.outbound(t, "hello", nil)

	res, err := e.disp.Dispatch(context.Background(), m.ID)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	got := e.get(t, m.ID)
	if got.Status != protocol.SendSended || got.Ack != protocol.AckSent || got.MessageID != res.NativeID {
		t.Errorf("message = %+v", got)
	}
	if sent := e.fake.Sent("SendText"); len(sent) != 1 || sent[0].Destination != "5511999" {
		t.Errorf("calls = %+v", sent)
	}
	if len(e.status.acks) != 1 || e.status.acks[0] != protocol.AckSent {
		t.Errorf("integrator acks = %v", e.status.acks)
	}

	if _, err := e.disp.Dispatch(context.Background(), m.ID); !errors.Is(err, ErrNotPending) {
		t.Errorf("second dispatch: expected ErrNotPending, got %v", err)
	}
}

func TestDispatch_QuotesNativeID(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	in := &protocol.Message{TicketID: e.ticket.ID, TenantID: "t1", ChannelID: "wa-1", ContactID: e.ticket.ContactID,
		Body: "question", MessageID: "wamid.Q", Status: protocol.SendSended}
	if _, err := e.store.CreateMessage(ctx, in); err != nil {
		t.Fatal(err)
	}
	m := &protocol.Message{TicketID: e.ticket.ID, TenantID: "t1", ChannelID: "wa-1", ContactID: e.ticket.ContactID,
		Body: "answer", FromMe: true, QuotedMsgID: in.ID}
	if _, err := e.store.CreateMessage(ctx, m); err != nil {
		t.Fatal(err)
	}
	if _, err := e.disp.Dispatch(ctx, m.ID); err != nil {
		t.Fatal(err)
	}
	if sent := e.fake.Sent("SendText"); sent[0].QuotedID != "wamid.Q" {
		t.Errorf("quoted = %q", sent[0].QuotedID)
	}
}

func TestDispatch_Errors(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	empty := e.outbound(t, "", nil)
	if _, err := e.disp.Dispatch(ctx, empty.ID); !errors.Is(err, protocol.ErrEmptyBody) {
		t.Errorf("expected ErrEmptyBody, got %v", err)
	}

	e.fake.SetState(protocol.SessionClosed)
	m := e.outbound(t, "hello", nil)
	if _, err := e.disp.Dispatch(ctx, m.ID); !errors.Is(err, protocol.ErrSessionNotConnected) {
		t.Errorf("expected ErrSessionNotConnected, got %v", err)
	}
	if got := e.get(t, m.ID); got.Status != protocol.SendPending || got.SendAttempts != 0 {
		t.Errorf("closed session must leave message untouched: %+v", got)
	}

	other := &protocol.Message{TicketID: e.ticket.ID, TenantID: "t1", ChannelID: "tg-9", ContactID: e.ticket.ContactID,
		Body: "x", FromMe: true}
	e.store.CreateMessage(ctx, other)
	if _, err := e.disp.Dispatch(ctx, other.ID); !errors.Is(err, protocol.ErrNoAdapterFound) {
		t.Errorf("expected ErrNoAdapterFound, got %v", err)
	}
}

func TestDispatch_FailureMarksFailedAndAlerts(t *testing.T) {
	e := newEnv(t)
	e.fake.SendErrs = []error{errors.New("number not on whatsapp")}
	m := e.outbound(t, "hello", nil)

	_, err := e.disp.Dispatch(context.Background(), m.ID)
	if !errors.Is(err, protocol.ErrSendRejected) {
		t.Fatalf("expected ErrSendRejected, got %v", err)
	}
	got := e.get(t, m.ID)
	if got.Status != protocol.SendPending || got.Ack != protocol.AckFailed || got.SendAttempts != 1 {
		t.Errorf("message = %+v", got)
	}
	if len(e.alerter.alerts) != 1 {
		t.Errorf("alerts = %v", e.alerter.alerts)
	}
	if len(e.status.acks) != 1 || e.status.acks[0] != protocol.AckFailed {
		t.Errorf("integrator acks = %v", e.status.acks)
	}

	if _, err := e.disp.Retry(context.Background(), "t1", m.ID); err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if got := e.get(t, m.ID); got.Status != protocol.SendSended {
		t.Errorf("after retry = %+v", got)
	}
}

func TestRetry_RequiresFailedMessage(t *testing.T) {
	e := newEnv(t)
	m := e.outbound(t, "hello", nil)
	if _, err := e.disp.Retry(context.Background(), "t1", m.ID); !errors.Is(err, ErrNotPending) {
		t.Errorf("expected ErrNotPending, got %v", err)
	}
	if _, err := e.disp.Retry(context.Background(), "t2", m.ID); !errors.Is(err, protocol.ErrNotFound) {
		t.Errorf("other tenant: expected ErrNotFound, got %v", err)
	}
}

func TestScheduled_PastDateDispatchesOnNextTick(t *testing.T) {
	e := newEnv(t)
	past := e.now.Add(-time.Minute)
	m := e.outbound(t, "reminder", &past)

	n, err := e.disp.DispatchDue(context.Background(), e.now)
	if err != nil || n != 1 {
		t.Fatalf("DispatchDue = %d, %v", n, err)
	}
	if got := e.get(t, m.ID); got.Status != protocol.SendSended {
		t.Errorf("status = %s", got.Status)
	}
}

func TestScheduled_CancelBeforeAndAfter(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	future := e.now.Add(time.Hour)

	before := e.outbound(t, "later", &future)
	if err := e.disp.CancelScheduled(ctx, "t1", before.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if n, _ := e.disp.DispatchDue(ctx, future.Add(time.Minute)); n != 0 {
		t.Errorf("canceled message dispatched")
	}
	if len(e.fake.Sent("SendText")) != 0 {
		t.Error("adapter called for canceled message")
	}

	after := e.outbound(t, "now", &future)
	if n, _ := e.disp.DispatchDue(ctx, future); n != 1 {
		t.Fatalf("expected dispatch")
	}
	if err := e.disp.CancelScheduled(ctx, "t1", after.ID); !errors.Is(err, ErrNotPending) {
		t.Errorf("cancel after send: expected ErrNotPending, got %v", err)
	}
	if got := e.get(t, after.ID); got.Status != protocol.SendSended {
		t.Errorf("cancel after send changed status to %s", got.Status)
	}
}

func TestScheduled_BackoffAndAbandon(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	past := e.now.Add(-time.Second)
	m := e.outbound(t, "reminder", &past)

	e.fake.SendErrs = []error{errors.New("timeout")}
	if n, _ := e.disp.DispatchDue(ctx, e.now); n != 0 {
		t.Fatal("failed send counted as sent")
	}
	got := e.get(t, m.ID)
	if got.ScheduleDate == nil || got.ScheduleDate.Sub(e.now) < 29*time.Second {
		t.Errorf("schedule not pushed forward: %v", got.ScheduleDate)
	}
	if n, _ := e.disp.DispatchDue(ctx, e.now); n != 0 {
		t.Error("backed-off message dispatched before its retry date")
	}

	for i := 0; i < DefaultMaxAttempts; i++ {
		e.fake.SendErrs = []error{errors.New("timeout")}
		e.disp.DispatchDue(ctx, e.now.Add(24*time.Hour))
	}
	if got := e.get(t, m.ID); got.Status != protocol.SendCanceled {
		t.Errorf("expected abandon after %d attempts, got %+v", DefaultMaxAttempts, got)
	}
}

func TestBackoff(t *testing.T) {
	d := New(Config{})
	cases := map[int]time.Duration{0: 30 * time.Second, 1: time.Minute, 3: 4 * time.Minute, 6: 30 * time.Minute, 10: 30 * time.Minute}
	for attempts, want := range cases {
		if got := d.Backoff(attempts); got != want {
			t.Errorf("Backoff(%d) = %v, want %v", attempts, got, want)
		}
	}
}

func TestEditScheduled(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	future := e.now.Add(time.Hour)
	m := e.outbound(t, "draft", &future)

	if _, err := e.disp.EditScheduled(ctx, "t1", m.ID, "final", e.now.Add(-time.Minute)); !errors.Is(err, protocol.ErrValidation) {
		t.Errorf("past date: expected validation error, got %v", err)
	}
	got, err := e.disp.EditScheduled(ctx, "t1", m.ID, "final", e.now.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("edit: %v", err)
	}
	if got.Body != "final" || !got.ScheduleDate.After(future) {
		t.Errorf("edited = %+v", got)
	}
}

func TestReplayOffline_Order(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.fake.SetState(protocol.SessionClosed)

	var ids []string
	for _, body := range []string{"one", "two", "three"} {
		m := e.outbound(t, body, nil)
		ids = append(ids, m.ID)
		time.Sleep(2 * time.Millisecond)
	}
	if _, err := e.disp.ReplayOffline(ctx, "wa-1"); !errors.Is(err, protocol.ErrSessionNotConnected) {
		t.Fatalf("closed session: expected ErrSessionNotConnected, got %v", err)
	}

	e.fake.SetState(protocol.SessionOpen)
	n, err := e.disp.ReplayOffline(ctx, "wa-1")
	if err != nil || n != 3 {
		t.Fatalf("ReplayOffline = %d, %v", n, err)
	}
	sent := e.fake.Sent("SendText")
	for i, want := range []string{"one", "two", "three"} {
		if sent[i].Text != want {
			t.Errorf("send %d = %q, want %q", i, sent[i].Text, want)
		}
	}

	if n, _ := e.disp.ReplayOffline(ctx, "wa-1"); n != 0 {
		t.Errorf("replay not idempotent: sent %d again", n)
	}
}

func TestReplayOffline_StopsOnSessionError(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.outbound(t, "one", nil)
	time.Sleep(2 * time.Millisecond)
	e.outbound(t, "two", nil)

	e.fake.SendErrs = []error{protocol.ErrSessionUnavailable}
	n, err := e.disp.ReplayOffline(ctx, "wa-1")
	if !errors.Is(err, protocol.ErrSessionUnavailable) || n != 0 {
		t.Fatalf("ReplayOffline = %d, %v", n, err)
	}
	if len(e.fake.Sent("SendText")) != 1 {
		t.Errorf("replay continued after session error")
	}
}

func TestDelete_Window(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	m := e.outbound(t, "oops", nil)
	if _, err := e.disp.Dispatch(ctx, m.ID); err != nil {
		t.Fatal(err)
	}
	created := e.get(t, m.ID).CreatedAt

	e.now = created.Add(2*time.Hour + time.Minute)
	if _, err := e.disp.Delete(ctx, "t1", m.ID); !errors.Is(err, protocol.ErrWindowExpired) {
		t.Fatalf("2h01m: expected ErrWindowExpired, got %v", err)
	}

	e.now = created.Add(time.Hour + 59*time.Minute)
	got, err := e.disp.Delete(ctx, "t1", m.ID)
	if err != nil {
		t.Fatalf("1h59m: %v", err)
	}
	if !got.IsDeleted || !e.get(t, m.ID).IsDeleted {
		t.Error("message not soft-deleted")
	}
	if calls := e.fake.Sent("DeleteMessage"); len(calls) != 1 || calls[0].NativeIDs[0] != got.MessageID {
		t.Errorf("remote delete calls = %+v", calls)
	}
}

func TestDelete_UnsupportedDegrades(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	m := e.outbound(t, "oops", nil)
	e.disp.Dispatch(ctx, m.ID)
	e.fake.DeleteErr = protocol.ErrUnsupported

	if _, err := e.disp.Delete(ctx, "t1", m.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if !e.get(t, m.ID).IsDeleted {
		t.Error("local delete must still happen")
	}
}

func TestRecoverInFlight(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	m := e.outbound(t, "stuck", nil)
	e.store.ClaimForSend(ctx, m.ID)

	n, err := e.disp.RecoverInFlight(ctx)
	if err != nil || n != 1 {
		t.Fatalf("RecoverInFlight = %d, %v", n, err)
	}
	if got := e.get(t, m.ID); got.Status != protocol.SendPending {
		t.Errorf("status = %s", got.Status)
	}
}
