package ticket

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/h1v3-io/inbox/pkg/protocol"
)

func newTestStore(t *testing.T) *SQLStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func seedTicket(t *testing.T, s *SQLStore, number string) *protocol.Ticket {
	t.Helper()
	ctx := context.Background()
	c, err := s.UpsertContact(ctx, &protocol.Contact{TenantID: "t1", Number: number, Name: "Ana"})
	if err != nil {
		t.Fatalf("upsert contact: %v", err)
	}
	tk := &protocol.Ticket{TenantID: "t1", ChannelID: "wa-1", ContactID: c.ID}
	if err := s.CreateTicket(ctx, tk); err != nil {
		t.Fatalf("create ticket: %v", err)
	}
	return tk
}

func TestUpsertContact(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, err := s.UpsertContact(ctx, &protocol.Contact{TenantID: "t1", Number: "5511999", Name: "Ana"})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	second, err := s.UpsertContact(ctx, &protocol.Contact{TenantID: "t1", Number: "5511999"})
	if err != nil {
		t.Fatalf("upsert again: %v", err)
	}
	if first.ID != second.ID {
		t.Errorf("expected same contact id, got %q and %q", first.ID, second.ID)
	}
	if second.Name != "Ana" {
		t.Errorf("empty name should not overwrite, got %q", second.Name)
	}

	other, _ := s.UpsertContact(ctx, &protocol.Contact{TenantID: "t2", Number: "5511999"})
	if other.ID == first.ID {
		t.Error("contacts must be unique per tenant, not globally")
	}
}

func TestUpsertContact_Validation(t *testing.T) {
	s := newTestStore(t)
	_, err := s.UpsertContact(context.Background(), &protocol.Contact{TenantID: "t1"})
	if !errors.Is(err, protocol.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestCreateTicket_AssignsProtocol(t *testing.T) {
	s := newTestStore(t)
	tk := seedTicket(t, s, "1")

	got, err := s.GetTicket(context.Background(), tk.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != protocol.TicketPending {
		t.Errorf("expected pending, got %q", got.Status)
	}
	if got.Protocol == "" || got.Protocol != tk.Protocol {
		t.Errorf("protocol = %q, want %q", got.Protocol, tk.Protocol)
	}

	got.Status = protocol.TicketOpen
	got.Protocol = "rewritten"
	if err := s.UpdateTicket(context.Background(), got); err != nil {
		t.Fatalf("update: %v", err)
	}
	again, _ := s.GetTicket(context.Background(), tk.ID)
	if again.Protocol != tk.Protocol {
		t.Errorf("protocol must be immutable, got %q", again.Protocol)
	}
	if again.Status != protocol.TicketOpen {
		t.Errorf("status = %q", again.Status)
	}
}

func TestCreateTicket_OneActivePerKey(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	tk := seedTicket(t, s, "1")

	dup := &protocol.Ticket{TenantID: "t1", ChannelID: "wa-1", ContactID: tk.ContactID}
	err := s.CreateTicket(ctx, dup)
	if !errors.Is(err, ErrActiveTicketExists) {
		t.Fatalf("expected ErrActiveTicketExists, got %v", err)
	}

	now := time.Now()
	tk.Status = protocol.TicketClosed
	tk.ClosedAt = &now
	if err := s.UpdateTicket(ctx, tk); err != nil {
		t.Fatalf("close: %v", err)
	}
	fresh := &protocol.Ticket{TenantID: "t1", ChannelID: "wa-1", ContactID: tk.ContactID}
	if err := s.CreateTicket(ctx, fresh); err != nil {
		t.Fatalf("create after close: %v", err)
	}
	if fresh.ID == tk.ID {
		t.Error("closed ticket id must not be reused")
	}

	active, err := s.FindActiveTicket(ctx, "t1", "wa-1", tk.ContactID)
	if err != nil {
		t.Fatalf("find active: %v", err)
	}
	if active.ID != fresh.ID {
		t.Errorf("active = %q, want %q", active.ID, fresh.ID)
	}
	closed, err := s.FindLatestClosedTicket(ctx, "t1", "wa-1", tk.ContactID)
	if err != nil {
		t.Fatalf("find closed: %v", err)
	}
	if closed.ID != tk.ID {
		t.Errorf("closed = %q, want %q", closed.ID, tk.ID)
	}
}

func TestFindActiveTicket_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.FindActiveTicket(context.Background(), "t1", "wa-1", "nobody")
	if !errors.Is(err, protocol.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestCreateMessage_UpdatesSummaryAndUnread(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	tk := seedTicket(t, s, "1")

	base := time.Now().Add(-time.Minute)
	for i := range 2 {
		got, err := s.CreateMessage(ctx, &protocol.Message{
			TicketID: tk.ID, TenantID: "t1", ChannelID: "wa-1", ContactID: tk.ContactID,
			Body: fmt.Sprintf("hello %d", i), MessageID: fmt.Sprintf("N%d", i),
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("create message: %v", err)
		}
		if got.UnreadMessages != i+1 {
			t.Errorf("unread = %d, want %d", got.UnreadMessages, i+1)
		}
	}

	got, _ := s.GetTicket(ctx, tk.ID)
	if got.LastMessage != "hello 1" {
		t.Errorf("last message = %q", got.LastMessage)
	}
	if got.Answered {
		t.Error("ticket with unread inbound messages is not answered")
	}

	// An older message arriving late must not replace the summary.
	s.CreateMessage(ctx, &protocol.Message{
		TicketID: tk.ID, TenantID: "t1", ChannelID: "wa-1", ContactID: tk.ContactID,
		Body: "late", CreatedAt: base.Add(-time.Hour), Read: true,
	})
	got, _ = s.GetTicket(ctx, tk.ID)
	if got.LastMessage != "hello 1" {
		t.Errorf("late message replaced summary: %q", got.LastMessage)
	}

	reply, err := s.CreateMessage(ctx, &protocol.Message{
		TicketID: tk.ID, TenantID: "t1", ChannelID: "wa-1", ContactID: tk.ContactID,
		Body: "on it", FromMe: true, Read: true,
	})
	if err != nil {
		t.Fatalf("reply: %v", err)
	}
	if !reply.Answered || !reply.LastMessageFromMe {
		t.Errorf("outbound reply should mark answered, got %+v", reply)
	}
}

func TestCreateMessage_DuplicateNativeID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	tk := seedTicket(t, s, "1")

	m := &protocol.Message{TicketID: tk.ID, TenantID: "t1", ChannelID: "wa-1", ContactID: tk.ContactID,
		Body: "x", MessageID: "ABC"}
	if _, err := s.CreateMessage(ctx, m); err != nil {
		t.Fatalf("create: %v", err)
	}
	dup := *m
	dup.ID = ""
	_, err := s.CreateMessage(ctx, &dup)
	if !errors.Is(err, ErrDuplicateMessage) {
		t.Fatalf("expected ErrDuplicateMessage, got %v", err)
	}

	found, err := s.FindMessageByNativeID(ctx, "wa-1", "ABC")
	if err != nil || found.ID != m.ID {
		t.Fatalf("find by native id = %v, %v", found, err)
	}
}

func TestMarkTicketRead(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	tk := seedTicket(t, s, "1")

	for i := range 3 {
		s.CreateMessage(ctx, &protocol.Message{
			TicketID: tk.ID, TenantID: "t1", ChannelID: "wa-1", ContactID: tk.ContactID,
			Body: "hi", MessageID: fmt.Sprintf("N%d", i),
			CreatedAt: time.Now().Add(time.Duration(i) * time.Millisecond),
		})
	}

	ids, got, err := s.MarkTicketRead(ctx, tk.ID)
	if err != nil {
		t.Fatalf("mark read: %v", err)
	}
	if len(ids) != 3 || ids[0] != "N0" || ids[2] != "N2" {
		t.Errorf("native ids = %v", ids)
	}
	if got.UnreadMessages != 0 || !got.Answered {
		t.Errorf("after read: unread=%d answered=%v", got.UnreadMessages, got.Answered)
	}
}

func TestClaimCompleteFail(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	tk := seedTicket(t, s, "1")

	m := &protocol.Message{TicketID: tk.ID, TenantID: "t1", ChannelID: "wa-1", ContactID: tk.ContactID,
		Body: "out", FromMe: true, Read: true}
	s.CreateMessage(ctx, m)

	ok, err := s.ClaimForSend(ctx, m.ID)
	if err != nil || !ok {
		t.Fatalf("claim = %v, %v", ok, err)
	}
	if ok, _ := s.ClaimForSend(ctx, m.ID); ok {
		t.Fatal("second claim must fail")
	}

	if err := s.FailSend(ctx, m.ID, nil); err != nil {
		t.Fatalf("fail send: %v", err)
	}
	got, _ := s.GetMessage(ctx, m.ID)
	if got.Status != protocol.SendPending || got.Ack != protocol.AckFailed || got.SendAttempts != 1 {
		t.Errorf("after failure: %+v", got)
	}

	s.ClaimForSend(ctx, m.ID)
	tkAfter, err := s.CompleteSend(ctx, m.ID, "NATIVE-1", protocol.AckSent)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	got, _ = s.GetMessage(ctx, m.ID)
	if got.Status != protocol.SendSended || got.MessageID != "NATIVE-1" || got.Ack != protocol.AckSent {
		t.Errorf("after complete: %+v", got)
	}
	if tkAfter.LastMessageAck != protocol.AckSent {
		t.Errorf("ticket last ack = %d", tkAfter.LastMessageAck)
	}
}

func TestScheduledLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	tk := seedTicket(t, s, "1")

	past := time.Now().Add(-time.Minute)
	future := time.Now().Add(time.Hour)
	due := &protocol.Message{TicketID: tk.ID, TenantID: "t1", ChannelID: "wa-1", ContactID: tk.ContactID,
		Body: "due", FromMe: true, ScheduleDate: &past}
	later := &protocol.Message{TicketID: tk.ID, TenantID: "t1", ChannelID: "wa-1", ContactID: tk.ContactID,
		Body: "later", FromMe: true, ScheduleDate: &future}
	s.CreateMessage(ctx, due)
	s.CreateMessage(ctx, later)

	got, _ := s.GetTicket(ctx, tk.ID)
	if got.LastMessage != "" {
		t.Errorf("scheduled messages must not touch the summary, got %q", got.LastMessage)
	}

	list, err := s.ListDueScheduled(ctx, time.Now(), 10)
	if err != nil {
		t.Fatalf("list due: %v", err)
	}
	if len(list) != 1 || list[0].ID != due.ID {
		t.Fatalf("due = %v", list)
	}

	if ok, _ := s.CancelScheduled(ctx, later.ID); !ok {
		t.Fatal("cancel pending schedule should succeed")
	}
	if ok, _ := s.EditScheduled(ctx, later.ID, "edited", future); ok {
		t.Fatal("edit after cancel must fail")
	}

	s.ClaimForSend(ctx, due.ID)
	if ok, _ := s.CancelScheduled(ctx, due.ID); ok {
		t.Fatal("cancel after claim must fail")
	}
}

func TestListOfflineOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	tk := seedTicket(t, s, "1")

	base := time.Now()
	for i := range 3 {
		s.CreateMessage(ctx, &protocol.Message{TicketID: tk.ID, TenantID: "t1", ChannelID: "wa-1",
			ContactID: tk.ContactID, Body: fmt.Sprintf("m%d", i), FromMe: true,
			CreatedAt: base.Add(time.Duration(3-i) * time.Second)})
	}
	list, err := s.ListOffline(ctx, "wa-1", 5, 0)
	if err != nil {
		t.Fatalf("list offline: %v", err)
	}
	if len(list) != 3 || list[0].Body != "m2" || list[2].Body != "m0" {
		t.Errorf("offline order wrong: %v", list)
	}
}

func TestResetSending(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	tk := seedTicket(t, s, "1")
	m := &protocol.Message{TicketID: tk.ID, TenantID: "t1", ChannelID: "wa-1", ContactID: tk.ContactID,
		Body: "x", FromMe: true}
	s.CreateMessage(ctx, m)
	s.ClaimForSend(ctx, m.ID)

	n, err := s.ResetSending(ctx)
	if err != nil || n != 1 {
		t.Fatalf("reset = %d, %v", n, err)
	}
	got, _ := s.GetMessage(ctx, m.ID)
	if got.Status != protocol.SendPending {
		t.Errorf("status = %q", got.Status)
	}
}

func TestCampaignShipping(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.RecordCampaignShipping(ctx, "t1", "wa-1", "5511", "C1"); err != nil {
		t.Fatalf("record: %v", err)
	}
	s.RecordCampaignShipping(ctx, "t1", "wa-1", "5511", "C1")

	ok, _ := s.HasCampaignShipping(ctx, "t1", "wa-1", "5511", "C1")
	if !ok {
		t.Error("expected fingerprint")
	}
	ok, _ = s.HasCampaignShipping(ctx, "t1", "wa-1", "5511", "C2")
	if ok {
		t.Error("unexpected fingerprint")
	}
}

func TestListTickets_Filter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a := seedTicket(t, s, "1")
	seedTicket(t, s, "2")

	a.UserID = "agent-7"
	a.Status = protocol.TicketOpen
	s.UpdateTicket(ctx, a)

	open := protocol.TicketOpen
	list, err := s.ListTickets(ctx, Filter{TenantID: "t1", Status: &open})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 || list[0].ID != a.ID {
		t.Errorf("open tickets = %v", list)
	}

	n, _ := s.CountTickets(ctx, Filter{TenantID: "t1"})
	if n != 2 {
		t.Errorf("count = %d", n)
	}
	mine, _ := s.ListTickets(ctx, Filter{UserID: "agent-7"})
	if len(mine) != 1 {
		t.Errorf("by user = %d", len(mine))
	}
}

func TestAppendLog(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	tk := seedTicket(t, s, "1")

	s.AppendLog(ctx, &protocol.TicketLog{TicketID: tk.ID, TenantID: "t1", Type: protocol.LogCreate})
	s.AppendLog(ctx, &protocol.TicketLog{TicketID: tk.ID, TenantID: "t1", Type: protocol.LogClosed, UserID: "u1"})

	logs, err := s.ListLogs(ctx, tk.ID)
	if err != nil {
		t.Fatalf("list logs: %v", err)
	}
	if len(logs) != 2 || logs[0].Type != protocol.LogCreate {
		t.Errorf("logs = %+v", logs)
	}
}

func TestRebind(t *testing.T) {
	pg := &SQLStore{driver: DriverPostgres}
	if got := pg.rebind("a = ? AND b = ?"); got != "a = $1 AND b = $2" {
		t.Errorf("postgres rebind = %q", got)
	}
	lite := &SQLStore{driver: DriverSQLite}
	if got := lite.rebind("a = ?"); got != "a = ?" {
		t.Errorf("sqlite rebind = %q", got)
	}
}

func TestOpen_UnsupportedDriver(t *testing.T) {
	if _, err := Open(Options{Driver: "mysql"}); err == nil {
		t.Fatal("expected error for unsupported driver")
	}
}

func TestClaimTicket_OnlyUnownedPending(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	tk := seedTicket(t, s, "5511999")

	ok, err := s.ClaimTicket(ctx, tk.ID, "u1")
	if err != nil || !ok {
		t.Fatalf("claim = %v, %v", ok, err)
	}
	if ok, _ := s.ClaimTicket(ctx, tk.ID, "u2"); ok {
		t.Error("owned ticket claimed again")
	}
	got, _ := s.GetTicket(ctx, tk.ID)
	if got.Status != protocol.TicketOpen || got.UserID != "u1" {
		t.Errorf("ticket = %s/%s", got.Status, got.UserID)
	}

	closed := seedTicket(t, s, "5511888")
	st := protocol.TicketClosed
	s.ChangeTicket(ctx, closed.ID, TicketChange{Status: &st})
	if ok, _ := s.ClaimTicket(ctx, closed.ID, "u1"); ok {
		t.Error("closed ticket claimed")
	}
}

func TestChangeTicket(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	tk := seedTicket(t, s, "5511999")
	s.SetUnread(ctx, tk.ID, 4)

	user, queue := "u1", "q1"
	if ok, err := s.ChangeTicket(ctx, tk.ID, TicketChange{UserID: &user, QueueID: &queue}); err != nil || !ok {
		t.Fatalf("change = %v, %v", ok, err)
	}
	got, _ := s.GetTicket(ctx, tk.ID)
	if got.UserID != "u1" || got.QueueID != "q1" || got.Status != protocol.TicketPending || got.UnreadMessages != 4 {
		t.Errorf("ticket = %+v", got)
	}

	st := protocol.TicketClosed
	if ok, _ := s.ChangeTicket(ctx, tk.ID, TicketChange{Status: &st}); !ok {
		t.Fatal("close refused")
	}
	got, _ = s.GetTicket(ctx, tk.ID)
	if got.Status != protocol.TicketClosed || got.ClosedAt == nil {
		t.Errorf("closed ticket = %+v", got)
	}

	open := protocol.TicketOpen
	if ok, _ := s.ChangeTicket(ctx, tk.ID, TicketChange{Status: &open}); ok {
		t.Error("closed ticket reopened")
	}
	if err := s.SetUnread(ctx, "missing", 1); !errors.Is(err, protocol.ErrNotFound) {
		t.Errorf("SetUnread missing = %v", err)
	}
}

func TestCompleteSend_MergesEarlyEcho(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	tk := seedTicket(t, s, "5511999")

	out := &protocol.Message{TicketID: tk.ID, TenantID: "t1", ChannelID: "wa-1", ContactID: tk.ContactID,
		Body: "reply", FromMe: true, Read: true}
	s.CreateMessage(ctx, out)
	if ok, _ := s.ClaimForSend(ctx, out.ID); !ok {
		t.Fatal("claim failed")
	}
	if _, err := s.FindSendingMessage(ctx, tk.ID, "reply"); err != nil {
		t.Fatalf("FindSendingMessage: %v", err)
	}
	if _, err := s.FindSendingMessage(ctx, tk.ID, "other"); !errors.Is(err, protocol.ErrNotFound) {
		t.Errorf("other body = %v", err)
	}

	echo := &protocol.Message{TicketID: tk.ID, TenantID: "t1", ChannelID: "wa-1", ContactID: tk.ContactID,
		Body: "reply", FromMe: true, Read: true, MessageID: "native-1", Ack: protocol.AckDelivered, Status: protocol.SendSended}
	s.CreateMessage(ctx, echo)

	if _, err := s.CompleteSend(ctx, out.ID, "native-1", protocol.AckSent); err != nil {
		t.Fatalf("CompleteSend: %v", err)
	}
	msgs, _ := s.ListMessages(ctx, tk.ID, 0)
	if len(msgs) != 1 {
		t.Fatalf("messages = %d, want 1", len(msgs))
	}
	m := msgs[0]
	if m.ID != out.ID || m.MessageID != "native-1" || m.Status != protocol.SendSended || m.Ack != protocol.AckDelivered {
		t.Errorf("merged = %+v", m)
	}

	// An inbound row under the same id is a real conflict.
	in := &protocol.Message{TicketID: tk.ID, TenantID: "t1", ChannelID: "wa-1", ContactID: tk.ContactID,
		Body: "hi", MessageID: "native-2", Status: protocol.SendSended}
	s.CreateMessage(ctx, in)
	out2 := &protocol.Message{TicketID: tk.ID, TenantID: "t1", ChannelID: "wa-1", ContactID: tk.ContactID,
		Body: "again", FromMe: true, Read: true}
	s.CreateMessage(ctx, out2)
	s.ClaimForSend(ctx, out2.ID)
	if _, err := s.CompleteSend(ctx, out2.ID, "native-2", protocol.AckSent); !errors.Is(err, ErrDuplicateMessage) {
		t.Errorf("conflict = %v, want ErrDuplicateMessage", err)
	}
}

func TestSoftDeleteMessage_RefreshesSummary(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	tk := seedTicket(t, s, "5511999")
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	first := &protocol.Message{TicketID: tk.ID, TenantID: "t1", ChannelID: "wa-1", ContactID: tk.ContactID,
		Body: "first", MessageID: "n1", Status: protocol.SendSended, CreatedAt: base}
	last := &protocol.Message{TicketID: tk.ID, TenantID: "t1", ChannelID: "wa-1", ContactID: tk.ContactID,
		Body: "oops", FromMe: true, Read: true, MessageID: "n2", Ack: protocol.AckSent, Status: protocol.SendSended,
		CreatedAt: base.Add(time.Minute)}
	s.CreateMessage(ctx, first)
	s.CreateMessage(ctx, last)

	if err := s.SoftDeleteMessage(ctx, first.ID); err != nil {
		t.Fatalf("delete older: %v", err)
	}
	got, _ := s.GetTicket(ctx, tk.ID)
	if got.LastMessage != "oops" {
		t.Errorf("older delete moved summary to %q", got.LastMessage)
	}

	if err := s.SoftDeleteMessage(ctx, last.ID); err != nil {
		t.Fatalf("delete newest: %v", err)
	}
	got, _ = s.GetTicket(ctx, tk.ID)
	if got.LastMessage != "" || got.LastMessageFromMe {
		t.Errorf("summary after deleting everything = %q fromMe=%v", got.LastMessage, got.LastMessageFromMe)
	}
}

func TestSoftDeleteMessage_FallsBackToPrevious(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	tk := seedTicket(t, s, "5511999")
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	prev := &protocol.Message{TicketID: tk.ID, TenantID: "t1", ChannelID: "wa-1", ContactID: tk.ContactID,
		Body: "hello", MessageID: "n1", Status: protocol.SendSended, CreatedAt: base}
	newest := &protocol.Message{TicketID: tk.ID, TenantID: "t1", ChannelID: "wa-1", ContactID: tk.ContactID,
		Body: "typo", FromMe: true, Read: true, MessageID: "n2", Ack: protocol.AckSent, Status: protocol.SendSended,
		CreatedAt: base.Add(time.Minute)}
	s.CreateMessage(ctx, prev)
	s.CreateMessage(ctx, newest)

	if err := s.SoftDeleteMessage(ctx, newest.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	got, _ := s.GetTicket(ctx, tk.ID)
	if got.LastMessage != "hello" || got.LastMessageFromMe || got.LastMessageAt == nil || !got.LastMessageAt.Equal(base) {
		t.Errorf("summary = %q fromMe=%v at=%v", got.LastMessage, got.LastMessageFromMe, got.LastMessageAt)
	}
}
