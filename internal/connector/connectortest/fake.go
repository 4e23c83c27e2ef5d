// Package connectortest provides an in-memory channel adapter for tests.
package connectortest

import (
	"context"
	"fmt"
	"sync"

	"github.com/h1v3-io/inbox/internal/connector"
	"github.com/h1v3-io/inbox/pkg/protocol"
)

// Call records one adapter invocation.
type Call struct {
	Method      string
	Destination string
	Text        string
	QuotedID    string
	Media       *protocol.MediaRef
	NativeIDs   []string
	Presence    connector.Presence
}

// Adapter is a scriptable connector.Adapter. Errors set on the struct are
// returned by the matching method; SendErrs and MarkReadErrs are consumed
// one per call before the fixed errors apply.
type Adapter struct {
	mu sync.Mutex

	ChannelKind protocol.ChannelKind
	State       protocol.SessionState
	Calls       []Call

	SendErrs     []error
	MarkReadErrs []error
	MarkReadErr  error
	DeleteErr    error
	PresenceErr  error
	ReconnectErr error
	// ReconnectState is the state after a successful Reconnect (default open).
	ReconnectState protocol.SessionState
	// OnSend runs after a successful send, before the send returns, the way a
	// channel may deliver the echo of our own message while the send is in flight.
	OnSend func(c Call, res connector.SendResult)

	seq        int
	reconnects int
}

var (
	_ connector.Adapter        = (*Adapter)(nil)
	_ connector.PresenceSender = (*Adapter)(nil)
	_ connector.Reconnector    = (*Adapter)(nil)
)

// New returns an open WhatsApp-kind fake.
func New() *Adapter {
	return &Adapter{ChannelKind: protocol.ChannelWhatsApp, State: protocol.SessionOpen}
}

func (a *Adapter) Kind() protocol.ChannelKind { return a.ChannelKind }

func (a *Adapter) SessionState() protocol.SessionState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.State
}

// SetState changes the session state.
func (a *Adapter) SetState(s protocol.SessionState) {
	a.mu.Lock()
	a.State = s
	a.mu.Unlock()
}

func (a *Adapter) SendText(_ context.Context, destination, text, quotedID string) (connector.SendResult, error) {
	return a.sendAndEcho(Call{Method: "SendText", Destination: destination, Text: text, QuotedID: quotedID})
}

func (a *Adapter) SendMedia(_ context.Context, destination string, media *protocol.MediaRef, caption string) (connector.SendResult, error) {
	return a.sendAndEcho(Call{Method: "SendMedia", Destination: destination, Text: caption, Media: media})
}

func (a *Adapter) sendAndEcho(c Call) (connector.SendResult, error) {
	res, err := a.send(c)
	a.mu.Lock()
	onSend := a.OnSend
	a.mu.Unlock()
	if err == nil && onSend != nil {
		onSend(c, res)
	}
	return res, err
}

func (a *Adapter) send(c Call) (connector.SendResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Calls = append(a.Calls, c)
	if len(a.SendErrs) > 0 {
		err := a.SendErrs[0]
		a.SendErrs = a.SendErrs[1:]
		if err != nil {
			return connector.SendResult{}, err
		}
	}
	a.seq++
	return connector.SendResult{NativeID: fmt.Sprintf("native-%d", a.seq)}, nil
}

func (a *Adapter) MarkRead(_ context.Context, destination string, nativeIDs []string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Calls = append(a.Calls, Call{Method: "MarkRead", Destination: destination, NativeIDs: append([]string(nil), nativeIDs...)})
	if len(a.MarkReadErrs) > 0 {
		err := a.MarkReadErrs[0]
		a.MarkReadErrs = a.MarkReadErrs[1:]
		return err
	}
	return a.MarkReadErr
}

func (a *Adapter) DeleteMessage(_ context.Context, destination, nativeID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Calls = append(a.Calls, Call{Method: "DeleteMessage", Destination: destination, NativeIDs: []string{nativeID}})
	return a.DeleteErr
}

func (a *Adapter) SendPresence(_ context.Context, destination string, p connector.Presence) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Calls = append(a.Calls, Call{Method: "SendPresence", Destination: destination, Presence: p})
	return a.PresenceErr
}

func (a *Adapter) Reconnect(context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.reconnects++
	if a.ReconnectErr != nil {
		return a.ReconnectErr
	}
	a.State = a.ReconnectState
	if a.State == "" {
		a.State = protocol.SessionOpen
	}
	return nil
}

// Reconnects reports how many times Reconnect was called.
func (a *Adapter) Reconnects() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.reconnects
}

// Sent returns the recorded calls of the given method.
func (a *Adapter) Sent(method string) []Call {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []Call
	for _, c := range a.Calls {
		if c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

// Reset clears the recorded calls.
func (a *Adapter) Reset() {
	a.mu.Lock()
	a.Calls = nil
	a.mu.Unlock()
}
