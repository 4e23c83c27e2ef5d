package logbuf

import (
	"context"
	"log/slog"
)

// Handler is an slog.Handler that tees every record into a Buffer before
// passing it to an inner handler. The inner handler keeps its own level.
type Handler struct {
	inner  slog.Handler
	buf    *Buffer
	prefix string
	bound  fields
}

// fields is what one record contributes to an Entry.
type fields struct {
	component string
	ticketID  string
	tenantID  string
	attrs     map[string]any
}

// NewHandler creates a handler that writes to both buf and inner.
func NewHandler(inner slog.Handler, buf *Buffer) *Handler {
	return &Handler{inner: inner, buf: buf}
}

func (h *Handler) Enabled(context.Context, slog.Level) bool { return true }

func (h *Handler) Handle(ctx context.Context, r slog.Record) error {
	f := h.bound.clone()
	r.Attrs(func(a slog.Attr) bool {
		f.add(h.prefix, a)
		return true
	})

	e := Entry{
		Time:      r.Time,
		Level:     r.Level.String(),
		Message:   r.Message,
		Component: f.component,
		TicketID:  f.ticketID,
		TenantID:  f.tenantID,
	}
	if len(f.attrs) > 0 {
		e.Attrs = f.attrs
	}
	h.buf.Write(e)

	if !h.inner.Enabled(ctx, r.Level) {
		return nil
	}
	return h.inner.Handle(ctx, r)
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	bound := h.bound.clone()
	for _, a := range attrs {
		bound.add(h.prefix, a)
	}
	return &Handler{inner: h.inner.WithAttrs(attrs), buf: h.buf, prefix: h.prefix, bound: bound}
}

func (h *Handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return &Handler{inner: h.inner.WithGroup(name), buf: h.buf, prefix: h.prefix + name + ".", bound: h.bound}
}

func (f fields) clone() fields {
	out := f
	if f.attrs != nil {
		out.attrs = make(map[string]any, len(f.attrs))
		for k, v := range f.attrs {
			out.attrs[k] = v
		}
	}
	return out
}

// add records a, lifting the well-known top-level keys out of the attrs map.
// ticket_id stays in attrs as well so clients rendering attrs still see it.
func (f *fields) add(prefix string, a slog.Attr) {
	v := a.Value.Resolve()
	if v.Kind() == slog.KindGroup {
		p := prefix
		if a.Key != "" {
			p = prefix + a.Key + "."
		}
		for _, ga := range v.Group() {
			f.add(p, ga)
		}
		return
	}
	if a.Key == "" {
		return
	}

	if prefix == "" {
		switch a.Key {
		case "component":
			f.component = v.String()
			return
		case "tenant", "tenant_id":
			f.tenantID = v.String()
			return
		case "ticket_id":
			f.ticketID = v.String()
		}
	}
	if f.attrs == nil {
		f.attrs = make(map[string]any)
	}
	f.attrs[prefix+a.Key] = jsonValue(v)
}

// jsonValue converts slog values to JSON-safe types. Errors become their
// message.
func jsonValue(v slog.Value) any {
	raw := v.Any()
	if err, ok := raw.(error); ok {
		return err.Error()
	}
	return raw
}
