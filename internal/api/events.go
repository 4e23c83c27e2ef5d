package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/h1v3-io/inbox/pkg/protocol"
)

const maxEventBody = 32 << 20

// eventSchema describes a canonical inbound event posted by an external
// channel bridge.
const eventSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["kind", "nativeId"],
  "properties": {
    "kind": {"enum": ["message", "ack"]},
    "nativeId": {"type": "string", "minLength": 1},
    "destination": {"type": "string"},
    "contactName": {"type": "string"},
    "group": {"type": "boolean"},
    "groupName": {"type": "string"},
    "participant": {"type": "string"},
    "fromMe": {"type": "boolean"},
    "body": {"type": "string"},
    "quotedId": {"type": "string"},
    "timestamp": {"type": "string"},
    "ack": {"type": "integer", "minimum": -1, "maximum": 3},
    "unreadCount": {"type": "integer", "minimum": 0},
    "sessionSync": {"type": "boolean"},
    "media": {
      "type": "object",
      "required": ["mimetype"],
      "properties": {
        "mimetype": {"type": "string", "minLength": 1},
        "filename": {"type": "string"},
        "url": {"type": "string"},
        "data": {"type": "string"}
      }
    }
  },
  "allOf": [
    {
      "if": {"properties": {"kind": {"const": "message"}}},
      "then": {"required": ["destination"], "properties": {"destination": {"minLength": 1}}}
    },
    {
      "if": {"properties": {"kind": {"const": "ack"}}},
      "then": {"required": ["ack"]}
    }
  ]
}`

type eventValidator struct {
	schema *jsonschema.Schema
}

func newEventValidator() *eventValidator {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(eventSchema))
	if err != nil {
		panic(fmt.Sprintf("api: event schema: %v", err))
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("event.json", doc); err != nil {
		panic(fmt.Sprintf("api: event schema: %v", err))
	}
	return &eventValidator{schema: c.MustCompile("event.json")}
}

// decode validates body against the event schema and decodes it.
func (v *eventValidator) decode(body []byte) (protocol.InboundEvent, error) {
	var ev protocol.InboundEvent
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return ev, fmt.Errorf("invalid JSON: %w", protocol.ErrValidation)
	}
	if err := v.schema.Validate(inst); err != nil {
		return ev, fmt.Errorf("%v: %w", err, protocol.ErrValidation)
	}
	if err := json.Unmarshal(body, &ev); err != nil {
		return ev, fmt.Errorf("decode event: %v: %w", err, protocol.ErrValidation)
	}
	return ev, nil
}

// handleEvent accepts one canonical event for a channel of the caller's tenant.
func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	channelID := chi.URLParam(r, "id")
	if tenant, ok := s.svc.ChannelTenant(channelID); !ok || tenant != TenantOf(r) {
		s.writeError(w, r, fmt.Errorf("channel %s: %w", channelID, protocol.ErrNotFound))
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxEventBody))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "read body"})
		return
	}
	ev, err := s.events.decode(body)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.svc.HandleEvent(r.Context(), channelID, ev); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}
