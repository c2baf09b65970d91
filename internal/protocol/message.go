// Package protocol defines the JSON messages exchanged over the reload
// channel between the coordinator and a running extension.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"

	hmrerrors "github.com/conneroisu/exthmr/internal/errors"
	"github.com/conneroisu/exthmr/internal/manifest"
)

// Subprotocol identifies the reload channel among other sockets sharing the
// dev server.
const Subprotocol = "exthmr-reload"

// MessageType is the top-level discriminator.
type MessageType string

const (
	TypeCustom       MessageType = "custom"
	TypeError        MessageType = "error"
	TypeOverlayClear MessageType = "overlay-clear"
	TypePing         MessageType = "ping"
)

// Event is the discriminator of custom messages.
type Event string

const (
	EventContentScriptsRegister Event = "content-scripts-register"
	EventContentScriptsReload   Event = "content-scripts-reload"
	EventExtensionReload        Event = "extension-reload"
)

// ContentScriptGroup is a content-script group as sent to the runtime for
// dynamic registration.
type ContentScriptGroup struct {
	JS                    []string `json:"js"`
	CSS                   []string `json:"css,omitempty"`
	Matches               []string `json:"matches"`
	PersistAcrossSessions bool     `json:"persistAcrossSessions"`
}

// ScriptID returns the deterministic registration id of a group.
func ScriptID(g ContentScriptGroup) string {
	return "crx:" + strings.Join(g.JS, "-")
}

// Message is one reload channel message.
type Message struct {
	Type  MessageType            `json:"type"`
	Event Event                  `json:"event,omitempty"`
	Data  []ContentScriptGroup   `json:"data,omitempty"`
	Err   *hmrerrors.ErrorRecord `json:"err,omitempty"`
}

// Register lists every current content-script group.
func Register(groups []ContentScriptGroup) Message {
	return Message{Type: TypeCustom, Event: EventContentScriptsRegister, Data: groups}
}

// Reload lists the groups whose backing files changed.
func Reload(groups []ContentScriptGroup) Message {
	return Message{Type: TypeCustom, Event: EventContentScriptsReload, Data: groups}
}

// ExtensionReload asks the runtime to reload the whole extension.
func ExtensionReload() Message {
	return Message{Type: TypeCustom, Event: EventExtensionReload}
}

// Error carries a build failure.
func Error(record *hmrerrors.ErrorRecord) Message {
	return Message{Type: TypeError, Err: record}
}

// OverlayClear removes a previously shown error overlay.
func OverlayClear() Message {
	return Message{Type: TypeOverlayClear}
}

// Ping is the liveness message sent by the runtime.
func Ping() Message {
	return Message{Type: TypePing}
}

// GroupsFromManifest converts manifest groups into wire groups.
func GroupsFromManifest(groups []manifest.ContentScript) []ContentScriptGroup {
	out := make([]ContentScriptGroup, 0, len(groups))
	for _, g := range groups {
		out = append(out, ContentScriptGroup{
			JS:      append([]string(nil), g.JS...),
			CSS:     append([]string(nil), g.CSS...),
			Matches: append([]string(nil), g.Matches...),
		})
	}
	return out
}

// Encode renders m as JSON text.
func Encode(m Message) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, hmrerrors.NewProtocolError(hmrerrors.ErrCodeMalformedMessage, "encode message", err)
	}
	return data, nil
}

// Decode parses a reload channel message. Malformed JSON, a missing type
// and unknown kinds are reported as protocol errors.
func Decode(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, hmrerrors.NewProtocolError(hmrerrors.ErrCodeMalformedMessage, "parse message", err)
	}

	switch m.Type {
	case TypeCustom:
		switch m.Event {
		case EventContentScriptsRegister, EventContentScriptsReload, EventExtensionReload:
		default:
			return Message{}, hmrerrors.NewProtocolError(hmrerrors.ErrCodeUnknownMessage,
				fmt.Sprintf("unknown custom event %q", m.Event), nil)
		}
	case TypeError:
		if m.Err == nil {
			return Message{}, hmrerrors.NewProtocolError(hmrerrors.ErrCodeMalformedMessage, "error message without err", nil)
		}
	case TypeOverlayClear, TypePing:
	case "":
		return Message{}, hmrerrors.NewProtocolError(hmrerrors.ErrCodeMalformedMessage, "message without type", nil)
	default:
		return Message{}, hmrerrors.NewProtocolError(hmrerrors.ErrCodeUnknownMessage,
			fmt.Sprintf("unknown message type %q", m.Type), nil)
	}
	return m, nil
}
