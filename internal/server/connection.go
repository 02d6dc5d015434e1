package server

import (
	"encoding/json"
	"fmt"
)

// envelope is the wire format for outbound simulator events.
type envelope struct {
	Event   string `json:"event"`
	Payload any    `json:"payload,omitempty"`
}

// BroadcastConnection delivers named events to every connected live-reload
// client. It satisfies livereload.Connection.
type BroadcastConnection struct {
	hub *hub
}

// Emit marshals the event and queues it for broadcast. Delivery to
// individual clients is best-effort; a full hub queue is an error so the
// caller can surface it.
func (b *BroadcastConnection) Emit(event string, payload any) error {
	message, err := json.Marshal(envelope{Event: event, Payload: payload})
	if err != nil {
		return fmt.Errorf("server: encoding %s event: %w", event, err)
	}

	select {
	case b.hub.broadcast <- message:
		return nil
	default:
		return fmt.Errorf("server: broadcast queue full, dropping %s event", event)
	}
}
