// Package notify is the fire-and-forget notification boundary. Delivery is
// best-effort: failures are logged and dropped, never propagated into the
// transaction that produced the event.
package notify

// Event is the payload pushed to a recipient on state changes
// (escrow_initiated, escrow_released, transport_accepted, ...).
type Event struct {
	RecipientID string         `json:"recipient_id"`
	Type        string         `json:"type"`
	Message     string         `json:"message"`
	Data        map[string]any `json:"data,omitempty"`
}

type Notifier interface {
	Notify(ev Event)
}

// Nop drops everything; used in tests and when no channel is configured.
type Nop struct{}

func (Nop) Notify(Event) {}

// Fanout delivers to every configured channel.
type Fanout []Notifier

func (f Fanout) Notify(ev Event) {
	for _, n := range f {
		n.Notify(ev)
	}
}
