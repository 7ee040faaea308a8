// Package notify holds the notification model shared by the fan-out
// components: push frames, addressing rules and the error taxonomy.
package notify

import (
	"encoding/json"
	"time"
)

// Frame types pushed to duplex connections.
const (
	TypeSubscriptionConfirmed   = "subscription_confirmed"
	TypeUnsubscriptionConfirmed = "unsubscription_confirmed"
	TypeError                   = "error"
	TypeNotification            = "notification"
	TypePropertyNotification    = "property_notification"
	TypeAnalysisNotification    = "analysis_notification"
)

// Event sub-kinds carried by domain notifications.
const (
	EventCreated   = "created"
	EventUpdated   = "updated"
	EventCompleted = "completed"
)

// Message is a push frame. It is ephemeral and never persisted.
//
// Subscriptions is only set on acknowledgements; a non-nil empty slice is
// still encoded so that clients always see the full set.
type Message struct {
	Type          string          `json:"type"`
	Event         string          `json:"event,omitempty"`
	Topic         string          `json:"topic,omitempty"`
	PropertyID    string          `json:"propertyId,omitempty"`
	Message       string          `json:"message,omitempty"`
	Data          json.RawMessage `json:"data,omitempty"`
	Subscriptions []string        `json:"subscriptions,omitzero"`
	Timestamp     time.Time       `json:"timestamp"`
}

// Encode marshals the frame for the wire.
func (m Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// Ack builds a subscription acknowledgement carrying the full topic set.
func Ack(typ, topic string, subscriptions []string, now time.Time) Message {
	subs := make([]string, len(subscriptions))
	copy(subs, subscriptions)
	return Message{
		Type:          typ,
		Topic:         topic,
		Subscriptions: subs,
		Timestamp:     now.UTC(),
	}
}

// ErrorFrame builds the frame sent back to a connection whose request failed.
func ErrorFrame(text string, now time.Time) Message {
	return Message{Type: TypeError, Message: text, Timestamp: now.UTC()}
}
