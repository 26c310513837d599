// Package mail provides the durable inter-agent message bus.
//
// The store (store.go) is a plain message table; the client (client.go)
// layers protocol semantics on top: broadcast resolution, auto-nudge
// triggers, reply threading, and the mail_sent observability event.
package mail

import (
	"crypto/rand"
	"math/big"
	"time"
)

// Priority of a message.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// MessageType classifies a message. Semantic types carry human content;
// protocol types carry a structured payload and drive the orchestration
// state machine.
type MessageType string

const (
	// Semantic types.
	TypeStatus   MessageType = "status"
	TypeQuestion MessageType = "question"
	TypeResult   MessageType = "result"
	TypeError    MessageType = "error"

	// Protocol types.
	TypeWorkerDone  MessageType = "worker_done"
	TypeMergeReady  MessageType = "merge_ready"
	TypeMerged      MessageType = "merged"
	TypeMergeFailed MessageType = "merge_failed"
	TypeEscalation  MessageType = "escalation"
	TypeHealthCheck MessageType = "health_check"
	TypeDispatch    MessageType = "dispatch"
	TypeAssign      MessageType = "assign"
)

// AllTypes lists every valid message type, semantic then protocol.
var AllTypes = []MessageType{
	TypeStatus, TypeQuestion, TypeResult, TypeError,
	TypeWorkerDone, TypeMergeReady, TypeMerged, TypeMergeFailed,
	TypeEscalation, TypeHealthCheck, TypeDispatch, TypeAssign,
}

// Valid reports whether t is a known message type.
func (t MessageType) Valid() bool {
	for _, k := range AllTypes {
		if t == k {
			return true
		}
	}
	return false
}

// IsProtocol reports whether t is a protocol type.
func (t MessageType) IsProtocol() bool {
	switch t {
	case TypeWorkerDone, TypeMergeReady, TypeMerged, TypeMergeFailed,
		TypeEscalation, TypeHealthCheck, TypeDispatch, TypeAssign:
		return true
	}
	return false
}

// Message is one row in the message table. Immutable once inserted,
// except the read flag.
type Message struct {
	// ID is "msg-" plus 12 random base36 characters.
	ID string `json:"id"`

	From    string `json:"from"`
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`

	Priority Priority    `json:"priority"`
	Type     MessageType `json:"type"`

	// ThreadID is empty on the first message of a conversation and equals
	// the id of that first message on every reply.
	ThreadID string `json:"threadId,omitempty"`

	// Payload is the JSON payload for protocol types.
	Payload string `json:"payload,omitempty"`

	Read      bool      `json:"read"`
	CreatedAt time.Time `json:"createdAt"`
}

// NeedsNudge reports whether sending this message should drop a pending
// nudge marker for the recipient. Every protocol type qualifies, as do
// high and urgent priorities.
func (m *Message) NeedsNudge() bool {
	return m.Type.IsProtocol() || m.Priority == PriorityHigh || m.Priority == PriorityUrgent
}

const idAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

// NewMessageID returns a fresh "msg-" id with 12 random base36 characters.
func NewMessageID() string {
	buf := make([]byte, 12)
	for i := range buf {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(idAlphabet))))
		if err != nil {
			// crypto/rand only fails on a broken system
			panic(err)
		}
		buf[i] = idAlphabet[n.Int64()]
	}
	return "msg-" + string(buf)
}

// ListOptions narrow GetAll queries. Zero values mean "no filter".
type ListOptions struct {
	From   string
	To     string
	Unread bool
	Limit  int
}

// PurgeOptions select messages to delete.
type PurgeOptions struct {
	All         bool
	OlderThanMs int64
	Agent       string
}
