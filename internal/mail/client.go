package mail

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/obra/overstory/internal/events"
	"github.com/obra/overstory/internal/nudge"
	"github.com/obra/overstory/internal/oserr"
	"github.com/obra/overstory/internal/session"
)

// SessionDirectory is the slice of the session registry the mail client
// needs: the active set, for broadcast resolution and capability lookups.
type SessionDirectory interface {
	GetActive() ([]*session.Session, error)
}

// Client layers protocol semantics over the message store: broadcast
// resolution, reply threading, nudge markers, and observability events.
//
// Events and Nudges are optional; a nil field disables that side effect.
// Event recording is fire and forget: a failed event write never fails
// the send, because losing telemetry is cheaper than losing a message.
type Client struct {
	Store    *Store
	Sessions SessionDirectory
	Events   *events.Store
	Nudges   *nudge.Layer

	// RunID tags mail_sent events with the current run.
	RunID string

	// Warnings receives protocol advisories. Nil discards them.
	Warnings io.Writer
}

// BroadcastAll is the group address expanding to every active agent.
const BroadcastAll = "@all"

// Send delivers m, expanding group addresses into one stored message per
// recipient. The sender is always excluded from its own broadcast. Returns
// the messages actually stored.
func (c *Client) Send(m *Message) ([]*Message, error) {
	recipients, err := c.resolveRecipients(m.From, m.To)
	if err != nil {
		return nil, err
	}

	delivered := make([]*Message, 0, len(recipients))
	for _, to := range recipients {
		msg := *m
		msg.ID = ""
		msg.To = to
		if err := c.Store.Insert(&msg); err != nil {
			return delivered, err
		}
		delivered = append(delivered, &msg)

		c.recordSent(&msg)
		if msg.NeedsNudge() {
			c.dropNudge(&msg)
		}
		c.adviseMergeReady(&msg)
	}
	return delivered, nil
}

// Reply sends a threaded response to message id. The thread id of every
// reply is the id of the conversation's first message, so one query on it
// retrieves the whole exchange.
func (c *Client) Reply(from, toMessageID string, m *Message) (*Message, error) {
	orig, err := c.Store.GetByID(toMessageID)
	if err != nil {
		return nil, err
	}
	if orig == nil {
		return nil, &oserr.MailError{Op: "reply", Err: fmt.Errorf("no such message: %s", toMessageID)}
	}

	m.From = from
	m.To = orig.From
	if m.Subject == "" {
		m.Subject = "Re: " + strings.TrimPrefix(orig.Subject, "Re: ")
	}
	m.ThreadID = orig.ThreadID
	if m.ThreadID == "" {
		m.ThreadID = orig.ID
	}

	sent, err := c.Send(m)
	if err != nil {
		return nil, err
	}
	return sent[0], nil
}

// Check returns agent's unread messages, oldest first, and marks every
// returned message read.
func (c *Client) Check(agent string) ([]*Message, error) {
	msgs, err := c.Store.GetUnread(agent)
	if err != nil {
		return nil, err
	}
	for _, m := range msgs {
		if err := c.Store.MarkRead(m.ID); err != nil {
			return nil, err
		}
	}
	c.recordReceived(agent, msgs)
	return msgs, nil
}

// CheckInject is Check plus nudge delivery: it consumes agent's pending
// nudge marker (if any) and returns the priority banner to inject ahead of
// the inbox. A corrupt marker is reported through Warnings and otherwise
// ignored; it must never block mail delivery.
func (c *Client) CheckInject(agent string) (string, []*Message, error) {
	var banner string
	if c.Nudges != nil {
		marker, err := c.Nudges.Consume(agent)
		if err != nil {
			c.warnf("discarding unreadable nudge marker for %s: %v", agent, err)
		} else if marker != nil {
			banner = marker.Banner()
		}
	}
	msgs, err := c.Check(agent)
	if err != nil {
		return "", nil, err
	}
	return banner, msgs, nil
}

// List returns messages matching opts, newest first.
func (c *Client) List(opts ListOptions) ([]*Message, error) {
	return c.Store.GetAll(opts)
}

// Thread returns a whole conversation, oldest first.
func (c *Client) Thread(threadID string) ([]*Message, error) {
	return c.Store.GetByThread(threadID)
}

// resolveRecipients expands a group address into concrete agent names. A
// direct address passes through untouched, even when no such agent is
// registered: mail to an agent that has not booted yet is valid and waits
// in its inbox.
func (c *Client) resolveRecipients(from, to string) ([]string, error) {
	if !strings.HasPrefix(to, "@") {
		if to == "" {
			return nil, &oserr.MailError{Op: "send", Err: fmt.Errorf("empty recipient")}
		}
		return []string{to}, nil
	}

	var want session.Capability
	if to != BroadcastAll {
		name := strings.TrimPrefix(to, "@")
		want = session.Capability(name)
		if !want.Valid() {
			// Accept the plural form: @builders addresses the builder group.
			want = session.Capability(strings.TrimSuffix(name, "s"))
		}
		if !want.Valid() {
			return nil, &oserr.MailError{Op: "send", Err: fmt.Errorf("%w: %s", oserr.ErrUnknownGroup, to)}
		}
	}

	active, err := c.Sessions.GetActive()
	if err != nil {
		return nil, &oserr.MailError{Op: "send", Err: err}
	}

	var out []string
	for _, s := range active {
		if s.AgentName == from {
			continue
		}
		if want != "" && s.Capability != want {
			continue
		}
		out = append(out, s.AgentName)
	}
	if len(out) == 0 {
		return nil, &oserr.MailError{Op: "send", Err: fmt.Errorf("%w: %s", oserr.ErrEmptyBroadcast, to)}
	}
	return out, nil
}

func (c *Client) recordSent(m *Message) {
	if c.Events == nil {
		return
	}
	data, _ := json.Marshal(map[string]string{
		"messageId": m.ID,
		"to":        m.To,
		"type":      string(m.Type),
		"priority":  string(m.Priority),
	})
	_, err := c.Events.Insert(&events.StoredEvent{
		RunID:     c.RunID,
		AgentName: m.From,
		EventType: events.TypeMailSent,
		Level:     events.LevelInfo,
		Data:      string(data),
	})
	if err != nil {
		c.warnf("recording mail_sent event: %v", err)
	}
}

func (c *Client) recordReceived(agent string, msgs []*Message) {
	if c.Events == nil || len(msgs) == 0 {
		return
	}
	data, _ := json.Marshal(map[string]any{"count": len(msgs)})
	_, err := c.Events.Insert(&events.StoredEvent{
		RunID:     c.RunID,
		AgentName: agent,
		EventType: events.TypeMailReceived,
		Level:     events.LevelInfo,
		Data:      string(data),
	})
	if err != nil {
		c.warnf("recording mail_received event: %v", err)
	}
}

// dropNudge writes the recipient's pending-nudge marker. The marker reason
// is the protocol type when there is one, otherwise the priority.
func (c *Client) dropNudge(m *Message) {
	if c.Nudges == nil {
		return
	}
	reason := string(m.Priority)
	if m.Type.IsProtocol() {
		reason = string(m.Type)
	}
	err := c.Nudges.Write(m.To, &nudge.Marker{
		From:      m.From,
		Reason:    reason,
		Subject:   m.Subject,
		MessageID: m.ID,
	})
	if err != nil {
		c.warnf("writing nudge marker for %s: %v", m.To, err)
	}
}

// adviseMergeReady checks that a merge_ready from a lead has review
// coverage: at least one reviewer spawned under the same lead, and ideally
// one per builder. Advisory only; the send always goes through.
func (c *Client) adviseMergeReady(m *Message) {
	if m.Type != TypeMergeReady || c.Sessions == nil {
		return
	}
	active, err := c.Sessions.GetActive()
	if err != nil {
		return
	}
	var sender *session.Session
	for _, s := range active {
		if s.AgentName == m.From {
			sender = s
			break
		}
	}
	if sender == nil || sender.Capability != session.CapLead {
		return
	}

	var reviewers, builders int
	for _, s := range active {
		if s.ParentAgent != m.From {
			continue
		}
		switch s.Capability {
		case session.CapReviewer:
			reviewers++
		case session.CapBuilder:
			builders++
		}
	}
	switch {
	case reviewers == 0:
		c.warnf("merge_ready from %s with no reviewer under it; the work is unreviewed", m.From)
	case reviewers < builders:
		c.warnf("merge_ready from %s: %d reviewer(s) for %d builder(s)", m.From, reviewers, builders)
	}
}

func (c *Client) warnf(format string, args ...any) {
	if c.Warnings == nil {
		return
	}
	fmt.Fprintf(c.Warnings, "warning: "+format+"\n", args...)
}
