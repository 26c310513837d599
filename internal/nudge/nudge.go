// Package nudge implements deferred priority notifications.
//
// Typing into a worker's terminal mid-tool-call races with the assistant's
// own stdin writer and corrupts its JSON-line framing. Instead, a sender
// drops a small marker file per recipient; the recipient's own hook picks
// it up on the next prompt and surfaces a priority banner. At most one
// marker exists per recipient: newer nudges overwrite older ones, because
// only the latest matters.
package nudge

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/obra/overstory/internal/util"
)

// Marker is the pending-nudge record for one recipient.
type Marker struct {
	From      string    `json:"from"`
	Reason    string    `json:"reason"`
	Subject   string    `json:"subject"`
	MessageID string    `json:"messageId"`
	CreatedAt time.Time `json:"createdAt"`
}

// Layer reads and writes markers under one pending-nudges directory.
type Layer struct {
	dir string
}

// NewLayer returns a Layer rooted at dir, creating it if needed.
func NewLayer(dir string) (*Layer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating nudge dir: %w", err)
	}
	return &Layer{dir: dir}, nil
}

func (l *Layer) path(agent string) string {
	return filepath.Join(l.dir, agent+".json")
}

// Write drops (or overwrites) the marker for agent. The write is atomic:
// create-then-rename, so a concurrent consumer sees old or new, never half.
func (l *Layer) Write(agent string, m *Marker) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	return util.AtomicWriteJSON(l.path(agent), m)
}

// Consume reads and deletes the marker for agent, returning nil if none
// exists. Deletion is attempted unconditionally after a successful read to
// tolerate races with an overwriting sender: losing a marker that was just
// superseded is fine, delivering one twice is not.
func (l *Layer) Consume(agent string) (*Marker, error) {
	var m Marker
	err := util.ReadJSON(l.path(agent), &m)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		// A corrupt marker still gets removed so it cannot wedge delivery.
		_ = os.Remove(l.path(agent))
		return nil, fmt.Errorf("reading nudge marker: %w", err)
	}
	_ = os.Remove(l.path(agent))
	return &m, nil
}

// Peek reads the marker without consuming it. Used by status displays.
func (l *Layer) Peek(agent string) (*Marker, error) {
	var m Marker
	err := util.ReadJSON(l.path(agent), &m)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading nudge marker: %w", err)
	}
	return &m, nil
}

// Banner formats the priority line injected ahead of the normal inbox.
func (m *Marker) Banner() string {
	return fmt.Sprintf("PRIORITY: %s message from %s — %q", m.Reason, m.From, m.Subject)
}
