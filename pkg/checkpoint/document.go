// Package checkpoint persists per-(sender, contract, event type) scan cursors
// and the events observed so far in a single versioned JSON document.
package checkpoint

import (
	"encoding/json"
	"fmt"

	"github.com/valory-xyz/mechsync/pkg/mech"
)

// CurrentVersion is the schema version written by this build. Documents with
// an older version are archived on load and replaced by an empty one.
const CurrentVersion = 2

const versionKey = "dbVersion"

// Cursor tracks the scan progress of one (sender, contract, event type) stream.
type Cursor struct {
	// LastProcessedBlock is the inclusive upper bound already scanned. It never decreases.
	LastProcessedBlock uint64 `json:"lastProcessedBlock"`
	// Events is keyed by event id and only ever grows.
	Events map[string]mech.Event `json:"events"`
}

// NewCursor returns an empty cursor positioned just before deployedBlock.
func NewCursor(deployedBlock uint64) *Cursor {
	c := &Cursor{Events: map[string]mech.Event{}}
	if deployedBlock > 0 {
		c.LastProcessedBlock = deployedBlock - 1
	}
	return c
}

// Merge stores ev unless an event with the same id is already present.
// It reports whether ev was inserted.
func (c *Cursor) Merge(ev mech.Event) bool {
	if c.Events == nil {
		c.Events = map[string]mech.Event{}
	}
	if _, ok := c.Events[ev.EventID]; ok {
		return false
	}
	c.Events[ev.EventID] = ev
	return true
}

// Advance moves the cursor forward to block; it never moves it backwards.
func (c *Cursor) Advance(block uint64) {
	if block > c.LastProcessedBlock {
		c.LastProcessedBlock = block
	}
}

// ContractRecord maps an event type name to its cursor.
type ContractRecord map[string]*Cursor

// SenderRecord maps a contract address to its record.
type SenderRecord map[string]ContractRecord

// Document is the persisted root object.
type Document struct {
	DBVersion int
	Senders   map[string]SenderRecord
}

// NewDocument returns an empty document at the current schema version.
func NewDocument() *Document {
	return &Document{DBVersion: CurrentVersion, Senders: map[string]SenderRecord{}}
}

// Cursor returns the cursor for (sender, contract, eventType), creating any
// missing level. A new cursor starts right before deployedBlock.
func (d *Document) Cursor(sender, contract, eventType string, deployedBlock uint64) *Cursor {
	if d.Senders == nil {
		d.Senders = map[string]SenderRecord{}
	}
	sr, ok := d.Senders[sender]
	if !ok {
		sr = SenderRecord{}
		d.Senders[sender] = sr
	}
	cr, ok := sr[contract]
	if !ok {
		cr = ContractRecord{}
		sr[contract] = cr
	}
	cur, ok := cr[eventType]
	if !ok || cur == nil {
		cur = NewCursor(deployedBlock)
		cr[eventType] = cur
	}
	if cur.Events == nil {
		cur.Events = map[string]mech.Event{}
	}
	return cur
}

// Lookup returns the cursor for (sender, contract, eventType) without creating it.
func (d *Document) Lookup(sender, contract, eventType string) (*Cursor, bool) {
	cur, ok := d.Senders[sender][contract][eventType]
	return cur, ok && cur != nil
}

// Events returns the union of eventType events over every contract of sender.
func (d *Document) Events(sender, eventType string) map[string]mech.Event {
	out := map[string]mech.Event{}
	for _, cr := range d.Senders[sender] {
		cur, ok := cr[eventType]
		if !ok || cur == nil {
			continue
		}
		for id, ev := range cur.Events {
			out[id] = ev
		}
	}
	return out
}

// MarshalJSON writes the version next to the sender keys:
// {"dbVersion": 2, "<sender>": {"<contract>": {"<eventType>": {...}}}}.
func (d *Document) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(d.Senders)+1)
	for sender, sr := range d.Senders {
		out[sender] = sr
	}
	out[versionKey] = d.DBVersion
	return json.Marshal(out)
}

// UnmarshalJSON reads the layout written by MarshalJSON. A missing version is read as 0.
func (d *Document) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	d.DBVersion = 0
	d.Senders = map[string]SenderRecord{}
	for key, value := range raw {
		if key == versionKey {
			if err := json.Unmarshal(value, &d.DBVersion); err != nil {
				return fmt.Errorf("%s: %w", versionKey, err)
			}
			continue
		}
		var sr SenderRecord
		if err := json.Unmarshal(value, &sr); err != nil {
			return fmt.Errorf("sender %s: %w", key, err)
		}
		d.Senders[key] = sr
	}
	return nil
}
