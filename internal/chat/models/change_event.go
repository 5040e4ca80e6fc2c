package models

import (
	"encoding/json"
	"fmt"
)

type ChangeType string

const (
	ChangeInsert ChangeType = "insert"
	ChangeUpdate ChangeType = "update"
	ChangeDelete ChangeType = "delete"
)

type Table string

const (
	TableMessages  Table = "chat_messages"
	TablePresence  Table = "chat_presence"
	TableReactions Table = "chat_reactions"
)

// AllTables lists every table a session subscribes to.
var AllTables = []Table{TableMessages, TablePresence, TableReactions}

// ChangeEvent is one best-effort row-level notification from the change feed.
// It is a hint to re-fetch, never data to apply.
type ChangeEvent struct {
	Type   ChangeType      `json:"type"`
	Table  Table           `json:"table"`
	Record json.RawMessage `json:"record,omitempty"`
}

// NewChangeEvent marshals record into an event.
func NewChangeEvent(t ChangeType, table Table, record any) (ChangeEvent, error) {
	raw, err := json.Marshal(record)
	if err != nil {
		return ChangeEvent{}, fmt.Errorf("marshal %s record: %w", table, err)
	}
	return ChangeEvent{Type: t, Table: table, Record: raw}, nil
}

// RecordID extracts the row identity the event refers to, or "" when absent.
func (e ChangeEvent) RecordID() string {
	if len(e.Record) == 0 {
		return ""
	}
	var ref struct {
		ID     string `json:"id"`
		UserID string `json:"user_id"`
	}
	if err := json.Unmarshal(e.Record, &ref); err != nil {
		return ""
	}
	if e.Table == TablePresence {
		return ref.UserID
	}
	return ref.ID
}

// ToJSON marshals the event for wire transports.
func (e ChangeEvent) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// ChangeEventFromJSON is the inverse of ToJSON.
func ChangeEventFromJSON(data []byte) (ChangeEvent, error) {
	var e ChangeEvent
	if err := json.Unmarshal(data, &e); err != nil {
		return ChangeEvent{}, fmt.Errorf("decode change event: %w", err)
	}
	return e, nil
}
