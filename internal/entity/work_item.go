package entity

import (
	"encoding/json"
	"time"

	"github.com/joseph-ayodele/contract-tables/constants"
)

// Keys in WorkItem.Fields with a meaning to the pipeline.
const (
	FieldStorageURI = "gcs_pdf_path"
)

// WorkItem represents one source document tracked by the ledger.
type WorkItem struct {
	ID            string               `json:"id"`
	SourceLocator string               `json:"source_locator"`
	Fields        map[string]any       `json:"fields,omitempty"`
	Status        constants.ItemStatus `json:"status"`
	WorkerID      string               `json:"worker_id,omitempty"`
	Result        []NormalizedTable    `json:"result"`
	RawOutput     json.RawMessage      `json:"raw_output,omitempty"`
	Backend       string               `json:"backend,omitempty"`
	Error         string               `json:"error,omitempty"`
	Notes         []string             `json:"notes,omitempty"`
	AttemptCount  int                  `json:"attempt_count"`
	NumTables     int                  `json:"num_tables"`
	NumRows       int                  `json:"num_rows"`
	CreatedAt     time.Time            `json:"created_at"`
	UpdatedAt     time.Time            `json:"updated_at"`
}

// StorageURI returns the pre-uploaded document reference, if any.
func (w *WorkItem) StorageURI() string {
	if w == nil || w.Fields == nil {
		return ""
	}
	s, _ := w.Fields[FieldStorageURI].(string)
	return s
}

// ItemEvent is one row of the append-only audit log.
type ItemEvent struct {
	ID        string               `json:"id"`
	ItemID    string               `json:"item_id"`
	Timestamp time.Time            `json:"timestamp"`
	Status    constants.ItemStatus `json:"status"`
	Message   string               `json:"message"`
}

// Outcome is what a worker writes back for a claimed item.
type Outcome struct {
	Status    constants.ItemStatus
	Tables    []NormalizedTable
	RawOutput json.RawMessage
	Backend   string
	Error     string
	Notes     []string
}
