package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"v3ktor/internal/domain"
)

// Writer appends change rows inside the same transaction as the
// mutation they describe, so a committed row always has its change.
type Writer struct {
	Now func() time.Time
}

func NewWriter() *Writer {
	return &Writer{Now: time.Now}
}

// Append records a change for the given row. The payload is the full
// row after the mutation (or the deleted row's id for deletes).
func (w *Writer) Append(ctx context.Context, tx *sql.Tx, collection domain.Collection, kind domain.ChangeKind, rowID string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal change payload: %w", err)
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	_, err = tx.ExecContext(ctx,
		`INSERT INTO changes (ts, collection, kind, row_id, payload_json) VALUES (?, ?, ?, ?, ?)`,
		ts, string(collection), string(kind), rowID, string(body),
	)
	if err != nil {
		return fmt.Errorf("append change: %w", err)
	}
	return nil
}
