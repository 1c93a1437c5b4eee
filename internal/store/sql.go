package store

import (
	"database/sql"
	"fmt"

	"github.com/BTreeMap/WarmTransfer/internal/models"
)

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// scanEvents reads call_events rows in query order.
func scanEvents(rows *sql.Rows) ([]models.CallEvent, error) {
	var events []models.CallEvent
	for rows.Next() {
		var (
			e                models.CallEvent
			typ, from, to    string
			identity, detail sql.NullString
		)
		if err := rows.Scan(&e.SessionID, &typ, &from, &to, &identity, &detail, &e.Time); err != nil {
			return nil, fmt.Errorf("failed to scan event row: %w", err)
		}
		e.Type = models.CallEventType(typ)
		e.FromState = models.CallState(from)
		e.ToState = models.CallState(to)
		e.Identity = identity.String
		e.Detail = detail.String
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate event rows: %w", err)
	}
	return events, nil
}
