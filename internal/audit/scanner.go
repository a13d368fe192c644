package audit

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

func scanEntries(rows *sql.Rows) ([]Entry, error) {
	entries := make([]Entry, 0)

	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration: %w", err)
	}

	return entries, nil
}

func scanEntry(rows *sql.Rows) (Entry, error) {
	var e Entry
	var timestamp string
	var payload sql.NullString

	if err := rows.Scan(&e.ID, &timestamp, &e.Kind, &e.EventType, &e.DeliveryID,
		&e.DeploymentKey, &e.Outcome, &e.Detail, &payload); err != nil {
		return Entry{}, fmt.Errorf("scan row: %w", err)
	}

	parsedTime, err := parseTimestamp(timestamp)
	if err != nil {
		return Entry{}, err
	}
	e.Timestamp = parsedTime

	if payload.Valid && payload.String != "" {
		e.Payload = json.RawMessage(payload.String)
	}

	return e, nil
}

func parseTimestamp(timestamp string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339Nano, timestampLayout, "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, timestamp); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("parse timestamp: unrecognised format %q", timestamp)
}
