package audit

const (
	queryInsertEntry = `
		INSERT INTO audit_log (timestamp, kind, event_type, delivery_id, deployment_key, outcome, detail, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	querySelectRecent = `
		SELECT id, timestamp, kind, event_type, delivery_id, deployment_key, outcome, detail, payload
		FROM audit_log
		WHERE (? = '' OR kind = ?)
		ORDER BY timestamp DESC, id DESC
		LIMIT ?`

	timestampLayout = "2006-01-02 15:04:05.000"
)
