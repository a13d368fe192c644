package audit

import (
	"encoding/json"
	"fmt"
)

func validateEntry(e Entry) error {
	if !isValidKind(e.Kind) {
		return fmt.Errorf("invalid kind: %q", e.Kind)
	}

	if e.Outcome == "" {
		return fmt.Errorf("outcome cannot be empty")
	}

	if len(e.Payload) > 0 && !json.Valid(e.Payload) {
		return fmt.Errorf("payload must be valid JSON")
	}

	return nil
}

func isValidKind(k Kind) bool {
	return k == KindWebhook || k == KindDecision
}
