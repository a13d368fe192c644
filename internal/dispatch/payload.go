package dispatch

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/Andiesam/test-dpr/internal/approval"
)

const (
	defaultWaitingComment  = "A rollout is in progress. The pipeline will resume when it completes..."
	defaultApprovedComment = "Rollout completed successfully! Pipeline can proceed."
	defaultRejectedComment = "Rollout failed! Deployment blocked at %s"
)

type callbackPayload struct {
	EnvironmentName string `json:"environment_name"`
	State           string `json:"state,omitempty"`
	Comment         string `json:"comment"`
}

func buildPayload(rec approval.PendingDeployment, kind Kind, comment string, now time.Time) ([]byte, error) {
	payload := callbackPayload{
		EnvironmentName: rec.Environment,
		Comment:         strings.TrimSpace(comment),
	}

	switch kind {
	case KindWaiting:
		if payload.Comment == "" {
			payload.Comment = defaultWaitingComment
		}
	case KindApproved:
		payload.State = "approved"
		if payload.Comment == "" {
			payload.Comment = defaultApprovedComment
		}
	case KindRejected:
		payload.State = "rejected"
		if payload.Comment == "" {
			payload.Comment = fmt.Sprintf(defaultRejectedComment, now.UTC().Format("15:04:05"))
		}
	default:
		return nil, fmt.Errorf("unknown notification kind %q", kind)
	}

	return json.Marshal(payload)
}

// KindForDecision maps an operator decision to the callback it triggers.
func KindForDecision(d approval.Decision) (Kind, error) {
	switch d {
	case approval.DecisionApprove:
		return KindApproved, nil
	case approval.DecisionReject:
		return KindRejected, nil
	default:
		return "", fmt.Errorf("%w: %q", approval.ErrInvalidDecision, d)
	}
}
