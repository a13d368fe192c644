package approval

import (
	"errors"
	"strings"
	"time"
)

type State string

const (
	StateAwaitingDecision State = "awaiting_decision"
	StateApproving        State = "approving"
	StateRejecting        State = "rejecting"
	StateResolved         State = "resolved"
)

// Resolving reports whether a decision for the record is in flight.
func (s State) Resolving() bool {
	return s == StateApproving || s == StateRejecting
}

type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

var (
	ErrNotFound         = errors.New("pending deployment not found")
	ErrDuplicate        = errors.New("deployment already pending")
	ErrClosed           = errors.New("registry closed")
	ErrAlreadyResolving = errors.New("decision already in progress")
	ErrNotResolving     = errors.New("pending deployment is not being resolved")
	ErrInvalidDecision  = errors.New("invalid decision")
)

// Key identifies a pending deployment as owner/repo/environment.
type Key string

func NewKey(owner, repo, environment string) Key {
	return Key(owner + "/" + repo + "/" + environment)
}

// ParseKey splits a key at the first two slashes; the environment part may
// itself contain slashes.
func ParseKey(s string) (Key, bool) {
	parts := strings.SplitN(s, "/", 3)
	if len(parts) != 3 {
		return "", false
	}
	for _, p := range parts {
		if strings.TrimSpace(p) == "" {
			return "", false
		}
	}
	return Key(s), true
}

func (k Key) String() string {
	return string(k)
}

// PendingDeployment is one deployment run paused on a protection rule.
type PendingDeployment struct {
	Key            Key       `json:"key"`
	CallbackURL    string    `json:"-"`
	InstallationID int64     `json:"installation_id"`
	Environment    string    `json:"environment"`
	RepoOwner      string    `json:"repo_owner"`
	RepoName       string    `json:"repo_name"`
	DeliveryID     string    `json:"delivery_id,omitempty"`
	ReceivedAt     time.Time `json:"received_at"`
	State          State     `json:"state"`
}

func (p PendingDeployment) Repository() string {
	return p.RepoOwner + "/" + p.RepoName
}

type Registry interface {
	Insert(rec PendingDeployment) bool
	Register(rec PendingDeployment) error
	Lookup(key Key) (PendingDeployment, bool)
	BeginResolve(key Key, decision Decision) (PendingDeployment, error)
	CompleteResolve(key Key, success bool) error
	List() []PendingDeployment
	Len() int
	NotifyChannel() <-chan struct{}
	Close() error
}
