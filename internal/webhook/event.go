package webhook

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

const (
	EventDeploymentProtectionRule = "deployment_protection_rule"

	HeaderEvent    = "X-GitHub-Event"
	HeaderDelivery = "X-GitHub-Delivery"
)

// ProtectionRuleEvent holds the fields the relay consumes from a
// deployment_protection_rule delivery. Everything else is ignored.
type ProtectionRuleEvent struct {
	Action                string       `json:"action"`
	Environment           string       `json:"environment" validate:"required"`
	DeploymentCallbackURL string       `json:"deployment_callback_url" validate:"required,url"`
	Repository            Repository   `json:"repository"`
	Installation          Installation `json:"installation"`
}

type Repository struct {
	Name  string `json:"name" validate:"required"`
	Owner Owner  `json:"owner"`
}

type Owner struct {
	Login string `json:"login" validate:"required"`
}

type Installation struct {
	ID int64 `json:"id" validate:"gt=0"`
}

// ValidationError reports a malformed inbound event. No state is changed
// when it is returned.
type ValidationError struct {
	Fields []string
	Reason string
}

func (e *ValidationError) Error() string {
	if len(e.Fields) > 0 {
		return fmt.Sprintf("invalid event: %s: %s", e.Reason, strings.Join(e.Fields, ", "))
	}
	return "invalid event: " + e.Reason
}

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// parseEvent decodes and validates a protection rule delivery body.
func parseEvent(v *validator.Validate, body []byte) (ProtectionRuleEvent, error) {
	var evt ProtectionRuleEvent
	if err := json.Unmarshal(body, &evt); err != nil {
		return ProtectionRuleEvent{}, &ValidationError{Reason: fmt.Sprintf("malformed JSON (%v)", err)}
	}

	evt.normalize()

	if err := v.Struct(evt); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fieldPath(fe.Namespace()))
			}
			return ProtectionRuleEvent{}, &ValidationError{Fields: fields, Reason: "missing or invalid fields"}
		}
		return ProtectionRuleEvent{}, &ValidationError{Reason: err.Error()}
	}

	return evt, nil
}

func (e *ProtectionRuleEvent) normalize() {
	e.Environment = strings.TrimSpace(e.Environment)
	e.DeploymentCallbackURL = strings.TrimSpace(e.DeploymentCallbackURL)
	e.Repository.Name = strings.TrimSpace(e.Repository.Name)
	e.Repository.Owner.Login = strings.TrimSpace(e.Repository.Owner.Login)
}

// fieldPath drops the struct name validator puts in front of the namespace.
func fieldPath(ns string) string {
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return ns
}
