// Package safety resolves the targets of agent-originated mutations and
// rejects requests that would corrupt or empty the document. Every check
// runs against a snapshot before any document transaction is attempted.
package safety

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"

	"chronicle/coedit/internal/domainerr"
)

// Kind is the mutation type requested by the agent layer.
type Kind string

const (
	KindAdd             Kind = "add"
	KindModify          Kind = "modify"
	KindDelete          Kind = "delete"
	KindCreateChecklist Kind = "createChecklist"
	KindModifyTable     Kind = "modifyTable"
)

// Inserting reports whether k resolves a single reference block instead of
// a target set.
func (k Kind) Inserting() bool {
	return k == KindAdd || k == KindCreateChecklist
}

// StringList decodes from either a JSON string or an array of strings.
type StringList []string

func (l *StringList) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		*l = nil
		return nil
	}
	if trimmed[0] == '"' {
		var single string
		if err := json.Unmarshal(trimmed, &single); err != nil {
			return err
		}
		if single == "" {
			*l = nil
			return nil
		}
		*l = StringList{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(trimmed, &many); err != nil {
		return fmt.Errorf("expected string or array of strings")
	}
	*l = many
	return nil
}

// Request is a mutation request from the agent layer.
type Request struct {
	Type             Kind       `json:"type" validate:"required,oneof=add modify delete createChecklist modifyTable"`
	TargetBlockIDs   StringList `json:"targetBlockIds,omitempty" validate:"omitempty,dive,blockid"`
	ReferenceBlockID string     `json:"referenceBlockId,omitempty" validate:"omitempty,blockid"`
	Content          StringList `json:"content,omitempty"`
}

var blockIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.:-]{0,127}$`)

var requestValidate *validator.Validate

func init() {
	requestValidate = validator.New()
	_ = requestValidate.RegisterValidation("blockid", func(fl validator.FieldLevel) bool {
		return blockIDPattern.MatchString(fl.Field().String())
	})
}

// FieldError describes one shape violation.
type FieldError struct {
	Field string `json:"field"`
	Rule  string `json:"rule"`
	Value string `json:"value,omitempty"`
}

// Validate checks the request shape. The returned error is a validation
// error carrying the offending fields as details.
func (r Request) Validate() error {
	err := requestValidate.Struct(r)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return domainerr.Validation("INVALID_REQUEST", err.Error(), nil)
	}
	fields := make([]FieldError, 0, len(verrs))
	names := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, FieldError{Field: fe.Namespace(), Rule: fe.Tag(), Value: fmt.Sprint(fe.Value())})
		names = append(names, fe.Field())
	}
	return domainerr.Validation("INVALID_REQUEST", "invalid request: "+strings.Join(names, ", "), fields)
}
