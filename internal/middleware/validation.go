package middleware

import (
	"context"
	"fmt"
	"strings"

	"github.com/better-wallet/inpage-provider/internal/engine"
	apperrors "github.com/better-wallet/inpage-provider/pkg/errors"
	"github.com/better-wallet/inpage-provider/pkg/types"
)

// ValidationError represents a validation error
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

func (ve ValidationErrors) Error() string {
	if len(ve) == 0 {
		return "validation failed"
	}
	msgs := make([]string, len(ve))
	for i, e := range ve {
		msgs[i] = fmt.Sprintf("%s: %s", e.Field, e.Message)
	}
	return strings.Join(msgs, "; ")
}

// Validator collects field errors for one request.
type Validator struct {
	errors ValidationErrors
}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{errors: make(ValidationErrors, 0)}
}

// HasErrors returns true if there are validation errors
func (v *Validator) HasErrors() bool {
	return len(v.errors) > 0
}

// Errors returns all validation errors
func (v *Validator) Errors() ValidationErrors {
	return v.errors
}

// AddError adds a validation error
func (v *Validator) AddError(field, message string) {
	v.errors = append(v.errors, ValidationError{Field: field, Message: message})
}

// Required validates that a string is not empty
func (v *Validator) Required(field, value string) bool {
	if strings.TrimSpace(value) == "" {
		v.AddError(field, "is required")
		return false
	}
	return true
}

// OneOf validates that a value is one of the allowed values
func (v *Validator) OneOf(field, value string, allowed []string) bool {
	for _, a := range allowed {
		if value == a {
			return true
		}
	}
	v.AddError(field, fmt.Sprintf("must be one of: %s", strings.Join(allowed, ", ")))
	return false
}

// Structured validates that raw JSON, when present, is an array or object.
func (v *Validator) Structured(field string, raw []byte) bool {
	if len(raw) == 0 || types.IsArrayOrObject(raw) {
		return true
	}
	v.AddError(field, "must be an array or an object")
	return false
}

// ValidateRequest checks the JSON-RPC envelope of req. It returns nil when
// the envelope is well formed.
func ValidateRequest(req *types.Request) ValidationErrors {
	v := NewValidator()
	v.Required("method", req.Method)
	if req.JSONRPC != "" {
		v.OneOf("jsonrpc", req.JSONRPC, []string{types.JSONRPCVersion})
	}
	v.Structured("params", req.Params)
	if !v.HasErrors() {
		return nil
	}
	return v.Errors()
}

// Validate rejects malformed requests before they reach the backend.
// Violations are answered with an invalid-request error listing each field.
func Validate() engine.Middleware {
	return func(next engine.Handler) engine.Handler {
		return func(ctx context.Context, req *types.Request) (*types.Response, error) {
			if errs := ValidateRequest(req); errs != nil {
				return nil, apperrors.InvalidRequest(errs.Error(), errs)
			}
			return next(ctx, req)
		}
	}
}
