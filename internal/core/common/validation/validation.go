// Package validation collects field errors into one validation AppError.
package validation

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	errors "github.com/frahmantamala/soko-payments/internal"
)

// Rule inspects a value and returns a field error, or nil.
type Rule func(field string, value interface{}) *errors.ValidationError

type FieldValidator struct {
	name     string
	value    interface{}
	required bool
	rules    []Rule
}

type ValidationBuilder struct {
	fields []*FieldValidator
}

func NewValidator() *ValidationBuilder {
	return &ValidationBuilder{}
}

func (v *ValidationBuilder) Field(name string, value interface{}) *FieldValidator {
	fv := &FieldValidator{name: name, value: value}
	v.fields = append(v.fields, fv)
	return fv
}

func (fv *FieldValidator) rule(r Rule) *FieldValidator {
	fv.rules = append(fv.rules, r)
	return fv
}

func fieldError(field string, code errors.ErrorCode, format string, args ...interface{}) *errors.ValidationError {
	return &errors.ValidationError{Field: field, Message: fmt.Sprintf(format, args...), Code: string(code)}
}

func blank(value interface{}) bool {
	switch v := value.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(v) == ""
	case *string:
		return v == nil || strings.TrimSpace(*v) == ""
	case int:
		return v == 0
	case int64:
		return v == 0
	case decimal.Decimal:
		return v.IsZero()
	}
	return false
}

// Required fails on nil, zero and whitespace-only values. Rules never run
// on a blank value, so a blank optional field always passes.
func (fv *FieldValidator) Required() *FieldValidator {
	fv.required = true
	return fv
}

func (fv *FieldValidator) MinLength(min int) *FieldValidator {
	return fv.rule(func(field string, value interface{}) *errors.ValidationError {
		if s, ok := value.(string); ok && len(s) < min {
			return fieldError(field, errors.ErrCodeValidationFailed, "%s must be at least %d characters", field, min)
		}
		return nil
	})
}

func (fv *FieldValidator) MaxLength(max int) *FieldValidator {
	return fv.rule(func(field string, value interface{}) *errors.ValidationError {
		if s, ok := value.(string); ok && len(s) > max {
			return fieldError(field, errors.ErrCodeValidationFailed, "%s must not exceed %d characters", field, max)
		}
		return nil
	})
}

// PositiveAmount requires a decimal greater than zero.
func (fv *FieldValidator) PositiveAmount() *FieldValidator {
	return fv.rule(func(field string, value interface{}) *errors.ValidationError {
		if d, ok := value.(decimal.Decimal); ok && !d.IsPositive() {
			return fieldError(field, errors.ErrCodeInvalidAmount, "%s must be positive", field)
		}
		return nil
	})
}

// Currency requires a three letter code such as KES, in either case.
func (fv *FieldValidator) Currency() *FieldValidator {
	return fv.rule(func(field string, value interface{}) *errors.ValidationError {
		s, ok := value.(string)
		if !ok {
			return nil
		}
		if len(s) != 3 || strings.Trim(strings.ToUpper(s), "ABCDEFGHIJKLMNOPQRSTUVWXYZ") != "" {
			return fieldError(field, errors.ErrCodeValidationFailed, "%s must be a three letter currency code", field)
		}
		return nil
	})
}

// PhoneDigits allows digits with an optional leading +, spaces and dashes.
func (fv *FieldValidator) PhoneDigits() *FieldValidator {
	return fv.rule(func(field string, value interface{}) *errors.ValidationError {
		s, ok := value.(string)
		if !ok {
			return nil
		}
		for i, r := range s {
			switch {
			case r >= '0' && r <= '9', r == ' ', r == '-':
			case r == '+' && i == 0:
			default:
				return fieldError(field, errors.ErrCodeInvalidPhone, "%s must contain only digits", field)
			}
		}
		return nil
	})
}

func (v *ValidationBuilder) Validate() *errors.AppError {
	var collected []errors.ValidationError
	for _, fv := range v.fields {
		if blank(fv.value) {
			if fv.required {
				collected = append(collected, *fieldError(fv.name, errors.ErrCodeValidationFailed, "%s is required", fv.name))
			}
			continue
		}
		for _, r := range fv.rules {
			if fe := r(fv.name, fv.value); fe != nil {
				collected = append(collected, *fe)
			}
		}
	}
	if len(collected) == 0 {
		return nil
	}
	return errors.NewValidationError("Validation failed", errors.ErrCodeValidationFailed).
		WithDetails(errors.ValidationErrors{Errors: collected})
}
