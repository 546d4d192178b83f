package handlers

import (
	"errors"

	"github.com/go-playground/validator/v10"
)

type structValidator struct {
	validate *validator.Validate
}

// NewStructValidator returns a Validator driven by `validate` struct tags.
// Payloads that are not structs pass unchecked.
func NewStructValidator() Validator {
	return &structValidator{validate: validator.New()}
}

func (v *structValidator) Validate(payload any) error {
	err := v.validate.Struct(payload)
	var invalid *validator.InvalidValidationError
	if errors.As(err, &invalid) {
		return nil
	}
	return err
}
