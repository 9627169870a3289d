package domain

import "errors"

// ValidationError marks caller input that was rejected before any job existed.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

func IsValidation(err error) bool {
	var verr *ValidationError
	return errors.As(err, &verr)
}
