package attribute

import "errors"

// Domain errors for the attribute package.
var (
	// ErrInvalidValue is returned when a value is outside an attribute's domain.
	ErrInvalidValue = errors.New("attribute: invalid value")

	// ErrUnknownAttribute is returned when a key is not present in a Set.
	ErrUnknownAttribute = errors.New("attribute: unknown attribute")

	// ErrInvalidSchema is returned when attribute metadata is inconsistent.
	ErrInvalidSchema = errors.New("attribute: invalid schema")
)
