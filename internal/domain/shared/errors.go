package shared

// DomainError is a business rule failure with a stable code. The HTTP layer
// maps codes to statuses; messages are safe to show to callers.
type DomainError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func NewDomainError(code, message string) *DomainError {
	return &DomainError{Code: code, Message: message}
}

func (e *DomainError) Error() string {
	return e.Message
}

// Is matches on code, so errors.Is(err, ErrNotFound) holds for any
// NOT_FOUND error regardless of its message.
func (e *DomainError) Is(target error) bool {
	t, ok := target.(*DomainError)
	return ok && e.Code == t.Code
}

var (
	// ErrNotFound is returned by repositories for a missing row
	ErrNotFound = NewDomainError("NOT_FOUND", "Resource not found")
	// ErrAlreadyExists is returned on a unique constraint violation
	ErrAlreadyExists = NewDomainError("ALREADY_EXISTS", "Resource already exists")
	ErrInvalidState  = NewDomainError("INVALID_STATE", "Operation not allowed in current state")
)
