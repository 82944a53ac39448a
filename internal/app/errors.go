package app

import "fmt"

// DomainError is the service layer's HTTP-facing error taxonomy. Handlers
// map it straight onto the response: Status becomes the HTTP status, Code
// is the stable machine-readable token (NOT_FOUND, LOCK_CONFLICT, ...) and
// Details carries an optional structured payload such as the lock holder.
type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}
