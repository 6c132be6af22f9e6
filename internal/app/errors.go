package app

import "fmt"

// DomainError is a service-layer failure that already knows its HTTP
// shape. Details, when set, is serialized into the error body (e.g. the
// active-lease count blocking a status change).
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
