package app

import "fmt"

// Stable machine-readable error codes surfaced in the HTTP error body.
// Clients branch on these rather than on the message text: the editor
// drops an offline-queued save on CodeValidation but keeps retrying on
// CodeServer, and falls back to polling on CodeRealtimeUnavailable.
const (
	CodeValidation          = "VALIDATION_ERROR"
	CodeInvalidBody         = "INVALID_BODY"
	CodeMethodNotAllowed    = "METHOD_NOT_ALLOWED"
	CodeNotFound            = "NOT_FOUND"
	CodeServer              = "SERVER_ERROR"
	CodeRealtimeUnavailable = "REALTIME_UNAVAILABLE"
	CodeDocsrcUnavailable   = "DOCSOURCE_UNAVAILABLE"
)

// DomainError carries an annotation-API failure from the service layer
// to the HTTP boundary, where Status and Code shape the response.
// Details holds payload-specific context such as the rejected linkage.
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
