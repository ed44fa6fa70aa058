package session

import "fmt"

// ValidationError rejects a session operation before anything is changed.
type ValidationError struct {
	Reason  string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s", e.Message)
}

var (
	ErrMissingClient   = &ValidationError{Reason: "missing_client", Message: "client \"Other\" selected but no client name given"}
	ErrMissingCode     = &ValidationError{Reason: "missing_code", Message: "invoice code is empty"}
	ErrNoPagesSelected = &ValidationError{Reason: "no_pages_selected", Message: "no pages selected"}
	ErrUnknownYear     = &ValidationError{Reason: "unknown_year", Message: "year is not one of the configured years"}
	ErrUnknownClient   = &ValidationError{Reason: "unknown_client", Message: "client is not one of the configured clients"}
	ErrPageOutOfRange  = &ValidationError{Reason: "page_out_of_range", Message: "page index out of range"}
)
