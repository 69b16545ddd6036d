package alist

import "fmt"

// APIError is a response whose envelope carried a non-success code.
type APIError struct {
	Endpoint string
	Code     int
	Message  string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: api code %d: %s", e.Endpoint, e.Code, e.Message)
}

// StatusError is a response with a non-200 HTTP status.
type StatusError struct {
	Endpoint   string
	StatusCode int
	Status     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: http %s", e.Endpoint, e.Status)
}
