package mailserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// APIError is a non-2xx response from the mail server
type APIError struct {
	StatusCode int    `json:"status_code"`
	Type       string `json:"exc_type,omitempty"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("mail server error (%d): %s: %s", e.StatusCode, e.Type, e.Message)
	}
	return fmt.Sprintf("mail server error (%d): %s", e.StatusCode, e.Message)
}

// NetworkError is a request that never got a response
type NetworkError struct {
	Operation string
	URL       string
	Err       error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error during %s to %s: %v", e.Operation, e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// errorBody is the error payload of the remote API
type errorBody struct {
	ExcType        string `json:"exc_type"`
	Exception      string `json:"exception"`
	Message        string `json:"message"`
	ServerMessages string `json:"_server_messages"`
}

func newAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{StatusCode: status}

	var eb errorBody
	if err := json.Unmarshal(body, &eb); err == nil {
		apiErr.Type = eb.ExcType
		switch {
		case eb.ServerMessages != "":
			apiErr.Message = serverMessage(eb.ServerMessages)
		case eb.Message != "":
			apiErr.Message = eb.Message
		case eb.Exception != "":
			apiErr.Message = eb.Exception
		}
	}
	if apiErr.Message == "" {
		apiErr.Message = strings.TrimSpace(string(body))
	}
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(status)
	}
	return apiErr
}

// serverMessage unpacks the first entry of the doubly encoded message list
func serverMessage(raw string) string {
	var list []string
	if err := json.Unmarshal([]byte(raw), &list); err != nil || len(list) == 0 {
		return raw
	}
	var msg struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal([]byte(list[0]), &msg); err != nil || msg.Message == "" {
		return list[0]
	}
	return msg.Message
}

// IsAPIError reports whether err carries an APIError
func IsAPIError(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr)
}

// IsNotFound checks if an error is a not found error
func IsNotFound(err error) bool {
	return hasStatus(err, http.StatusNotFound)
}

// IsUnauthorized checks if an error is an authentication failure
func IsUnauthorized(err error) bool {
	return hasStatus(err, http.StatusUnauthorized) || hasStatus(err, http.StatusForbidden)
}

// IsRateLimited checks if an error is a rate limit error
func IsRateLimited(err error) bool {
	return hasStatus(err, http.StatusTooManyRequests)
}

func hasStatus(err error, status int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == status
}
