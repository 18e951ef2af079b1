package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/npezzotti/story-pointer/internal/database"
	"github.com/npezzotti/story-pointer/internal/poker"
)

// ApiError is the JSON body of every failed request. Err is kept for logs
// and never serialized.
type ApiError struct {
	StatusCode int    `json:"status_code"`
	Message    string `json:"message"`
	Err        error  `json:"-"`
}

func (e *ApiError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s", e.Message, e.Err.Error())
	}

	return e.Message
}

func (e *ApiError) Unwrap() error {
	return e.Err
}

func newApiError(statusCode int, err error) *ApiError {
	return &ApiError{
		StatusCode: statusCode,
		Message:    strings.ToLower(http.StatusText(statusCode)),
		Err:        err,
	}
}

func NewBadRequestError() *ApiError {
	return newApiError(http.StatusBadRequest, nil)
}

func NewNotFoundError() *ApiError {
	return newApiError(http.StatusNotFound, nil)
}

func NewUnauthorizedError() *ApiError {
	return newApiError(http.StatusUnauthorized, nil)
}

func NewServiceUnavailableError(err error) *ApiError {
	return newApiError(http.StatusServiceUnavailable, err)
}

func NewInternalServerError(err error) *ApiError {
	return newApiError(http.StatusInternalServerError, err)
}

// apiErrorFor maps an error from the room layer to the response sent for it.
func apiErrorFor(err error) *ApiError {
	switch {
	case errors.Is(err, poker.ErrRoomNotFound), errors.Is(err, database.ErrNotFound):
		return newApiError(http.StatusNotFound, err)
	case errors.Is(err, poker.ErrNoRoom), errors.Is(err, poker.ErrInvalidOption):
		return newApiError(http.StatusBadRequest, err)
	case errors.Is(err, poker.ErrNotSignedIn):
		return newApiError(http.StatusUnauthorized, err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return NewServiceUnavailableError(err)
	default:
		return NewInternalServerError(err)
	}
}
