package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/npezzotti/swapchat/internal/database"
)

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

func lower(s string) string {
	return strings.ToLower(s)
}

func NewBadRequestError() *ApiError {
	return &ApiError{
		StatusCode: http.StatusBadRequest,
		Message:    lower(http.StatusText(http.StatusBadRequest)),
	}
}

// NewValidationError is a bad request carrying the reason the input was refused.
func NewValidationError(msg string) *ApiError {
	return &ApiError{
		StatusCode: http.StatusBadRequest,
		Message:    msg,
	}
}

func NewNotFoundError() *ApiError {
	return &ApiError{
		StatusCode: http.StatusNotFound,
		Message:    lower(http.StatusText(http.StatusNotFound)),
	}
}

func NewInternalServerError(err error) *ApiError {
	return &ApiError{
		StatusCode: http.StatusInternalServerError,
		Message:    lower(http.StatusText(http.StatusInternalServerError)),
		Err:        err,
	}
}

func NewUnauthorizedError() *ApiError {
	return &ApiError{
		StatusCode: http.StatusUnauthorized,
		Message:    lower(http.StatusText(http.StatusUnauthorized)),
	}
}

func NewForbiddenError() *ApiError {
	return &ApiError{
		StatusCode: http.StatusForbidden,
		Message:    lower(http.StatusText(http.StatusForbidden)),
	}
}

func NewConflictError(msg string) *ApiError {
	return &ApiError{
		StatusCode: http.StatusConflict,
		Message:    msg,
	}
}

// storeError maps a repository error to a response, treating ErrNotFound as 404.
func storeError(err error) *ApiError {
	switch {
	case errors.Is(err, database.ErrNotFound):
		return NewNotFoundError()
	case errors.Is(err, database.ErrConflict):
		return NewConflictError("state conflict")
	case errors.Is(err, database.ErrDuplicate):
		return NewConflictError("already exists")
	default:
		return NewInternalServerError(err)
	}
}
