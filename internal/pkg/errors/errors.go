package errors

import (
	stderrors "errors"
	"net/http"
)

type CustomError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

func (e *CustomError) Error() string {
	return e.Message
}

func (e *CustomError) Unwrap() error {
	return e.Err
}

// Wrap keeps the status and message of custom and attaches cause for errors.Is.
func Wrap(custom error, cause error) error {
	var ce *CustomError
	if stderrors.As(custom, &ce) {
		return &CustomError{Code: ce.Code, Message: ce.Message, Err: cause}
	}
	return custom
}

func BadRequest(msg string) error {
	return &CustomError{Code: http.StatusBadRequest, Message: msg}
}

func UnauthorizedError(msg string) error {
	return &CustomError{Code: http.StatusUnauthorized, Message: msg}
}

func NotFound(msg string) error {
	return &CustomError{Code: http.StatusNotFound, Message: msg}
}

func Conflict(msg string) error {
	return &CustomError{Code: http.StatusConflict, Message: msg}
}

func UnprocessableEntity(msg string) error {
	return &CustomError{Code: http.StatusUnprocessableEntity, Message: msg}
}

func InternalServerError(msg string) error {
	return &CustomError{Code: http.StatusInternalServerError, Message: msg}
}

func ServiceUnavailable(msg string) error {
	return &CustomError{Code: http.StatusServiceUnavailable, Message: msg}
}

// Code is the HTTP status carried by err, 500 for anything that is not a CustomError.
func Code(err error) int {
	var ce *CustomError
	if stderrors.As(err, &ce) {
		return ce.Code
	}
	return http.StatusInternalServerError
}
