package shared

import (
	"errors"
	"fmt"
)

var (
	ErrSignatureNotFound   = errors.New("bot signature not found")
	ErrRedisNotInitialized = errors.New("redis client not initialized")
	ErrInvalidTask         = errors.New("invalid task")
	ErrUnknownTaskType     = errors.New("unknown task type")
	ErrVerdictNotStored    = errors.New("crawler verdict not stored")
)

// AppError carries an HTTP status alongside the message returned to the caller.
type AppError struct {
	StatusCode int
	Message    string
	Data       interface{}
}

func (e *AppError) Error() string {
	return fmt.Sprintf("%d: %s", e.StatusCode, e.Message)
}

func NewAppError(statusCode int, message string, data interface{}) *AppError {
	return &AppError{StatusCode: statusCode, Message: message, Data: data}
}

func GetAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying. Task handlers return it for
// payloads that will fail the same way on every attempt.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}
