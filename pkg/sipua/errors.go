package sipua

import (
	"errors"
	"fmt"
)

// Status числовой код ошибки движка
type Status int

const (
	StatusSuccess Status = 0
	// StatusInvalidOperation операция недопустима в текущем состоянии движка
	StatusInvalidOperation Status = 70013
	StatusInvalidArgument  Status = 70004
	StatusNotFound         Status = 70006
	StatusTooMany          Status = 70010
	StatusBusy             Status = 70011
	StatusNetwork          Status = 120001
	StatusTLS              Status = 120002
	// StatusSIPFailure неуспешный финальный SIP ответ
	StatusSIPFailure Status = 171000
	StatusMedia      Status = 220001
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusInvalidOperation:
		return "invalid operation"
	case StatusInvalidArgument:
		return "invalid argument"
	case StatusNotFound:
		return "not found"
	case StatusTooMany:
		return "too many objects"
	case StatusBusy:
		return "object is busy"
	case StatusNetwork:
		return "network error"
	case StatusTLS:
		return "tls error"
	case StatusSIPFailure:
		return "sip request failed"
	case StatusMedia:
		return "media error"
	default:
		return fmt.Sprintf("status %d", int(s))
	}
}

// StatusError ошибка движка с кодом статуса
type StatusError struct {
	Op     string
	Code   Status
	Reason string
	Err    error
}

func (e *StatusError) Error() string {
	msg := e.Op + ": " + e.Code.String()
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *StatusError) Unwrap() error { return e.Err }

// Status возвращает числовой код для слоя telephony
func (e *StatusError) Status() int { return int(e.Code) }

func statusError(op string, code Status, reason string) error {
	return &StatusError{Op: op, Code: code, Reason: reason}
}

func wrapStatus(op string, code Status, err error) error {
	return &StatusError{Op: op, Code: code, Err: err}
}

// StatusOf извлекает код статуса из ошибки движка
func StatusOf(err error) Status {
	if err == nil {
		return StatusSuccess
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code
	}
	return StatusInvalidOperation
}

// SIPStatusError финальный неуспешный ответ на запрос
type SIPStatusError struct {
	Method     string
	StatusCode int
	Reason     string
}

func (e *SIPStatusError) Error() string {
	return fmt.Sprintf("%s rejected: %d %s", e.Method, e.StatusCode, e.Reason)
}
