package telephony

import (
	"errors"
	"fmt"
)

// ErrorKind классифицирует ошибки слоя управления сессиями.
type ErrorKind int

const (
	KindCreation ErrorKind = iota + 1
	// KindConfig неизвестная политика или некорректная конфигурация
	KindConfig
	KindInitialization
	KindTransport
	KindAccountCreation
	KindCallCreation
	KindDTMF
	KindTelephonyStart
	KindTelephonyDestroy
	KindInputValue
)

// String возвращает имя вида ошибки
func (k ErrorKind) String() string {
	switch k {
	case KindCreation:
		return "CreationError"
	case KindConfig:
		return "ConfigError"
	case KindInitialization:
		return "InitializationError"
	case KindTransport:
		return "TransportError"
	case KindAccountCreation:
		return "AccountCreationError"
	case KindCallCreation:
		return "CallCreationError"
	case KindDTMF:
		return "DTMFError"
	case KindTelephonyStart:
		return "TelephonyStartError"
	case KindTelephonyDestroy:
		return "TelephonyDestroyError"
	case KindInputValue:
		return "InputValueError"
	default:
		return fmt.Sprintf("ErrorKind(%d)", int(k))
	}
}

func (k ErrorKind) summary() string {
	switch k {
	case KindCreation:
		return "cannot create a telephony instance"
	case KindConfig:
		return "internal config invalid"
	case KindInitialization:
		return "cannot initialize telephony instance"
	case KindTransport:
		return "cannot initialize telephony transport"
	case KindAccountCreation:
		return "account creation error"
	case KindCallCreation:
		return "could not create call"
	case KindDTMF:
		return "cannot send DTMF tone"
	case KindTelephonyStart:
		return "telephony start error"
	case KindTelephonyDestroy:
		return "telephony destruction error"
	case KindInputValue:
		return "input error"
	default:
		return "unknown error"
	}
}

// Error единый тип ошибки слоя.
//
// Fatal помечает ошибки стадии инициализации. Слой не завершает процесс
// сам: решение (остановить движок, выйти, повторить) принимает вызывающий.
type Error struct {
	Kind   ErrorKind
	Detail string
	Fatal  bool
	Cause  error
}

// Error реализует интерфейс error
func (e *Error) Error() string {
	msg := e.Kind.String() + ": " + e.Kind.summary()
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap позволяет использовать errors.Is и errors.As с причиной
func (e *Error) Unwrap() error { return e.Cause }

// Is сравнивает ошибки по виду. Цель без Detail работает как sentinel.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind && (t.Detail == "" || t.Detail == e.Detail)
}

// Sentinel значения для errors.Is
var (
	ErrCreation         = &Error{Kind: KindCreation}
	ErrConfig           = &Error{Kind: KindConfig}
	ErrInitialization   = &Error{Kind: KindInitialization}
	ErrTransport        = &Error{Kind: KindTransport}
	ErrAccountCreation  = &Error{Kind: KindAccountCreation}
	ErrCallCreation     = &Error{Kind: KindCallCreation}
	ErrDTMF             = &Error{Kind: KindDTMF}
	ErrTelephonyStart   = &Error{Kind: KindTelephonyStart}
	ErrTelephonyDestroy = &Error{Kind: KindTelephonyDestroy}
	ErrInputValue       = &Error{Kind: KindInputValue}
)

func newError(kind ErrorKind, detail string) *Error {
	return &Error{Kind: kind, Detail: detail}
}

func wrapError(kind ErrorKind, detail string, cause error) *Error {
	return &Error{Kind: kind, Detail: detail, Cause: cause}
}

// KindOf извлекает вид ошибки из цепочки
func KindOf(err error) (ErrorKind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}

// IsFatal сообщает, что ошибка относится к стадии инициализации и
// движок дальше использовать нельзя.
func IsFatal(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Fatal
}

// statusCoder реализуется ошибками движка, несущими числовой статус
type statusCoder interface {
	Status() int
}

// engineStatus возвращает статус движка из цепочки ошибки, если он есть
func engineStatus(err error) (int, bool) {
	var sc statusCoder
	if errors.As(err, &sc) {
		return sc.Status(), true
	}
	return 0, false
}
