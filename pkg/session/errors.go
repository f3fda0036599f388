package session

import (
	"fmt"
)

// ErrorCode типизированный код ошибки медиа сессии
type ErrorCode int

const (
	// ErrorCodeIllegalState операция недопустима в текущем состоянии сессии
	ErrorCodeIllegalState ErrorCode = iota + 2000
	// ErrorCodeNegotiation нет общих форматов с удаленной стороной или некорректное предложение
	ErrorCodeNegotiation
	// ErrorCodeConnect транспорт не смог подключиться к удаленному адресу
	ErrorCodeConnect
	// ErrorCodeTransport ошибка open/bind/close транспорта
	ErrorCodeTransport
)

// String возвращает строковое представление кода ошибки
func (code ErrorCode) String() string {
	switch code {
	case ErrorCodeIllegalState:
		return "IllegalState"
	case ErrorCodeNegotiation:
		return "Negotiation"
	case ErrorCodeConnect:
		return "Connect"
	case ErrorCodeTransport:
		return "Transport"
	default:
		return fmt.Sprintf("Unknown(%d)", int(code))
	}
}

// Phase операция сессии, в которой произошла ошибка
type Phase string

const (
	PhaseOpen      Phase = "open"
	PhaseBind      Phase = "bind"
	PhaseMode      Phase = "update_mode"
	PhaseNegotiate Phase = "negotiate"
	PhaseConnect   Phase = "connect"
	PhaseClose     Phase = "close"
)

// SessionError ошибка медиа сессии.
// Содержит код, фазу операции, идентификатор сессии и исходную ошибку транспорта.
type SessionError struct {
	Code      ErrorCode
	Phase     Phase
	SessionID uint64
	Message   string
	Context   map[string]interface{}
	Wrapped   error
}

// Error реализует интерфейс error
func (e *SessionError) Error() string {
	msg := fmt.Sprintf("[сессия:%d] %s (%s, фаза %s)", e.SessionID, e.Message, e.Code, e.Phase)
	if e.Wrapped != nil {
		msg += ": " + e.Wrapped.Error()
	}
	return msg
}

// Unwrap возвращает обернутую ошибку
func (e *SessionError) Unwrap() error {
	return e.Wrapped
}

// Is сравнивает ошибки по коду
func (e *SessionError) Is(target error) bool {
	if t, ok := target.(*SessionError); ok {
		return e.Code == t.Code
	}
	return false
}

// GetContext возвращает значение из контекста ошибки по ключу
func (e *SessionError) GetContext(key string) interface{} {
	if e.Context == nil {
		return nil
	}
	return e.Context[key]
}

// Эталонные ошибки для errors.Is
var (
	ErrIllegalState = &SessionError{Code: ErrorCodeIllegalState}
	ErrNegotiation  = &SessionError{Code: ErrorCodeNegotiation}
	ErrConnect      = &SessionError{Code: ErrorCodeConnect}
	ErrTransport    = &SessionError{Code: ErrorCodeTransport}
)

func newIllegalStateError(id uint64, phase Phase, state State) *SessionError {
	return &SessionError{
		Code:      ErrorCodeIllegalState,
		Phase:     phase,
		SessionID: id,
		Message:   fmt.Sprintf("операция недопустима в состоянии %s", state),
		Context:   map[string]interface{}{"state": state.String()},
	}
}

func newSessionError(code ErrorCode, id uint64, phase Phase, message string, wrapped error) *SessionError {
	return &SessionError{
		Code:      code,
		Phase:     phase,
		SessionID: id,
		Message:   message,
		Wrapped:   wrapped,
	}
}
