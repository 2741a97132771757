package rtp

import (
	"errors"
	"fmt"
)

// DecodeErrorKind категория ошибки разбора пакета
type DecodeErrorKind int

const (
	// MalformedHeader заголовок поврежден или буфер короче фиксированной части
	MalformedHeader DecodeErrorKind = iota
	// LengthMismatch поле длины RTCP не согласуется с размером буфера
	LengthMismatch
	// UnsupportedVersion версия протокола отличается от 2
	UnsupportedVersion
)

func (k DecodeErrorKind) String() string {
	switch k {
	case MalformedHeader:
		return "malformed_header"
	case LengthMismatch:
		return "length_mismatch"
	case UnsupportedVersion:
		return "unsupported_version"
	default:
		return "unknown"
	}
}

// Сентинелы для errors.Is
var (
	ErrMalformedHeader    = errors.New("поврежденный заголовок")
	ErrLengthMismatch     = errors.New("несоответствие длины")
	ErrUnsupportedVersion = errors.New("неподдерживаемая версия")

	// ErrTooManyBlocks в одном отчете больше 31 блока
	ErrTooManyBlocks = errors.New("слишком много блоков отчета")
)

func (k DecodeErrorKind) sentinel() error {
	switch k {
	case LengthMismatch:
		return ErrLengthMismatch
	case UnsupportedVersion:
		return ErrUnsupportedVersion
	default:
		return ErrMalformedHeader
	}
}

// DecodeError ошибка разбора RTP/RTCP датаграммы.
// Не фатальна: сессия отбрасывает датаграмму и увеличивает счетчик.
type DecodeError struct {
	Kind     DecodeErrorKind
	Protocol string // "rtp" или "rtcp"
	Reason   string
	Err      error // Исходная ошибка разбора (опционально)
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %s: %v", e.Protocol, e.Kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s: %s", e.Protocol, e.Kind, e.Reason)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Is сопоставляет ошибку с сентинелом ее категории
func (e *DecodeError) Is(target error) bool {
	return target == e.Kind.sentinel()
}

func newDecodeError(protocol string, kind DecodeErrorKind, reason string, err error) *DecodeError {
	return &DecodeError{Kind: kind, Protocol: protocol, Reason: reason, Err: err}
}

// ConfigurationError некорректная конфигурация сессии. Фатальна только для этой сессии.
type ConfigurationError struct {
	Field  string
	Value  interface{}
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("некорректная конфигурация: %s=%v: %s", e.Field, e.Value, e.Reason)
}
