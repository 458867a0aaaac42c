// Package position supplies raw GPS updates to the sampler.
package position

import (
	"errors"
	"fmt"

	"optrack/driver-agent/internal/model"
)

// Provider emits raw positions until stopped. Errors are reported through onError; after
// one the provider must be started again.
type Provider interface {
	Start(onPosition func(model.RawPosition), onError func(error)) error
	Stop()
}

var (
	ErrUnsupported      = errors.New("location provider unsupported")
	ErrPermissionDenied = errors.New("location permission denied")
	ErrTimeout          = errors.New("location fix timed out")
)

// LocationError is a non-fatal provider failure shown to the operator.
type LocationError struct {
	Err error
}

func (e *LocationError) Error() string {
	return fmt.Sprintf("Erro de GPS: %v", e.Err)
}

func (e *LocationError) Unwrap() error {
	return e.Err
}

// Message returns the operator-facing text for the error.
func (e *LocationError) Message() string {
	switch {
	case errors.Is(e.Err, ErrUnsupported):
		return "Geolocalização não é suportada neste dispositivo."
	case errors.Is(e.Err, ErrPermissionDenied):
		return "Erro de GPS: permissão de localização negada."
	case errors.Is(e.Err, ErrTimeout):
		return "Erro de GPS: tempo esgotado aguardando posição."
	default:
		return e.Error()
	}
}

// Unavailable is the provider used when no GPS feed is configured.
type Unavailable struct{}

// Start always fails with ErrUnsupported.
func (Unavailable) Start(func(model.RawPosition), func(error)) error {
	return &LocationError{Err: ErrUnsupported}
}

// Stop does nothing.
func (Unavailable) Stop() {}
