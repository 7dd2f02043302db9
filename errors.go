package dispatch

import (
	"errors"
	"fmt"
)

var (
	// ErrConnectionNotFound is returned when the requested connection is not configured
	ErrConnectionNotFound = errors.New("dispatch: connection not found")
	// ErrNoConsumers is returned when no binding matches the requested connection and queue
	ErrNoConsumers = errors.New("dispatch: no consumers found")
)

// ConfigurationError reports a selection problem found before any broker
// resource is allocated.
type ConfigurationError struct {
	Connection string
	Queue      string
	Handler    string
	Err        error
}

func (e *ConfigurationError) Error() string {
	switch {
	case errors.Is(e.Err, ErrConnectionNotFound):
		return fmt.Sprintf("connection '%s' not found", e.Connection)
	case errors.Is(e.Err, ErrNoConsumers) && e.Queue != "":
		return fmt.Sprintf("consumer for queue '%s' on connection '%s' not found", e.Queue, e.Connection)
	case errors.Is(e.Err, ErrNoConsumers):
		return fmt.Sprintf("no consumers found for connection '%s'", e.Connection)
	case e.Handler != "":
		return fmt.Sprintf("handler '%s' for queue '%s' on connection '%s' is unusable: %v",
			e.Handler, e.Queue, e.Connection, e.Err)
	}
	return fmt.Sprintf("invalid consumer configuration for connection '%s': %v", e.Connection, e.Err)
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

// HandlerError reports a handler failure for one delivery
type HandlerError struct {
	Queue       string
	Handler     string
	DeliveryTag uint64
	MessageID   string
	Err         error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("handler %s failed on queue %s (delivery %d): %v",
		e.Handler, e.Queue, e.DeliveryTag, e.Err)
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}

// IsConfigurationError reports whether err is a ConfigurationError
func IsConfigurationError(err error) bool {
	var cfgErr *ConfigurationError
	return errors.As(err, &cfgErr)
}
