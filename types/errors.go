package types

import (
	"errors"
	"fmt"
)

var (
	ErrConfigNotFound       = errors.New("config not found")
	ErrConfigParseFailed    = errors.New("config parse failed")
	ErrConfigValidateFailed = errors.New("config validate failed")
	ErrConfigIsNil          = errors.New("config is nil")
)

var (
	ErrMiddlewareInvalidType       = errors.New("middleware invalid type")
	ErrMiddlewareNotFound          = errors.New("middleware not found")
	ErrMiddlewareOrderInvalid      = errors.New("middleware order invalid")
	ErrMiddlewareConstraintCycle   = errors.New("middleware constraint cycle")
	ErrMiddlewareConstraintInvalid = errors.New("middleware constraint invalid")
	ErrExcludePatternInvalid       = errors.New("exclude pattern invalid")
	ErrHandlerIsNil                = errors.New("handler is nil")
)

var (
	ErrStoreKeyEmpty         = errors.New("store key empty")
	ErrStoreKeyNotFound      = errors.New("store key not found")
	ErrStoreTypeUnknown      = errors.New("store type unknown")
	ErrStoreConnectionFailed = errors.New("store connection failed")
	ErrStoreOperationFailed  = errors.New("store operation failed")
	ErrStoreIsDisabled       = errors.New("store is disabled")
)

var (
	ErrAlreadyRunning = errors.New("already running")
	ErrNotRunning     = errors.New("not running")
)

var (
	ErrLoggerTypeUnknown   = errors.New("logger type unknown")
	ErrLoggerConfigInvalid = errors.New("logger config invalid")
	ErrLogFileIsEmpty      = errors.New("log file is empty")
	ErrLogFileWrongFormat  = errors.New("log file wrong format")
)

var (
	ErrMetricsTypeUnknown = errors.New("metrics type unknown")
	ErrMetricsIsDisabled  = errors.New("metrics manager is disabled")
)

var (
	ErrRouteFinalizationFailed = errors.New("route finalization failed")
	ErrRouteNotFound           = errors.New("route not found")
	ErrRouterFinalized         = errors.New("router already finalized")
	ErrRouterNotFinalized      = errors.New("router not finalized")
	ErrLoggerIsNil             = errors.New("logger is nil")
)

func Errorf(baseErr error, format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", baseErr, fmt.Sprintf(format, args...))
}

func WrapError(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

func NewErrorf(format string, args ...interface{}) error {
	return fmt.Errorf(format, args...)
}

func IsError(err, target error) bool {
	return errors.Is(err, target)
}
