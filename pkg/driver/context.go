package driver

import (
	"go.uber.org/zap"
)

// Context provides dependencies to driver factories during construction.
type Context struct {
	// DeviceName is the configured name of the device the driver will serve.
	DeviceName string

	// Logger is already namespaced for the device; drivers may add their own
	// fields but should not replace it.
	Logger *zap.Logger
}

// NewContext creates a driver context for the named device.
func NewContext(deviceName string, logger *zap.Logger) *Context {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Context{
		DeviceName: deviceName,
		Logger:     logger,
	}
}
