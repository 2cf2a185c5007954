package workers

import (
	"listing_ledger/logging"
	"listing_ledger/models"
)

// LogFunc receives worker progress lines
type LogFunc func(level models.LogLevel, source, message string)

// NoOpLogger does nothing
var NoOpLogger LogFunc = func(level models.LogLevel, source, message string) {}

// ProcessLogger routes worker lines to the process logger
var ProcessLogger LogFunc = func(level models.LogLevel, source, message string) {
	entry := logging.Logger.WithField("source", source)
	switch level {
	case models.LogLevelError:
		entry.Error(message)
	case models.LogLevelWarn:
		entry.Warn(message)
	default:
		entry.Info(message)
	}
}
