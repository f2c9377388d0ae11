// Package logging declares the small structured-logging surface shared by
// the engine's internal layers, so each layer (transaction, block,
// observe, resource, endpoint) can accept a logger without importing
// logrus directly. internal/obslog provides the logrus-backed implementation.
package logging

// Logger is a structured, leveled logger with one field-chaining method.
type Logger interface {
	WithField(key string, value interface{}) Logger
	Debugf(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
	Infof(format string, args ...interface{})
}

// Nop is a Logger that discards everything; used where no logger is configured.
type Nop struct{}

func (Nop) WithField(string, interface{}) Logger           { return Nop{} }
func (Nop) Debugf(string, ...interface{})                  {}
func (Nop) Warnf(string, ...interface{})                   {}
func (Nop) Errorf(string, ...interface{})                  {}
func (Nop) Infof(string, ...interface{})                   {}
