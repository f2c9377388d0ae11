// Package obslog adapts logrus to the internal/logging.Logger interface, so
// none of the engine's layers import logrus directly. Grounded on
// matrix-org-lb, which pulls in github.com/sirupsen/logrus for exactly this
// kind of operational logging (distinct from the teacher's own low-level
// wire tracer, kept as-is in the root package's debug.go).
package obslog

import (
	"github.com/businka/go-coap-engine/internal/logging"
	"github.com/sirupsen/logrus"
)

// entry wraps *logrus.Entry to satisfy logging.Logger.
type entry struct {
	e *logrus.Entry
}

// New builds a logging.Logger from a *logrus.Logger (nil uses logrus.StandardLogger()).
func New(l *logrus.Logger) logging.Logger {
	if l == nil {
		l = logrus.StandardLogger()
	}
	return entry{e: logrus.NewEntry(l)}
}

func (l entry) WithField(key string, value interface{}) logging.Logger {
	return entry{e: l.e.WithField(key, value)}
}

func (l entry) Debugf(format string, args ...interface{}) { l.e.Debugf(format, args...) }
func (l entry) Warnf(format string, args ...interface{})  { l.e.Warnf(format, args...) }
func (l entry) Errorf(format string, args ...interface{}) { l.e.Errorf(format, args...) }
func (l entry) Infof(format string, args ...interface{})  { l.e.Infof(format, args...) }
