package test

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
)

// NewLogger returns a logger that is silent unless TEST_LOGS is set. A value
// of 2 enables debug and 3 enables trace.
func NewLogger() *logrus.Logger {
	l := logrus.New()

	switch os.Getenv("TEST_LOGS") {
	case "":
		l.SetOutput(io.Discard)
	case "2":
		l.SetLevel(logrus.DebugLevel)
	case "3":
		l.SetLevel(logrus.TraceLevel)
	default:
		l.SetLevel(logrus.InfoLevel)
	}

	return l
}

// NewHookedLogger is NewLogger with every entry also recorded in the
// returned hook.
func NewHookedLogger() (*logrus.Logger, *logtest.Hook) {
	l := NewLogger()
	if l.GetLevel() < logrus.DebugLevel {
		l.SetLevel(logrus.DebugLevel)
	}
	return l, logtest.NewLocal(l)
}
