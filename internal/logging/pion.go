package logging

import (
	"fmt"

	"github.com/pion/logging"
	"github.com/rs/zerolog"
)

// PionFactory routes pion's internal scoped loggers into zerolog.
type PionFactory struct {
	Logger zerolog.Logger
}

var _ logging.LoggerFactory = (*PionFactory)(nil)

func (f *PionFactory) NewLogger(scope string) logging.LeveledLogger {
	return &pionLogger{l: Module(f.Logger, "pion").With().Str("scope", scope).Logger()}
}

type pionLogger struct {
	l zerolog.Logger
}

var _ logging.LeveledLogger = (*pionLogger)(nil)

func (p *pionLogger) Trace(msg string) { p.l.Trace().Msg(msg) }
func (p *pionLogger) Tracef(format string, args ...interface{}) {
	p.l.Trace().Msg(fmt.Sprintf(format, args...))
}
func (p *pionLogger) Debug(msg string) { p.l.Debug().Msg(msg) }
func (p *pionLogger) Debugf(format string, args ...interface{}) {
	p.l.Debug().Msg(fmt.Sprintf(format, args...))
}
func (p *pionLogger) Info(msg string) { p.l.Info().Msg(msg) }
func (p *pionLogger) Infof(format string, args ...interface{}) {
	p.l.Info().Msg(fmt.Sprintf(format, args...))
}
func (p *pionLogger) Warn(msg string) { p.l.Warn().Msg(msg) }
func (p *pionLogger) Warnf(format string, args ...interface{}) {
	p.l.Warn().Msg(fmt.Sprintf(format, args...))
}
func (p *pionLogger) Error(msg string) { p.l.Error().Msg(msg) }
func (p *pionLogger) Errorf(format string, args ...interface{}) {
	p.l.Error().Msg(fmt.Sprintf(format, args...))
}
