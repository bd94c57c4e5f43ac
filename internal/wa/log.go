package wa

import (
	waLog "go.mau.fi/whatsmeow/util/log"
	"go.uber.org/zap"
)

// zapLogger routes whatsmeow logs into zap. whatsmeow's info level is
// chatty, so it is logged at debug.
type zapLogger struct {
	l *zap.SugaredLogger
}

// NewLogger wraps a zap logger as a whatsmeow logger.
func NewLogger(logger *zap.Logger, module string) waLog.Logger {
	return &zapLogger{l: logger.With(zap.String("module", module)).Sugar()}
}

func (z *zapLogger) Warnf(msg string, args ...any)  { z.l.Warnf(msg, args...) }
func (z *zapLogger) Errorf(msg string, args ...any) { z.l.Errorf(msg, args...) }
func (z *zapLogger) Infof(msg string, args ...any)  { z.l.Debugf(msg, args...) }
func (z *zapLogger) Debugf(msg string, args ...any) { z.l.Debugf(msg, args...) }

func (z *zapLogger) Sub(module string) waLog.Logger {
	return &zapLogger{l: z.l.With("sub", module)}
}
