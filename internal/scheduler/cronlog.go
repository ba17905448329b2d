package scheduler

import "go.uber.org/zap"

// cronLogger adapts zap to cron.Logger. cron passes alternating key/value pairs,
// which is the sugared logger's convention too.
type cronLogger struct {
	log *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Errorw(msg, append(keysAndValues, "error", err)...)
}
