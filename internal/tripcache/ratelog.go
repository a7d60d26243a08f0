package tripcache

import (
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// rateLimitedLogger drops repeats of noisy hot-path messages (background
// revalidation failures, RAM overflow) so one flapping origin cannot flood
// the log. Each message text is limited independently.
type rateLimitedLogger struct {
	log      *zap.Logger
	interval time.Duration

	mu     sync.Mutex
	lastAt map[string]time.Time
}

func newRateLimitedLogger(log *zap.Logger, interval time.Duration) *rateLimitedLogger {
	return &rateLimitedLogger{log: log, interval: interval, lastAt: map[string]time.Time{}}
}

func (l *rateLimitedLogger) Log(level zapcore.Level, msg string, fields ...zap.Field) {
	if l == nil || l.log == nil {
		return
	}
	l.mu.Lock()
	now := time.Now()
	if last, ok := l.lastAt[msg]; ok && now.Sub(last) < l.interval {
		l.mu.Unlock()
		return
	}
	l.lastAt[msg] = now
	l.mu.Unlock()

	if ce := l.log.Check(level, msg); ce != nil {
		ce.Write(fields...)
	}
}
