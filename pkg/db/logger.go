package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"carbon-ledger/pkg/config"
	"carbon-ledger/pkg/logger"

	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"
	"gorm.io/gorm/utils"
)

const defaultSlowThreshold = 200 * time.Millisecond

// QueryLogger sends gorm output to the context logger, so every statement run
// under a traced request carries its trace_id and span_id.
type QueryLogger struct {
	level         gormlogger.LogLevel
	slowThreshold time.Duration
	showSQL       bool
}

// NewQueryLogger logs warnings and slow queries in production and every
// statement elsewhere. DATABASE.SLOW_THRESHOLD sets the slow query bound.
func NewQueryLogger(cfg *config.Config) *QueryLogger {
	l := &QueryLogger{
		level:         gormlogger.Info,
		slowThreshold: defaultSlowThreshold,
		showSQL:       true,
	}
	if cfg == nil {
		return l
	}
	if cfg.AppEnv == "production" {
		l.level = gormlogger.Warn
		l.showSQL = false
	}
	if cfg.Database.SlowThreshold > 0 {
		l.slowThreshold = cfg.Database.SlowThreshold
	}
	return l
}

func (l *QueryLogger) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	next := *l
	next.level = level
	return &next
}

func (l *QueryLogger) Info(ctx context.Context, msg string, data ...interface{}) {
	if l.level >= gormlogger.Info {
		logger.FromContext(ctx).Info(fmt.Sprintf(msg, data...))
	}
}

func (l *QueryLogger) Warn(ctx context.Context, msg string, data ...interface{}) {
	if l.level >= gormlogger.Warn {
		logger.FromContext(ctx).Warn(fmt.Sprintf(msg, data...))
	}
}

func (l *QueryLogger) Error(ctx context.Context, msg string, data ...interface{}) {
	if l.level >= gormlogger.Error {
		logger.FromContext(ctx).Error(fmt.Sprintf(msg, data...))
	}
}

func (l *QueryLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.level <= gormlogger.Silent {
		return
	}

	elapsed := time.Since(begin)
	sql, rows := fc()
	fields := []zap.Field{
		zap.String("file", utils.FileWithLineNum()),
		zap.String("sql", sql),
		zap.Int64("rows", rows),
		zap.Float64("duration_ms", float64(elapsed.Microseconds())/1000),
	}
	log := logger.FromContext(ctx)

	switch {
	case err != nil && !errors.Is(err, gormlogger.ErrRecordNotFound) && l.level >= gormlogger.Error:
		log.Error("gorm.query", append(fields, zap.Error(err))...)
	case l.slowThreshold > 0 && elapsed > l.slowThreshold && l.level >= gormlogger.Warn:
		log.Warn("gorm.slow_query", append(fields, zap.Duration("threshold", l.slowThreshold))...)
	case l.level >= gormlogger.Info && l.showSQL:
		log.Info("gorm.query", fields...)
	}
}
