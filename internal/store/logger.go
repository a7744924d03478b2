package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
	"gorm.io/gorm/utils"
)

// slowQueryAt is the latency above which a statement is reported as slow.
// SQLite queries against the auth schema should complete in microseconds;
// anything past this threshold means lock contention or a missing index.
const slowQueryAt = 200 * time.Millisecond

// queryLogger adapts gormlogger.Interface onto zap so SQL traces, slow
// statements, and driver errors land in the same structured stream as the
// rest of the process.
type queryLogger struct {
	zl    *zap.Logger
	level gormlogger.LogLevel
}

// newQueryLogger wraps zl for use as a GORM logger. Pass gormlogger.Silent to
// drop all query logging, or gormlogger.Info to trace every statement. The
// caller skip lines zap's caller annotation up with the application frame
// that issued the query rather than GORM internals.
func newQueryLogger(zl *zap.Logger, level gormlogger.LogLevel) gormlogger.Interface {
	if level == 0 {
		level = gormlogger.Warn
	}
	return &queryLogger{zl: zl.WithOptions(zap.AddCallerSkip(3)), level: level}
}

// LogMode returns a logger at the given level. GORM calls it for
// per-operation overrides such as db.Debug().
func (q *queryLogger) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	return &queryLogger{zl: q.zl, level: level}
}

func (q *queryLogger) Info(_ context.Context, format string, args ...interface{}) {
	if q.level >= gormlogger.Info {
		q.zl.Info(fmt.Sprintf(format, args...))
	}
}

func (q *queryLogger) Warn(_ context.Context, format string, args ...interface{}) {
	if q.level >= gormlogger.Warn {
		q.zl.Warn(fmt.Sprintf(format, args...))
	}
}

func (q *queryLogger) Error(_ context.Context, format string, args ...interface{}) {
	if q.level >= gormlogger.Error {
		q.zl.Error(fmt.Sprintf(format, args...))
	}
}

// Trace reports one executed statement. gorm.ErrRecordNotFound is dropped
// unconditionally: lookup paths here treat a missing row as an answer, and
// auth probes for unknown usernames would otherwise flood the error stream.
func (q *queryLogger) Trace(_ context.Context, begin time.Time, fc func() (string, int64), err error) {
	if q.level <= gormlogger.Silent {
		return
	}

	sql, rows := fc()
	elapsed := time.Since(begin)
	fields := []zap.Field{
		zap.String("sql", sql),
		zap.Int64("rows", rows),
		zap.Duration("elapsed", elapsed),
		zap.String("caller", utils.FileWithLineNum()),
	}

	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		q.zl.Error("query failed", append(fields, zap.Error(err))...)
		return
	}
	if elapsed > slowQueryAt {
		q.zl.Warn("slow query", fields...)
		return
	}
	if q.level >= gormlogger.Info {
		q.zl.Debug("query", fields...)
	}
}
