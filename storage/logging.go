package storage

import (
	"context"
	"database/sql"
	"log/slog"
	"time"
)

type loggingDB struct {
	inner  DBTX
	logger *slog.Logger
}

func (l loggingDB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	start := time.Now()
	res, err := l.inner.ExecContext(ctx, query, args...)
	l.logger.Log(ctx, slog.LevelInfo, "sql exec",
		slog.String("query", query),
		slog.Int("args", len(args)),
		slog.Duration("duration", time.Since(start)),
		slog.Any("err", err),
	)
	return res, err
}

func (l loggingDB) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	start := time.Now()
	rows, err := l.inner.QueryContext(ctx, query, args...)
	l.logger.Log(ctx, slog.LevelInfo, "sql query",
		slog.String("query", query),
		slog.Int("args", len(args)),
		slog.Duration("duration", time.Since(start)),
		slog.Any("err", err),
	)
	return rows, err
}

func (l loggingDB) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	l.logger.Log(ctx, slog.LevelInfo, "sql query row",
		slog.String("query", query),
		slog.Int("args", len(args)),
	)
	return l.inner.QueryRowContext(ctx, query, args...)
}
