package ingest

import (
	"context"
	"log/slog"
	"time"

	"banguard/internal/model"
)

func SendNonBlocking(ctx context.Context, out chan<- model.Line, line model.Line, logger *slog.Logger) bool {
	select {
	case out <- line:
		return true
	case <-ctx.Done():
		return false
	default:
		if logger != nil {
			logger.Warn("line channel full, dropping line", "source", line.Source, "path", line.Path)
		}
		return false
	}
}

func BackoffSleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		d = 200 * time.Millisecond
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
