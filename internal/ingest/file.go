package ingest

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"banguard/internal/config"
	"banguard/internal/model"
)

const pollDelay = 200 * time.Millisecond

// StartFileTail launches one tail worker per path. Workers follow appended
// lines, reopen on rotation (inode change) and truncation (size below the
// read offset), and never emit partial lines. A missing path is retried on a
// fixed interval; a permission error ends that path's worker only.
func StartFileTail(ctx context.Context, cfg config.FileTailConfig, paths []string, out chan<- model.Line, logger *slog.Logger, wg *sync.WaitGroup) {
	retry := time.Duration(cfg.RetryIntervalSec) * time.Second
	for _, path := range paths {
		path := path
		if logger != nil {
			logger.Info("file tail enabled", "path", path, "start_at_end", cfg.StartAtEnd)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			tailFile(ctx, path, cfg.StartAtEnd, retry, out, logger)
		}()
	}
}

type tailState struct {
	file    *os.File
	info    os.FileInfo
	reader  *bufio.Reader
	offset  int64
	pending string
}

func tailFile(ctx context.Context, path string, startAtEnd bool, retry time.Duration, out chan<- model.Line, logger *slog.Logger) {
	var st *tailState
	warnedMissing := false
	firstOpen := true

	// reopen attempts to open the path. It returns false when the worker
	// should stop: permission denied or context cancelled.
	reopen := func(seekEnd bool) bool {
		f, err := os.Open(path)
		if err != nil {
			if os.IsPermission(err) {
				if logger != nil {
					logger.Error("tail permission denied, giving up on path", "path", path, "err", err)
				}
				return false
			}
			if os.IsNotExist(err) {
				if !warnedMissing {
					if logger != nil {
						logger.Warn("tail path missing, will retry", "path", path)
					}
					warnedMissing = true
				}
			} else if logger != nil {
				logger.Warn("tail open failed", "path", path, "err", err)
			}
			return BackoffSleep(ctx, retry)
		}
		warnedMissing = false
		info, err := f.Stat()
		if err != nil {
			_ = f.Close()
			return BackoffSleep(ctx, retry)
		}
		st = &tailState{file: f, info: info, reader: bufio.NewReader(f)}
		if seekEnd {
			if pos, err := f.Seek(0, io.SeekEnd); err == nil {
				st.offset = pos
				st.reader.Reset(f)
			}
		}
		return true
	}

	for {
		select {
		case <-ctx.Done():
			if st != nil {
				_ = st.file.Close()
			}
			return
		default:
		}

		if st == nil {
			if !reopen(firstOpen && startAtEnd) {
				return
			}
			firstOpen = false
			continue
		}

		line, err := st.reader.ReadString('\n')
		if err == nil {
			st.offset += int64(len(line))
			text := st.pending + line
			st.pending = ""
			text = trimNewline(text)
			if text != "" {
				SendNonBlocking(ctx, out, model.Line{
					Source:  "file",
					Path:    path,
					Text:    text,
					Arrived: time.Now().UTC(),
				}, logger)
			}
			continue
		}
		if err == io.EOF {
			// Keep the partial tail of the file out of the stream until its
			// newline arrives.
			st.offset += int64(len(line))
			st.pending += line
			if !BackoffSleep(ctx, pollDelay) {
				_ = st.file.Close()
				return
			}
			if rotatedOrTruncated(path, st) {
				_ = st.file.Close()
				st = nil
			}
			continue
		}
		if logger != nil {
			logger.Warn("tail read error", "path", path, "err", err)
		}
		_ = st.file.Close()
		st = nil
	}
}

// rotatedOrTruncated reports whether the path now refers to a different file
// or the current file shrank below the read offset.
func rotatedOrTruncated(path string, st *tailState) bool {
	info, err := os.Stat(path)
	if err != nil {
		return true
	}
	if !os.SameFile(info, st.info) {
		return true
	}
	return info.Size() < st.offset
}

func trimNewline(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}
