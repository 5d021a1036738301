// Copyright (C) 2025 Lancache Warden Authors.
// See LICENSE for copying information.

package jobs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/execabs"
)

// tool runs one external binary and relays its stderr into our log.
// Stdout is captured asynchronously so a chatty tool never deadlocks
// on a full pipe.
type tool struct {
	log *zap.Logger
	bin string
	tz  string
}

// run executes the tool and returns its stdout. A non-zero exit or a
// canceled ctx is an error.
func (t *tool) run(ctx context.Context, args ...string) (stdout []byte, err error) {
	defer mon.Task()(&ctx)(&err)

	cmd := execabs.CommandContext(ctx, t.bin, args...)
	cmd.Stderr = &zapWriter{log: t.log.Named("tool")}
	if t.tz != "" {
		cmd.Env = append(os.Environ(), "TZ="+t.tz)
	}

	out, err := cmd.StdoutPipe()
	if err != nil {
		return nil, Error.Wrap(err)
	}

	if err := cmd.Start(); err != nil {
		return nil, Error.New("failed to start %s: %v", t.bin, err)
	}
	t.log.Debug("tool started", zap.String("bin", t.bin), zap.Strings("args", args))

	var buf bytes.Buffer
	var group sync.WaitGroup
	var copyErr error
	group.Add(1)
	go func() {
		defer group.Done()
		_, copyErr = io.Copy(&buf, out)
	}()

	waitErr := cmd.Wait()
	group.Wait()

	if waitErr != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var exitErr *execabs.ExitError
		if errors.As(waitErr, &exitErr) {
			return nil, Error.New("%s exited with status %d", t.bin, exitErr.ExitCode())
		}
		return nil, Error.Wrap(waitErr)
	}
	if copyErr != nil {
		return nil, Error.Wrap(copyErr)
	}
	return buf.Bytes(), nil
}

// ToolProgress is the JSON document external tools write while they
// work.
type ToolProgress struct {
	IsProcessing    bool              `json:"is_processing"`
	PercentComplete float64           `json:"percent_complete"`
	Status          string            `json:"status"`
	Message         string            `json:"message"`
	LinesProcessed  uint64            `json:"lines_processed"`
	ServiceCounts   map[string]uint64 `json:"service_counts"`
}

// watchProgress polls the tool's progress file until ctx ends,
// invoking fn for every readable snapshot. Unreadable or partial
// writes are skipped; the tool owns the file.
func watchProgress(ctx context.Context, path string, interval time.Duration, fn func(ToolProgress)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			raw, err := os.ReadFile(path)
			if err != nil {
				continue
			}
			var progress ToolProgress
			if err := json.Unmarshal(raw, &progress); err != nil {
				continue
			}
			fn(progress)
		}
	}
}

// zapWriter turns a tool's stderr lines into debug logs.
type zapWriter struct {
	log *zap.Logger
	buf bytes.Buffer
}

// Write implements io.Writer, logging complete lines.
func (w *zapWriter) Write(p []byte) (n int, err error) {
	w.buf.Write(p)
	for {
		line, err := w.buf.ReadString('\n')
		if err != nil {
			// keep the partial line for the next write
			w.buf.WriteString(line)
			break
		}
		if trimmed := bytes.TrimSpace([]byte(line)); len(trimmed) > 0 {
			w.log.Debug(string(trimmed))
		}
	}
	return len(p), nil
}
