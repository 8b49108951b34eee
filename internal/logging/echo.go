// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package logging

import (
	"context"
	"log/slog"
	"time"

	"grimm.is/interceptor/internal/diag"
)

// severityLevel maps diagnostic severities onto slog levels.
func severityLevel(s diag.Severity) Level {
	switch {
	case s >= diag.SeverityError:
		return LevelError
	case s == diag.SeverityWarning:
		return LevelWarn
	case s == diag.SeverityInfo:
		return LevelInfo
	default:
		return LevelDebug
	}
}

// EchoLines writes flushed diagnostic lines to l.
func EchoLines(l *Logger, lines []*diag.Line) {
	for _, line := range lines {
		l.Log(context.Background(), severityLevel(line.Severity), line.Message,
			slog.String("severity", line.Severity.String()),
			slog.String("source", line.Prefix))
	}
}

// Echo flushes buf into l every interval until ctx is done. It is the only
// consumer of buf while running; do not combine it with a control-channel
// reader.
func Echo(ctx context.Context, buf *diag.Buffer, l *Logger, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			EchoLines(l, buf.Flush())
			return
		case <-ticker.C:
			EchoLines(l, buf.Flush())
		}
	}
}
