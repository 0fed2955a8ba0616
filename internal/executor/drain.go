package executor

import (
	"bufio"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/taskhub/taskhub/internal/events"
)

const eventLinePrefix = "TASKHUB_EVENT "

// drainStream copies a child's output stream line-by-line into a plain
// log file, and — for stdout only — extracts "TASKHUB_EVENT <json>" lines
// into the run's structured event stream. It returns once the stream
// closes (the child exited or closed the pipe).
func drainStream(r io.Reader, logPath string, writer *events.Writer, runID, streamName string) error {
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer logFile.Close()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if _, err := logFile.WriteString(line + "\n"); err != nil {
			slog.Warn("drain: write log line failed", "run_id", runID, "stream", streamName, "error", err)
		}

		if streamName != "stdout" {
			continue
		}
		trimmed := strings.TrimSpace(line)
		if !strings.HasPrefix(trimmed, eventLinePrefix) {
			continue
		}
		payload := strings.TrimPrefix(trimmed, eventLinePrefix)
		if writer == nil {
			continue
		}
		if err := writer.Append([]byte(payload)); err != nil {
			slog.Warn("drain: malformed event line", "run_id", runID, "error", err, "line", truncate(trimmed, 80))
		}
	}
	return scanner.Err()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
