// Package logging provides leveled line logging for the escrow daemon.
// The store is the authoritative record of every task. These lines are for
// operators watching the process, not for reconstructing state.
package logging

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// Level represents log severity.
type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

// levelPriority maps levels to numeric priority for filtering.
var levelPriority = map[Level]int{
	LevelDebug: 0,
	LevelInfo:  1,
	LevelWarn:  2,
	LevelError: 3,
}

// ParseLevel converts a case-insensitive level name.
func ParseLevel(s string) (Level, error) {
	level := Level(strings.ToUpper(strings.TrimSpace(s)))
	if level == "WARNING" {
		level = LevelWarn
	}
	if _, ok := levelPriority[level]; !ok {
		return "", fmt.Errorf("unknown log level %q", s)
	}
	return level, nil
}

// sink is shared by a logger and every logger derived from it so that
// SetOutput and SetLevel apply to the whole family.
type sink struct {
	mu       sync.Mutex
	output   io.Writer
	minLevel Level
}

// Logger writes one line per entry: LEVEL TIMESTAMP [component] message key=value ...
type Logger struct {
	sink      *sink
	component string
	traceID   string
}

// New creates a new Logger writing INFO and above to stdout.
func New() *Logger {
	return &Logger{
		sink: &sink{output: os.Stdout, minLevel: LevelInfo},
	}
}

// Discard returns a logger that drops everything.
func Discard() *Logger {
	return &Logger{
		sink: &sink{output: io.Discard, minLevel: LevelError},
	}
}

// WithComponent returns a new logger with the given component name.
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{
		sink:      l.sink,
		component: component,
		traceID:   l.traceID,
	}
}

// WithTraceID returns a new logger with the given trace ID.
func (l *Logger) WithTraceID(traceID string) *Logger {
	return &Logger{
		sink:      l.sink,
		component: l.component,
		traceID:   traceID,
	}
}

// SetLevel sets the minimum log level.
func (l *Logger) SetLevel(level Level) {
	l.sink.mu.Lock()
	l.sink.minLevel = level
	l.sink.mu.Unlock()
}

// SetOutput sets the output writer (default: stdout).
func (l *Logger) SetOutput(w io.Writer) {
	l.sink.mu.Lock()
	l.sink.output = w
	l.sink.mu.Unlock()
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string, fields ...map[string]interface{}) {
	l.log(LevelDebug, msg, fields...)
}

// Info logs an info message.
func (l *Logger) Info(msg string, fields ...map[string]interface{}) {
	l.log(LevelInfo, msg, fields...)
}

// Warn logs a warning message.
func (l *Logger) Warn(msg string, fields ...map[string]interface{}) {
	l.log(LevelWarn, msg, fields...)
}

// Error logs an error message.
func (l *Logger) Error(msg string, fields ...map[string]interface{}) {
	l.log(LevelError, msg, fields...)
}

// formatFields formats fields as key=value pairs in key order.
func formatFields(fields map[string]interface{}) string {
	if len(fields) == 0 {
		return ""
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, fields[k])
	}
	return b.String()
}

func (l *Logger) log(level Level, msg string, fields ...map[string]interface{}) {
	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()

	if levelPriority[level] < levelPriority[l.sink.minLevel] {
		return
	}

	timestamp := time.Now().UTC().Format("2006-01-02T15:04:05.000Z")

	var fieldStr string
	if len(fields) > 0 && fields[0] != nil {
		fieldStr = formatFields(fields[0])
	}
	if l.traceID != "" {
		fieldStr += " trace=" + l.traceID
	}

	var line string
	if l.component != "" {
		line = fmt.Sprintf("%-5s %s [%s] %s%s\n", level, timestamp, l.component, msg, fieldStr)
	} else {
		line = fmt.Sprintf("%-5s %s %s%s\n", level, timestamp, msg, fieldStr)
	}
	l.sink.output.Write([]byte(line))
}

// --- Lifecycle logging methods ---
// Called by the program after a commit succeeds or an operation is rejected.

// TaskCreated logs a newly funded task.
func (l *Logger) TaskCreated(taskID, agent string, checkpoints int, amount uint64) {
	l.Info("task_created", map[string]interface{}{
		"task":        taskID,
		"agent":       agent,
		"checkpoints": checkpoints,
		"amount":      amount,
	})
}

// TaskClaimed logs a claim by a human.
func (l *Logger) TaskClaimed(taskID, human string) {
	l.Info("task_claimed", map[string]interface{}{
		"task":  taskID,
		"human": human,
	})
}

// CheckpointVerified logs an attested checkpoint.
func (l *Logger) CheckpointVerified(taskID string, index, verified, total int) {
	l.Info("checkpoint_verified", map[string]interface{}{
		"task":     taskID,
		"index":    index,
		"progress": fmt.Sprintf("%d/%d", verified, total),
	})
}

// TaskCompleted logs a release to the human.
func (l *Logger) TaskCompleted(taskID, human string, amount uint64) {
	l.Info("task_completed", map[string]interface{}{
		"task":   taskID,
		"human":  human,
		"amount": amount,
	})
}

// TaskCancelled logs a refund to the agent.
func (l *Logger) TaskCancelled(taskID, by string, refund uint64) {
	l.Info("task_cancelled", map[string]interface{}{
		"task":   taskID,
		"by":     by,
		"refund": refund,
	})
}

// OperationRejected logs an operation that failed a precondition.
func (l *Logger) OperationRejected(op, taskID, code, reason string) {
	fields := map[string]interface{}{
		"op":   op,
		"code": code,
	}
	if taskID != "" {
		fields["task"] = taskID
	}
	if reason != "" {
		fields["reason"] = reason
	}
	l.Warn("rejected", fields)
}

// CommitConflict logs a lost optimistic commit that will be retried.
func (l *Logger) CommitConflict(op, key string, attempt int) {
	l.Debug("commit_conflict", map[string]interface{}{
		"op":      op,
		"key":     key,
		"attempt": attempt,
	})
}
