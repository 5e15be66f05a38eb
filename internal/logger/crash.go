package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	// CrashLogDir is the directory for crash logs relative to the data directory.
	CrashLogDir = "crash_logs"

	// MaxCrashLogs is the maximum number of crash logs to keep.
	MaxCrashLogs = 10

	crashPrefix = "crash_"
	crashSuffix = ".log"
)

// CrashLog represents a crash log entry.
type CrashLog struct {
	Timestamp     time.Time `json:"timestamp"`
	Version       string    `json:"version"`
	Command       string    `json:"command"`
	LastOperation string    `json:"last_operation,omitempty"`
	PanicValue    string    `json:"panic_value"`
	StackTrace    string    `json:"stack_trace"`
	GoVersion     string    `json:"go_version"`
	OS            string    `json:"os"`
	Arch          string    `json:"arch"`
}

// CrashHandler records context for crash logs and recovers panics.
type CrashHandler struct {
	mu      sync.RWMutex
	dir     string
	version string
	command string
	lastOp  string

	keep   int
	now    func() time.Time
	stderr io.Writer
	exit   func(code int)
}

// NewCrashHandler writes crash logs under baseDir/crash_logs.
func NewCrashHandler(baseDir, version string) *CrashHandler {
	return &CrashHandler{
		dir:     filepath.Join(baseDir, CrashLogDir),
		version: version,
		keep:    MaxCrashLogs,
		now:     time.Now,
		stderr:  os.Stderr,
		exit:    os.Exit,
	}
}

// SetBaseDir moves crash logs under baseDir, typically after config load.
func (h *CrashHandler) SetBaseDir(baseDir string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dir = filepath.Join(baseDir, CrashLogDir)
}

// SetCommand sets the command being executed.
func (h *CrashHandler) SetCommand(cmd string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.command = cmd
}

// SetLastOperation records what the engine was doing, e.g. "import 20250301T...".
func (h *CrashHandler) SetLastOperation(op string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lastOp = truncateForLog(strings.TrimSpace(op), 500)
}

func truncateForLog(value string, maxLen int) string {
	if len(value) <= maxLen {
		return value
	}
	return value[:maxLen] + "... [truncated]"
}

// Dir returns the crash log directory.
func (h *CrashHandler) Dir() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.dir
}

// HandlePanic recovers a panic, writes a crash log and exits with status 1.
// Usage: defer crash.HandlePanic()
func (h *CrashHandler) HandlePanic() {
	r := recover()
	if r == nil {
		return
	}
	path, err := h.Write(r, debug.Stack())
	if err != nil {
		fmt.Fprintf(h.stderr, "\n[CRASH] Failed to write crash log: %v\n", err)
		fmt.Fprintf(h.stderr, "[CRASH] Panic: %v\n%s\n", r, debug.Stack())
	} else {
		fmt.Fprintf(h.stderr, "\ntaskgraph encountered an unexpected error.\n")
		fmt.Fprintf(h.stderr, "A crash log has been saved to:\n  %s\n\n", path)
	}
	h.exit(1)
}

// Write persists a crash log for panicValue and prunes old logs. It returns
// the file written.
func (h *CrashHandler) Write(panicValue any, stack []byte) (string, error) {
	h.mu.RLock()
	log := CrashLog{
		Timestamp:     h.now(),
		Version:       h.version,
		Command:       h.command,
		LastOperation: h.lastOp,
		PanicValue:    fmt.Sprintf("%v", panicValue),
		StackTrace:    string(stack),
		GoVersion:     runtime.Version(),
		OS:            runtime.GOOS,
		Arch:          runtime.GOARCH,
	}
	dir := h.dir
	keep := h.keep
	h.mu.RUnlock()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create crash log dir: %w", err)
	}
	// Leave room for the log about to be written.
	if err := cleanOldCrashLogs(dir, keep-1); err != nil {
		fmt.Fprintf(h.stderr, "[WARN] Failed to clean old crash logs: %v\n", err)
	}

	path := filepath.Join(dir, fmt.Sprintf("%s%s%s", crashPrefix, log.Timestamp.UTC().Format("20060102_150405.000000000"), crashSuffix))
	if err := os.WriteFile(path, []byte(formatCrashLog(log)), 0o644); err != nil {
		return "", fmt.Errorf("write crash log: %w", err)
	}
	return path, nil
}

func formatCrashLog(log CrashLog) string {
	var sb strings.Builder
	rule := strings.Repeat("=", 80) + "\n"
	thin := strings.Repeat("-", 80) + "\n"

	sb.WriteString(rule)
	sb.WriteString("TASKGRAPH CRASH LOG\n")
	sb.WriteString(rule + "\n")
	fmt.Fprintf(&sb, "Timestamp: %s\n", log.Timestamp.Format(time.RFC3339Nano))
	fmt.Fprintf(&sb, "Version:   %s\n", log.Version)
	fmt.Fprintf(&sb, "Command:   %s\n", log.Command)
	fmt.Fprintf(&sb, "Go:        %s\n", log.GoVersion)
	fmt.Fprintf(&sb, "OS/Arch:   %s/%s\n", log.OS, log.Arch)
	if log.LastOperation != "" {
		fmt.Fprintf(&sb, "Operation: %s\n", log.LastOperation)
	}

	sb.WriteString("\n" + thin + "PANIC VALUE\n" + thin)
	sb.WriteString(log.PanicValue + "\n")
	sb.WriteString("\n" + thin + "STACK TRACE\n" + thin)
	sb.WriteString(log.StackTrace)
	sb.WriteString("\n" + rule + "END OF CRASH LOG\n" + rule)
	return sb.String()
}

// cleanOldCrashLogs removes the oldest crash logs until at most keep remain.
func cleanOldCrashLogs(dir string, keep int) error {
	logs, err := listCrashLogs(dir)
	if err != nil {
		return err
	}
	if keep < 0 {
		keep = 0
	}
	for i := 0; i < len(logs)-keep; i++ {
		if err := os.Remove(logs[i]); err != nil {
			return fmt.Errorf("remove old crash log %s: %w", filepath.Base(logs[i]), err)
		}
	}
	return nil
}

// listCrashLogs returns crash logs oldest first; names embed the timestamp.
func listCrashLogs(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var logs []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), crashPrefix) && strings.HasSuffix(e.Name(), crashSuffix) {
			logs = append(logs, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(logs)
	return logs, nil
}

// ListCrashLogs returns the crash logs in the handler's directory, oldest first.
func (h *CrashHandler) ListCrashLogs() ([]string, error) {
	return listCrashLogs(h.Dir())
}
