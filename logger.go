package foodledger

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// ResolutionLogger records what happened to each submission.
type ResolutionLogger interface {
	LogResolution(entry ResolutionLog) error
}

// NewResolutionLogFilePath returns a file path based on a cleaned up model name so logs produced with various models are easy to tell apart.
func NewResolutionLogFilePath(model string) string {
	if model == "" {
		model = "default"
	}
	return fmt.Sprintf(
		"./logs/%d.%s.json",
		time.Now().Unix(),
		strings.NewReplacer(":", "_", "/", "_").Replace(strings.ToLower(model)),
	)
}

// ResolutionLog captures a single submission from prompt to logged entries.
type ResolutionLog struct {
	Username    string    `json:"username"`
	Timestamp   time.Time `json:"timestamp"`
	Submission  string    `json:"submission"`
	Mentions    int       `json:"mentions"`
	Candidates  int       `json:"candidates"`
	Prompt      string    `json:"prompt,omitempty"`
	Reply       string    `json:"reply,omitempty"`
	Resolutions any       `json:"resolutions,omitempty"`
	Skipped     []string  `json:"skipped,omitempty"`
	Fallback    bool      `json:"fallback,omitempty"`
	LoggedCount int       `json:"logged_count"`
	Error       string    `json:"error,omitempty"`
}

// FileResolutionLogger accumulates records and writes them as one JSON document on Flush.
type FileResolutionLogger struct {
	mu      sync.Mutex
	records []ResolutionLog
	writer  io.Writer
}

func NewFileResolutionLogger(writer io.Writer) *FileResolutionLogger {
	return &FileResolutionLogger{
		records: make([]ResolutionLog, 0),
		writer:  writer,
	}
}

// LogResolution buffers the record (does not flush immediately)
func (l *FileResolutionLogger) LogResolution(entry ResolutionLog) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = append(l.records, entry)
	return nil
}

// Flush writes all buffered records to the writer
func (l *FileResolutionLogger) Flush() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.writer == nil {
		return nil
	}

	data, err := json.MarshalIndent(map[string]any{
		"resolution_session": map[string]any{
			"timestamp":   time.Now(),
			"submissions": l.records,
		},
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal resolution log: %w", err)
	}

	if _, err := l.writer.Write(data); err != nil {
		return fmt.Errorf("failed to write resolution log: %w", err)
	}

	l.records = l.records[:0]
	return nil
}

type NoOpResolutionLogger struct{}

func NewNoOpResolutionLogger() *NoOpResolutionLogger {
	return &NoOpResolutionLogger{}
}

func (nop *NoOpResolutionLogger) LogResolution(entry ResolutionLog) error {
	return nil
}

// StdoutResolutionLogger writes each record as a JSON line to stdout (for Lambda/CloudWatch)
type StdoutResolutionLogger struct {
	w io.Writer
}

func NewStdoutResolutionLogger() *StdoutResolutionLogger {
	return &StdoutResolutionLogger{w: os.Stdout}
}

func (l *StdoutResolutionLogger) LogResolution(entry ResolutionLog) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(l.w, string(data))
	return err
}
