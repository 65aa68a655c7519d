// Package audit writes an append-only, size-rotated JSON-lines log of
// the operations recorded through it, and implements engine.AuditSink.
// The engine holds that sink but never calls Record, so neither the
// engine nor the API router writes entries to this log.
package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Event is one recorded operation.
type Event struct {
	Time      time.Time         `json:"time"`
	Principal string            `json:"principal,omitempty"`
	Action    string            `json:"action"`
	Bucket    string            `json:"bucket,omitempty"`
	Key       string            `json:"key,omitempty"`
	SourceIP  string            `json:"source_ip,omitempty"`
	UserAgent string            `json:"user_agent,omitempty"`
	Status    string            `json:"status"` // "success" or "error"
	Error     string            `json:"error,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Config configures the audit logger.
type Config struct {
	Enabled    bool
	Path       string // directory holding audit-*.log files
	MaxSize    int64  // bytes; rotate the current file once it grows past this
	MaxBackups int    // number of rotated files to retain
}

// Logger appends Events to a size-rotated log file under Config.Path.
type Logger struct {
	cfg    Config
	log    *zap.Logger
	mu     sync.Mutex
	file   *os.File
	closed bool
}

// NewLogger opens (or creates) the audit log directory and current file.
// When cfg.Enabled is false, Log and Close are no-ops and no file is opened.
func NewLogger(log *zap.Logger, cfg Config) (*Logger, error) {
	if log == nil {
		log = zap.NewNop()
	}
	l := &Logger{cfg: cfg, log: log}
	if !cfg.Enabled {
		return l, nil
	}
	if err := os.MkdirAll(cfg.Path, 0755); err != nil {
		return nil, fmt.Errorf("audit: create log directory: %w", err)
	}
	f, err := os.OpenFile(l.currentPath(), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("audit: open log file: %w", err)
	}
	l.file = f
	return l, nil
}

func (l *Logger) currentPath() string {
	return filepath.Join(l.cfg.Path, "audit-current.log")
}

// Close flushes and closes the current log file.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed || l.file == nil {
		return nil
	}
	l.closed = true
	return l.file.Close()
}

// Log appends event as one JSON line, rotating the current file first if
// it has grown past Config.MaxSize.
func (l *Logger) Log(ctx context.Context, event *Event) error {
	if !l.cfg.Enabled {
		return nil
	}
	if event.Time.IsZero() {
		event.Time = time.Now()
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("audit: marshal event: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed || l.file == nil {
		return nil
	}
	if l.cfg.MaxSize > 0 {
		if stat, err := l.file.Stat(); err == nil && stat.Size() >= l.cfg.MaxSize {
			l.rotateLocked()
		}
	}
	if _, err := l.file.Write(append(data, '\n')); err != nil {
		l.log.Warn("audit: write failed", zap.Error(err))
		return err
	}
	return nil
}

func (l *Logger) rotateLocked() {
	if l.file != nil {
		l.file.Close()
	}
	backup := filepath.Join(l.cfg.Path, fmt.Sprintf("audit-%s.log", time.Now().Format("20060102-150405.000000000")))
	if err := os.Rename(l.currentPath(), backup); err != nil {
		l.log.Warn("audit: rotate failed", zap.Error(err))
	}
	f, err := os.OpenFile(l.currentPath(), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		l.log.Warn("audit: reopen after rotate failed", zap.Error(err))
		l.file = nil
		return
	}
	l.file = f
	l.cleanupBackupsLocked()
}

func (l *Logger) cleanupBackupsLocked() {
	matches, err := filepath.Glob(filepath.Join(l.cfg.Path, "audit-*.log"))
	if err != nil {
		return
	}
	var backups []string
	for _, m := range matches {
		if m != l.currentPath() {
			backups = append(backups, m)
		}
	}
	if l.cfg.MaxBackups <= 0 || len(backups) <= l.cfg.MaxBackups {
		return
	}
	sort.Strings(backups) // timestamp-named, lexical order is chronological
	for _, old := range backups[:len(backups)-l.cfg.MaxBackups] {
		os.Remove(old)
	}
}

// Query filters events matching query across the current file and every
// retained backup, oldest first.
type Query struct {
	Principal string
	Action    string
	Bucket    string
	StartTime time.Time
	EndTime   time.Time
	Limit     int
}

func (l *Logger) Query(ctx context.Context, q Query) ([]*Event, error) {
	matches, err := filepath.Glob(filepath.Join(l.cfg.Path, "audit-*.log"))
	if err != nil {
		return nil, fmt.Errorf("audit: glob log files: %w", err)
	}
	sort.Strings(matches)

	var results []*Event
	for _, path := range matches {
		events, err := readEvents(path)
		if err != nil {
			return nil, err
		}
		for _, e := range events {
			if q.Principal != "" && e.Principal != q.Principal {
				continue
			}
			if q.Action != "" && e.Action != q.Action {
				continue
			}
			if q.Bucket != "" && e.Bucket != q.Bucket {
				continue
			}
			if !q.StartTime.IsZero() && e.Time.Before(q.StartTime) {
				continue
			}
			if !q.EndTime.IsZero() && e.Time.After(q.EndTime) {
				continue
			}
			results = append(results, e)
			if q.Limit > 0 && len(results) >= q.Limit {
				return results, nil
			}
		}
	}
	return results, nil
}

func readEvents(path string) ([]*Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("audit: open %s: %w", path, err)
	}
	defer f.Close()

	var events []*Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var e Event
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			continue
		}
		events = append(events, &e)
	}
	if err := scanner.Err(); err != nil && err != io.EOF {
		return nil, err
	}
	return events, nil
}

// Sink adapts Logger to engine.AuditSink.
type Sink struct {
	logger *Logger
}

// NewSink wraps logger as an engine.AuditSink.
func NewSink(logger *Logger) *Sink {
	return &Sink{logger: logger}
}

// Record implements engine.AuditSink.
func (s *Sink) Record(ctx context.Context, principal, action, bucket, key string, outcome error) {
	event := &Event{
		Principal: principal,
		Action:    action,
		Bucket:    bucket,
		Key:       key,
		Status:    "success",
	}
	if outcome != nil {
		event.Status = "error"
		event.Error = outcome.Error()
	}
	if err := s.logger.Log(ctx, event); err != nil {
		s.logger.log.Warn("audit: failed to record event", zap.String("action", action), zap.Error(err))
	}
}
