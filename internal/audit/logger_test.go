package audit

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestNewLogger(t *testing.T) {
	tmpDir := t.TempDir()
	cfg := Config{Enabled: true, Path: tmpDir, MaxSize: 10 * 1024 * 1024, MaxBackups: 5}

	l, err := NewLogger(zap.NewNop(), cfg)
	if err != nil {
		t.Fatalf("NewLogger() error = %v", err)
	}
	defer l.Close()

	if _, err := os.Stat(filepath.Join(tmpDir, "audit-current.log")); err != nil {
		t.Errorf("expected current log file to exist: %v", err)
	}
}

func TestLogger_Log(t *testing.T) {
	tmpDir := t.TempDir()
	cfg := Config{Enabled: true, Path: tmpDir, MaxSize: 10 * 1024 * 1024, MaxBackups: 5}

	l, err := NewLogger(zap.NewNop(), cfg)
	if err != nil {
		t.Fatalf("NewLogger() error = %v", err)
	}
	defer l.Close()

	event := &Event{Action: "GetObject", Bucket: "test-bucket", Key: "test-key", SourceIP: "192.168.1.1", Status: "success"}
	if err := l.Log(context.Background(), event); err != nil {
		t.Fatalf("Log() error = %v", err)
	}
}

func TestLogger_Disabled(t *testing.T) {
	l, err := NewLogger(zap.NewNop(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("NewLogger() error = %v", err)
	}
	defer l.Close()

	if err := l.Log(context.Background(), &Event{Action: "test"}); err != nil {
		t.Errorf("Log() on disabled logger should not fail, got %v", err)
	}
}

func TestLogger_Query(t *testing.T) {
	tmpDir := t.TempDir()
	l, err := NewLogger(zap.NewNop(), Config{Enabled: true, Path: tmpDir, MaxSize: 10 * 1024 * 1024, MaxBackups: 5})
	if err != nil {
		t.Fatalf("NewLogger() error = %v", err)
	}
	defer l.Close()

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		l.Log(ctx, &Event{Action: "GetObject", Status: "success"})
	}

	events, err := l.Query(ctx, Query{Action: "GetObject", Limit: 10})
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if len(events) != 5 {
		t.Errorf("len(events) = %d, want 5", len(events))
	}
}

func TestLogger_QueryByBucket(t *testing.T) {
	tmpDir := t.TempDir()
	l, err := NewLogger(zap.NewNop(), Config{Enabled: true, Path: tmpDir, MaxSize: 10 * 1024 * 1024, MaxBackups: 5})
	if err != nil {
		t.Fatalf("NewLogger() error = %v", err)
	}
	defer l.Close()

	ctx := context.Background()
	for _, bucket := range []string{"bucket1", "bucket2", "bucket3"} {
		l.Log(ctx, &Event{Action: "PutObject", Bucket: bucket, Status: "success"})
	}

	events, err := l.Query(ctx, Query{Bucket: "bucket2", Limit: 10})
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	for _, e := range events {
		if e.Bucket != "bucket2" {
			t.Errorf("Bucket = %s, want bucket2", e.Bucket)
		}
	}
	if len(events) != 1 {
		t.Errorf("len(events) = %d, want 1", len(events))
	}
}

func TestLogger_QueryByTimeRange(t *testing.T) {
	tmpDir := t.TempDir()
	l, err := NewLogger(zap.NewNop(), Config{Enabled: true, Path: tmpDir, MaxSize: 10 * 1024 * 1024, MaxBackups: 5})
	if err != nil {
		t.Fatalf("NewLogger() error = %v", err)
	}
	defer l.Close()

	ctx := context.Background()
	now := time.Now()
	l.Log(ctx, &Event{Time: now, Action: "DeleteObject", Bucket: "test-bucket", Status: "success"})

	events, err := l.Query(ctx, Query{StartTime: now.Add(-time.Hour), EndTime: now.Add(time.Hour), Limit: 10})
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if len(events) == 0 {
		t.Error("expected events within time range")
	}
}

func TestLogger_Rotation(t *testing.T) {
	tmpDir := t.TempDir()
	l, err := NewLogger(zap.NewNop(), Config{Enabled: true, Path: tmpDir, MaxSize: 100, MaxBackups: 2})
	if err != nil {
		t.Fatalf("NewLogger() error = %v", err)
	}
	defer l.Close()

	ctx := context.Background()
	for i := 0; i < 100; i++ {
		l.Log(ctx, &Event{Action: "GetObject", Key: "some-reasonably-long-key-name"})
	}

	files, _ := filepath.Glob(filepath.Join(tmpDir, "audit-*.log"))
	if len(files) == 0 {
		t.Error("expected log files to be created")
	}
	if len(files) > 3 { // current + MaxBackups
		t.Errorf("too many log files: %d", len(files))
	}
}

func TestSink_Record(t *testing.T) {
	tmpDir := t.TempDir()
	l, err := NewLogger(zap.NewNop(), Config{Enabled: true, Path: tmpDir, MaxSize: 10 * 1024 * 1024, MaxBackups: 5})
	if err != nil {
		t.Fatalf("NewLogger() error = %v", err)
	}
	defer l.Close()

	sink := NewSink(l)
	ctx := context.Background()
	sink.Record(ctx, "root", "PutObject", "test-bucket", "key.txt", nil)
	sink.Record(ctx, "root", "DeleteObject", "test-bucket", "key.txt", errors.New("boom"))

	events, err := l.Query(ctx, Query{Bucket: "test-bucket", Limit: 10})
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("len(events) = %d, want 2", len(events))
	}
	if events[0].Status != "success" {
		t.Errorf("first event status = %s, want success", events[0].Status)
	}
	if events[1].Status != "error" || events[1].Error != "boom" {
		t.Errorf("second event = %+v, want status=error error=boom", events[1])
	}
}
