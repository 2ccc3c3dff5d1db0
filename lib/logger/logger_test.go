package logger

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// TestLoggerFile 测试文件日志的输出与级别过滤
func TestLoggerFile(t *testing.T) {
	logDir := t.TempDir()
	settings := &Settings{
		Path:       logDir,
		Name:       "test",
		Ext:        "log",
		TimeFormat: "2006-01-02",
		Level:      "info",
	}
	prev := DefaultLogger
	Setup(settings)
	defer func() { DefaultLogger = prev }()

	Debug("This is a debug message")
	Info("This is an info message")
	Warnf("This is a %s message", "warning")
	Errorf("This is an %s message", "error")

	time.Sleep(200 * time.Millisecond) // 等待异步写入完成

	files, _ := filepath.Glob(filepath.Join(logDir, "test-*.log"))
	if len(files) == 0 {
		t.Fatal("No log file found")
	}
	content, err := os.ReadFile(files[0])
	if err != nil {
		t.Fatalf("Failed to read log file: %v", err)
	}
	for _, level := range []string{"[INFO]", "[WARNING]", "[ERROR]"} {
		if !bytes.Contains(content, []byte(level)) {
			t.Errorf("Log content missing level: %s", level)
		}
	}
	if bytes.Contains(content, []byte("debug message")) {
		t.Error("debug message should be filtered")
	}
	if !bytes.Contains(content, []byte("logger_test.go")) {
		t.Error("caller file missing")
	}
}

func TestDetectLevel(t *testing.T) {
	cases := map[string]LogLevel{
		"2025 [ERROR] raft: failed":  ERROR,
		"2025 [WARN]  raft: slow":    WARNING,
		"2025 [DEBUG] raft: vote":    DEBUG,
		"2025 [INFO]  raft: started": INFO,
		"plain line":                 INFO,
	}
	for msg, want := range cases {
		if got := detectLevel(msg, INFO); got != want {
			t.Errorf("detectLevel(%q) = %d, want %d", msg, got, want)
		}
	}
}

func TestParseLevel(t *testing.T) {
	if ParseLevel("WARN") != WARNING || ParseLevel("debug") != DEBUG || ParseLevel("") != INFO {
		t.Error("unexpected level mapping")
	}
}
