package logger

import (
	"bytes"
	"strings"
)

// levelWriter 把 io.Writer 的输出转发到日志器，供 raft/hclog 等第三方库使用
type levelWriter struct {
	level LogLevel
}

// Writer 返回一个以指定级别写日志的 io.Writer
//
// hclog 输出的行自带级别前缀（[INFO] / [WARN] ...），这里会据此修正级别
func Writer(level LogLevel) *levelWriter {
	return &levelWriter{level: level}
}

func (w *levelWriter) Write(p []byte) (int, error) {
	for _, line := range bytes.Split(bytes.TrimRight(p, "\n"), []byte{'\n'}) {
		if len(line) == 0 {
			continue
		}
		msg := string(line)
		DefaultLogger.OUTPUT(detectLevel(msg, w.level), 4, msg)
	}
	return len(p), nil
}

func detectLevel(msg string, fallback LogLevel) LogLevel {
	switch {
	case strings.Contains(msg, "[ERROR]"):
		return ERROR
	case strings.Contains(msg, "[WARN]"):
		return WARNING
	case strings.Contains(msg, "[DEBUG]"), strings.Contains(msg, "[TRACE]"):
		return DEBUG
	case strings.Contains(msg, "[INFO]"):
		return INFO
	}
	return fallback
}
