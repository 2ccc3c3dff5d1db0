package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"path"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
)

type LogLevel int

type ILogger interface {
	OUTPUT(level LogLevel, callerDepth int, msg string)
}

const (
	flags              = log.LstdFlags
	defaultCallerDepth = 2
	bufferSize         = 1e5
)

const (
	DEBUG LogLevel = iota
	INFO
	WARNING
	ERROR
	FATAL
)

var levelFlags = []string{"DEBUG", "INFO", "WARNING", "ERROR", "FATAL"}

// 终端输出时各级别的颜色
var levelColors = []*color.Color{
	color.New(color.FgHiBlack),
	color.New(color.FgGreen),
	color.New(color.FgYellow),
	color.New(color.FgRed),
	color.New(color.FgHiRed, color.Bold),
}

// 日志:(信息 + 级别)
type logEntry struct {
	msg   string
	level LogLevel
}

type Logger struct {
	logger    *log.Logger
	logFile   *os.File
	entryChan chan *logEntry
	entryPool *sync.Pool
	minLevel  LogLevel
	colored   bool
}

var DefaultLogger ILogger = NewStdoutLogger()

// 定向到标准控制台输出，终端下为级别着色
func NewStdoutLogger() *Logger {
	logger := &Logger{
		logFile:   nil,
		logger:    log.New(os.Stdout, "", flags),
		entryChan: make(chan *logEntry, bufferSize),
		entryPool: &sync.Pool{
			New: func() interface{} {
				return &logEntry{}
			},
		},
		colored: isatty.IsTerminal(os.Stdout.Fd()),
	}
	go func() {
		for e := range logger.entryChan {
			_ = logger.logger.Output(0, e.msg)
			logger.entryPool.Put(e)
		}
	}()
	return logger
}

// 用于文件形式存储的日志，包含路径/名称/时间/扩展名
type Settings struct {
	Path       string `yaml:"path"`
	Name       string `yaml:"name"`
	Ext        string `yaml:"ext"`
	TimeFormat string `yaml:"time-format"`
	Level      string `yaml:"level"`
}

// 文件存储日志，同时写入控制台
func NewFileLogger(settings *Settings) (*Logger, error) {
	fileName := fmt.Sprintf("%s-%s.%s",
		settings.Name,
		time.Now().Format(settings.TimeFormat),
		settings.Ext,
	)
	logFile, err := mustOpen(fileName, settings.Path)
	if err != nil {
		return nil, fmt.Errorf("logging.Join err:%s", err)
	}

	mv := io.MultiWriter(os.Stdout, logFile)
	logger := &Logger{
		logger:    log.New(mv, "", flags),
		logFile:   logFile,
		entryChan: make(chan *logEntry, bufferSize),
		entryPool: &sync.Pool{
			New: func() interface{} {
				return &logEntry{}
			},
		},
		minLevel: ParseLevel(settings.Level),
	}
	go func() {
		for e := range logger.entryChan {
			logFilename := fmt.Sprintf(
				"%s-%s.%s",
				settings.Name,
				time.Now().Format(settings.TimeFormat),
				settings.Ext,
			)
			// 按时间自动滚动日志
			if path.Join(settings.Path, logFilename) != logger.logFile.Name() {
				logFile, err := mustOpen(logFilename, settings.Path)
				if err != nil {
					panic("open log " + logFilename + " failed: " + err.Error())
				}
				_ = logger.logFile.Close()
				logger.logFile = logFile
				logger.logger = log.New(io.MultiWriter(os.Stdout, logFile), "", flags)
			}
			_ = logger.logger.Output(0, e.msg)
			logger.entryPool.Put(e)
		}
	}()
	return logger, nil
}

func mustOpen(fileName, dir string) (*os.File, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	return os.OpenFile(path.Join(dir, fileName), os.O_APPEND|os.O_CREATE|os.O_RDWR, 0644)
}

func Setup(setting *Settings) {
	logger, err := NewFileLogger(setting)
	if err != nil {
		panic(err)
	}
	DefaultLogger = logger
}

// SetLevel 设置默认日志器的最低输出级别
func SetLevel(level string) {
	if l, ok := DefaultLogger.(*Logger); ok {
		l.minLevel = ParseLevel(level)
	}
}

// ParseLevel 解析配置中的日志级别，未知级别按 INFO 处理
func ParseLevel(level string) LogLevel {
	switch strings.ToLower(level) {
	case "debug":
		return DEBUG
	case "warning", "warn":
		return WARNING
	case "error":
		return ERROR
	case "fatal":
		return FATAL
	default:
		return INFO
	}
}

func (logger *Logger) OUTPUT(level LogLevel, callerDepth int, msg string) {
	if level < logger.minLevel {
		return
	}
	tag := levelFlags[level]
	if logger.colored {
		tag = levelColors[level].Sprint(tag)
	}
	var formattedMsg string
	// 获取调用栈信息，用于在日志中显示 哪一行代码打印了这条日志
	_, file, line, ok := runtime.Caller(callerDepth)
	if ok {
		formattedMsg = fmt.Sprintf("[%s][%s:%d] %s", tag, filepath.Base(file), line, msg)
	} else {
		formattedMsg = fmt.Sprintf("[%s] %s", tag, msg)
	}

	entry := logger.entryPool.Get().(*logEntry)
	entry.msg = formattedMsg
	entry.level = level
	logger.entryChan <- entry
}

func Debug(v ...interface{}) {
	msg := fmt.Sprintln(v...)
	DefaultLogger.OUTPUT(DEBUG, defaultCallerDepth, msg)
}

func Debugf(format string, v ...interface{}) {
	msg := fmt.Sprintf(format, v...)
	DefaultLogger.OUTPUT(DEBUG, defaultCallerDepth, msg)
}

func Info(v ...interface{}) {
	msg := fmt.Sprintln(v...)
	DefaultLogger.OUTPUT(INFO, defaultCallerDepth, msg)
}

func Infof(format string, v ...interface{}) {
	msg := fmt.Sprintf(format, v...)
	DefaultLogger.OUTPUT(INFO, defaultCallerDepth, msg)
}

func Warn(v ...interface{}) {
	msg := fmt.Sprintln(v...)
	DefaultLogger.OUTPUT(WARNING, defaultCallerDepth, msg)
}

func Warnf(format string, v ...interface{}) {
	msg := fmt.Sprintf(format, v...)
	DefaultLogger.OUTPUT(WARNING, defaultCallerDepth, msg)
}

func Error(v ...interface{}) {
	msg := fmt.Sprintln(v...)
	DefaultLogger.OUTPUT(ERROR, defaultCallerDepth, msg)
}

func Errorf(format string, v ...interface{}) {
	msg := fmt.Sprintf(format, v...)
	DefaultLogger.OUTPUT(ERROR, defaultCallerDepth, msg)
}

func Fatal(v ...interface{}) {
	msg := fmt.Sprintln(v...)
	DefaultLogger.OUTPUT(FATAL, defaultCallerDepth, msg)
}
