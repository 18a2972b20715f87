// Package logger wraps logrus with the component-scoped helpers used across
// rugfeed, per-component warn/error counters and an optional resource report.
package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

type Fields map[string]interface{}

type Log struct {
	*logrus.Logger
}

type Entry struct {
	*logrus.Entry
}

// Options mirror the logging section of the service configuration.
type Options struct {
	Level     string // logrus level name or "report"
	Format    string // json (default) or text
	Output    string // stdout (default), stderr or a file path
	MaxAgeDay int    // rotate file output through lumberjack when > 0
	MaxSizeMB int
}

const defaultMaxSizeMB = 100

var globalLogger = Logger()

// Logger builds a fresh logger honouring LOG_LEVEL.
func Logger() *Log {
	l := &Log{Logger: logrus.New()}
	l.SetReportCaller(true)
	l.SetFormatter(jsonFormatter())
	l.AddHook(callSiteHook{})
	if lvl, err := parseLevel(os.Getenv("LOG_LEVEL")); err == nil {
		l.SetLevel(lvl)
	} else {
		l.SetLevel(logrus.InfoLevel)
	}
	return l
}

func GetLogger() *Log {
	return globalLogger
}

func parseLevel(level string) (logrus.Level, error) {
	switch level = strings.ToLower(strings.TrimSpace(level)); level {
	case "", "report":
		return logrus.InfoLevel, nil
	default:
		lvl, err := logrus.ParseLevel(level)
		if err != nil {
			return logrus.InfoLevel, fmt.Errorf("invalid log level '%s'", level)
		}
		return lvl, nil
	}
}

func callerPrettyfier(f *runtime.Frame) (string, string) {
	return "", fmt.Sprintf("%s:%d", filepath.Base(f.File), f.Line)
}

func jsonFormatter() *logrus.JSONFormatter {
	return &logrus.JSONFormatter{
		TimestampFormat: time.RFC3339Nano,
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyTime:  "timestamp",
			logrus.FieldKeyLevel: "level",
			logrus.FieldKeyMsg:   "message",
		},
		CallerPrettyfier: callerPrettyfier,
	}
}

// Configure applies opts. LOG_LEVEL, when set, wins over opts.Level.
func (l *Log) Configure(opts Options) error {
	level := opts.Level
	if env := os.Getenv("LOG_LEVEL"); env != "" {
		level = env
	}
	lvl, err := parseLevel(level)
	if err != nil {
		return err
	}
	l.SetLevel(lvl)
	l.SetReportCaller(true)

	switch opts.Format {
	case "json", "":
		l.SetFormatter(jsonFormatter())
	case "text":
		l.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:    true,
			TimestampFormat:  time.RFC3339,
			CallerPrettyfier: callerPrettyfier,
		})
	default:
		return fmt.Errorf("invalid log format '%s'", opts.Format)
	}

	switch opts.Output {
	case "stdout", "":
		l.SetOutput(os.Stdout)
	case "stderr":
		l.SetOutput(os.Stderr)
	default:
		if opts.MaxAgeDay > 0 {
			size := opts.MaxSizeMB
			if size <= 0 {
				size = defaultMaxSizeMB
			}
			l.SetOutput(&lumberjack.Logger{
				Filename: opts.Output,
				MaxAge:   opts.MaxAgeDay,
				MaxSize:  size,
				Compress: true,
			})
			return nil
		}
		file, err := os.OpenFile(opts.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("failed to open log file '%s': %w", opts.Output, err)
		}
		l.SetOutput(file)
	}
	return nil
}

func (l *Log) WithComponent(component string) *Entry {
	return &Entry{Entry: l.Logger.WithField("component", component)}
}

func (l *Log) WithFields(fields Fields) *Entry {
	return &Entry{Entry: l.Logger.WithFields(logrus.Fields(fields))}
}

func (l *Log) WithError(err error) *Entry {
	return &Entry{Entry: l.Logger.WithError(err)}
}

func (e *Entry) WithComponent(component string) *Entry {
	return &Entry{Entry: e.Entry.WithField("component", component)}
}

func (e *Entry) WithFields(fields Fields) *Entry {
	return &Entry{Entry: e.Entry.WithFields(logrus.Fields(fields))}
}

func (e *Entry) WithField(key string, value interface{}) *Entry {
	return &Entry{Entry: e.Entry.WithField(key, value)}
}

func (e *Entry) WithError(err error) *Entry {
	return &Entry{Entry: e.Entry.WithError(err)}
}

// WithGame tags the entry with a game round id; empty ids are left out.
func (e *Entry) WithGame(gameID string) *Entry {
	if gameID == "" {
		return e
	}
	return e.WithField("game_id", gameID)
}

func (e *Entry) Warn(args ...interface{}) {
	if component, ok := e.Data["component"].(string); ok {
		recordWarn(component)
	}
	e.Entry.Warn(args...)
}

func (e *Entry) Error(args ...interface{}) {
	if component, ok := e.Data["component"].(string); ok {
		recordError(component)
	}
	e.Entry.Error(args...)
}

// LogMetric writes a structured metric line. Numeric publishing is handled by
// the metrics package; this keeps a greppable trail in the log stream.
func (e *Entry) LogMetric(component string, metric string, value interface{}, metricType string, fields Fields) {
	out := make(Fields, len(fields)+3)
	for k, v := range fields {
		out[k] = v
	}
	if metricType == "" {
		metricType = "counter"
	}
	out["metric"] = metric
	out["value"] = value
	out["metric_type"] = metricType

	e.WithComponent(component).WithFields(out).Info("metric")
}

func (l *Log) LogMetric(component string, metric string, value interface{}, metricType string, fields Fields) {
	(&Entry{Entry: logrus.NewEntry(l.Logger)}).LogMetric(component, metric, value, metricType, fields)
}

// LogDataFlowEntry records a hop of records between two pipeline stages.
func LogDataFlowEntry(entry *Entry, source string, destination string, recordCount int, dataType string) {
	entry.WithFields(Fields{
		"source":       source,
		"destination":  destination,
		"record_count": recordCount,
		"data_type":    dataType,
		"flow_type":    "data_flow",
	}).Debug("data flow metric")
}

// callSiteHook points Entry.Caller at the first frame outside logrus and
// this package, so wrapped calls report the real call site.
type callSiteHook struct{}

var wrapperPrefixes = []string{
	"github.com/sirupsen/logrus.",
	"rugfeed/logger.(*Entry).",
	"rugfeed/logger.(*Log).",
	"rugfeed/logger.LogDataFlowEntry",
}

func (callSiteHook) Levels() []logrus.Level { return logrus.AllLevels }

func (callSiteHook) Fire(entry *logrus.Entry) error {
	pcs := make([]uintptr, 24)
	frames := runtime.CallersFrames(pcs[:runtime.Callers(3, pcs)])
	for {
		frame, more := frames.Next()
		if !isWrapperFrame(frame.Function) {
			entry.Caller = &frame
			return nil
		}
		if !more {
			return nil
		}
	}
}

func isWrapperFrame(fn string) bool {
	for _, prefix := range wrapperPrefixes {
		if strings.HasPrefix(fn, prefix) {
			return true
		}
	}
	return false
}
