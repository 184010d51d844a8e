package main

import (
	"os"

	ipfslog "github.com/ipfs/go-log/v2"
	"go.uber.org/zap"

	"github.com/erc7824/nodelink/pkg/log"
)

var _ log.Logger = (*ipfsLogger)(nil)

// NewLoggerIPFS returns a log.Logger writing through the process-wide
// go-log setup, named after the subsystem.
func NewLoggerIPFS(name string) log.Logger {
	return &ipfsLogger{
		name: name,
		lg:   ipfslog.Logger(name).SugaredLogger.Desugar().WithOptions(zap.AddCallerSkip(1)).Sugar(),
	}
}

type ipfsLogger struct {
	name string
	lg   *zap.SugaredLogger
	kv   []any
}

func (l *ipfsLogger) Debug(msg string, keysAndValues ...any) { l.lg.Debugw(msg, keysAndValues...) }
func (l *ipfsLogger) Info(msg string, keysAndValues ...any)  { l.lg.Infow(msg, keysAndValues...) }
func (l *ipfsLogger) Warn(msg string, keysAndValues ...any)  { l.lg.Warnw(msg, keysAndValues...) }
func (l *ipfsLogger) Error(msg string, keysAndValues ...any) { l.lg.Errorw(msg, keysAndValues...) }
func (l *ipfsLogger) Fatal(msg string, keysAndValues ...any) { l.lg.Fatalw(msg, keysAndValues...) }

func (l *ipfsLogger) WithKV(key string, value any) log.Logger {
	kv := make([]any, 0, len(l.kv)+2)
	kv = append(kv, l.kv...)
	return &ipfsLogger{
		name: l.name,
		lg:   l.lg.With(key, value),
		kv:   append(kv, key, value),
	}
}

func (l *ipfsLogger) GetAllKV() []any {
	return l.kv
}

// WithName opens a dotted subsystem so its level can be tuned separately
// through GOLOG_LOG_LEVEL.
func (l *ipfsLogger) WithName(name string) log.Logger {
	full := l.name + "." + name
	return &ipfsLogger{
		name: full,
		lg:   ipfslog.Logger(full).SugaredLogger.Desugar().WithOptions(zap.AddCallerSkip(1)).Sugar().With(l.kv...),
		kv:   l.kv,
	}
}

func (l *ipfsLogger) Name() string {
	return l.name
}

func (l *ipfsLogger) AddCallerSkip(skip int) log.Logger {
	return &ipfsLogger{
		name: l.name,
		lg:   l.lg.Desugar().WithOptions(zap.AddCallerSkip(skip)).Sugar(),
		kv:   l.kv,
	}
}

func init() {
	logLevel := os.Getenv("NODELINK_LOG_LEVEL")
	if logLevel == "" {
		logLevel = "info"
	}
	level, err := ipfslog.Parse(logLevel)
	if err != nil {
		level = ipfslog.LevelInfo
	}

	ipfslog.SetupLogging(ipfslog.Config{
		Level:  level,
		Stderr: true,
	})
}
