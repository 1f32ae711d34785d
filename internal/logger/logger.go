// Copyright (c) 2025 Northbound System
// Author: Nicholas Skitch

// Package logger is the daemon's process-wide logger: level-tagged lines
// to stdout and the daemon log file, gated by OAK_CI_LOG_LEVEL. Every
// package logs through the package-level helpers; Init points them at the
// per-project log file once, early in main.
package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
)

type level int

const (
	levelDebug level = iota
	levelInfo
	levelWarn
	levelError
)

var levelNames = map[string]level{
	"DEBUG":   levelDebug,
	"INFO":    levelInfo,
	"WARNING": levelWarn,
	"WARN":    levelWarn,
	"ERROR":   levelError,
}

var levelTags = map[level]string{
	levelDebug: "[DEBUG] ",
	levelInfo:  "",
	levelWarn:  "[WARN] ",
	levelError: "[ERROR] ",
}

// levelFromEnv reads OAK_CI_LOG_LEVEL (DEBUG|INFO|WARNING|ERROR),
// defaulting to INFO.
func levelFromEnv() level {
	v := strings.ToUpper(strings.TrimSpace(os.Getenv("OAK_CI_LOG_LEVEL")))
	if lvl, ok := levelNames[v]; ok {
		return lvl
	}
	return levelInfo
}

// Logger writes level-gated lines to its writer set.
type Logger struct {
	mu       sync.Mutex
	logger   *log.Logger
	file     *os.File
	minLevel level
}

var (
	defaultLogger *Logger
	defaultMu     sync.Mutex
)

// Init points the default logger at logFile (appending), in addition to
// stdout. Calling it again replaces the previous file.
func Init(logFile string) (*Logger, error) {
	file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("logger: open %s: %w", logFile, err)
	}

	l := &Logger{
		logger:   log.New(io.MultiWriter(os.Stdout, file), "", log.LstdFlags),
		file:     file,
		minLevel: levelFromEnv(),
	}

	defaultMu.Lock()
	if defaultLogger != nil && defaultLogger.file != nil {
		defaultLogger.file.Close()
	}
	defaultLogger = l
	defaultMu.Unlock()
	return l, nil
}

// GetDefault returns the default logger, creating a stdout-only one if
// Init was never called.
func GetDefault() *Logger {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultLogger == nil {
		defaultLogger = &Logger{
			logger:   log.New(os.Stdout, "", log.LstdFlags),
			minLevel: levelFromEnv(),
		}
	}
	return defaultLogger
}

// Close flushes and closes the log file, if any.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

func (l *Logger) logAt(lvl level, format string, v ...interface{}) {
	if lvl < l.minLevel {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.logger.Printf(levelTags[lvl]+format, v...)
}

func (l *Logger) Printf(format string, v ...interface{}) { l.logAt(levelInfo, format, v...) }
func (l *Logger) Println(v ...interface{})               { l.logAt(levelInfo, "%s", fmt.Sprintln(v...)) }
func (l *Logger) Debugf(format string, v ...interface{}) { l.logAt(levelDebug, format, v...) }
func (l *Logger) Warnf(format string, v ...interface{})  { l.logAt(levelWarn, format, v...) }
func (l *Logger) Errorf(format string, v ...interface{}) { l.logAt(levelError, format, v...) }

// Fatalf logs at error level and exits the process.
func (l *Logger) Fatalf(format string, v ...interface{}) {
	l.logAt(levelError, format, v...)
	l.Close()
	os.Exit(1)
}

// Package-level helpers over the default logger.

func Printf(format string, v ...interface{}) { GetDefault().Printf(format, v...) }
func Println(v ...interface{})               { GetDefault().Println(v...) }
func Debugf(format string, v ...interface{}) { GetDefault().Debugf(format, v...) }
func Warnf(format string, v ...interface{})  { GetDefault().Warnf(format, v...) }
func Errorf(format string, v ...interface{}) { GetDefault().Errorf(format, v...) }
func Fatalf(format string, v ...interface{}) { GetDefault().Fatalf(format, v...) }
