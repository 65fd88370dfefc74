/*
 * Copyright 2022 Lunaris DB, Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package log

import (
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config controls the process-wide logger.
type Config struct {
	// Level is one of debug, info, warn, error. Defaults to info.
	Level string `yaml:"level"`

	// File, when set, sends output to a rotated log file instead of
	// stderr.
	File string `yaml:"file"`

	// MaxSizeMB, MaxBackups and MaxAgeDays configure rotation of File.
	MaxSizeMB  int `yaml:"max_size_mb"`
	MaxBackups int `yaml:"max_backups"`
	MaxAgeDays int `yaml:"max_age_days"`
}

var (
	mu     sync.RWMutex
	logger = newLogger(Config{}).Sugar()
)

func newLogger(conf Config) *zap.Logger {
	level := zapcore.InfoLevel
	if conf.Level != "" {
		if err := level.UnmarshalText([]byte(conf.Level)); err != nil {
			level = zapcore.InfoLevel
		}
	}

	encoderConf := zap.NewProductionEncoderConfig()
	encoderConf.EncodeTime = zapcore.ISO8601TimeEncoder

	var sink zapcore.WriteSyncer = zapcore.AddSync(os.Stderr)
	if conf.File != "" {
		sink = zapcore.AddSync(&lumberjack.Logger{
			Filename:   conf.File,
			MaxSize:    conf.MaxSizeMB,
			MaxBackups: conf.MaxBackups,
			MaxAge:     conf.MaxAgeDays,
		})
	}

	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encoderConf), sink, level)
	return zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1))
}

// Init replaces the package logger. Safe to call at any time; loggers
// obtained before the call keep the previous configuration.
func Init(conf Config) {
	mu.Lock()
	defer mu.Unlock()
	logger = newLogger(conf).Sugar()
}

func l() *zap.SugaredLogger {
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

func Debug(args ...interface{}) { l().Debug(args...) }

func Debugf(format string, args ...interface{}) { l().Debugf(format, args...) }

func Info(args ...interface{}) { l().Info(args...) }

func Infof(format string, args ...interface{}) { l().Infof(format, args...) }

func Warn(args ...interface{}) { l().Warn(args...) }

func Warnf(format string, args ...interface{}) { l().Warnf(format, args...) }

func Error(args ...interface{}) { l().Error(args...) }

func Errorf(format string, args ...interface{}) { l().Errorf(format, args...) }

func Fatal(args ...interface{}) { l().Fatal(args...) }

func Fatalf(format string, args ...interface{}) { l().Fatalf(format, args...) }
