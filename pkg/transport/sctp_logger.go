// SPDX-FileCopyrightText: 2026 The dtn7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package transport

import (
	"github.com/pion/logging"
	log "github.com/sirupsen/logrus"
)

// pionLoggerFactory hands out pion loggers writing to logrus.
type pionLoggerFactory struct{}

func (_ pionLoggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return pionLogger{entry: log.WithField("pion", scope)}
}

// pionLogger implements logging.LeveledLogger on a logrus entry. pion's own
// Info level is chatty, so it is lowered to Debug.
type pionLogger struct {
	entry *log.Entry
}

func (l pionLogger) Trace(msg string)                          { l.entry.Trace(msg) }
func (l pionLogger) Tracef(format string, args ...interface{}) { l.entry.Tracef(format, args...) }
func (l pionLogger) Debug(msg string)                          { l.entry.Trace(msg) }
func (l pionLogger) Debugf(format string, args ...interface{}) { l.entry.Tracef(format, args...) }
func (l pionLogger) Info(msg string)                           { l.entry.Debug(msg) }
func (l pionLogger) Infof(format string, args ...interface{})  { l.entry.Debugf(format, args...) }
func (l pionLogger) Warn(msg string)                           { l.entry.Warn(msg) }
func (l pionLogger) Warnf(format string, args ...interface{})  { l.entry.Warnf(format, args...) }
func (l pionLogger) Error(msg string)                          { l.entry.Error(msg) }
func (l pionLogger) Errorf(format string, args ...interface{}) { l.entry.Errorf(format, args...) }
