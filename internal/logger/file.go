package logger

import (
	"gopkg.in/natefinch/lumberjack.v2"
)

// Rotation settings used when FileConfig leaves a field unset.
const (
	DefaultLogFile   = "bulkmail.log"
	defaultMaxSizeMB = 100
	defaultMaxFiles  = 5
)

// FileConfig controls the rotating log file.
type FileConfig struct {
	Path       string
	MaxSizeMB  int
	MaxFiles   int
	MaxAgeDays int // 0 keeps rotated files regardless of age
}

// withDefaults fills zero fields.
func (c FileConfig) withDefaults() FileConfig {
	if c.Path == "" {
		c.Path = DefaultLogFile
	}
	if c.MaxSizeMB <= 0 {
		c.MaxSizeMB = defaultMaxSizeMB
	}
	if c.MaxFiles <= 0 {
		c.MaxFiles = defaultMaxFiles
	}
	return c
}

// NewFileWriter returns a rotating writer. Rotated files are gzipped and the
// parent directory is created on first write.
func NewFileWriter(cfg FileConfig) *lumberjack.Logger {
	cfg = cfg.withDefaults()
	return &lumberjack.Logger{
		Filename:   cfg.Path,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxFiles,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   true,
	}
}
