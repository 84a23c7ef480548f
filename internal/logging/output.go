package logging

import (
	"io"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Rotation limits for file output.
const (
	MaxFileSizeMB = 100
	MaxBackups    = 7
	MaxAgeDays    = 30
)

// Output returns where logs are written: w when path is empty, otherwise a
// size-rotated, compressed file at path. Close the result on shutdown.
func Output(path string, w io.Writer) io.WriteCloser {
	if path == "" {
		return nopCloser{w}
	}
	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    MaxFileSizeMB,
		MaxBackups: MaxBackups,
		MaxAge:     MaxAgeDays,
		Compress:   true,
	}
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }
