// Package logging configures the process-wide logrus logger.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
)

type Options struct {
	Level string
	// File 为空时只输出到终端
	File string
	// Debug 模式下同时写入文件和标准错误输出
	Debug bool
}

// Setup points logger at the log file (and stderr in debug mode). The returned
// closer releases the file; it is never nil.
func Setup(logger *logrus.Logger, opts Options) (io.Closer, error) {
	level, err := logrus.ParseLevel(opts.Level)
	if err != nil {
		return nopCloser{}, fmt.Errorf("invalid log level %q: %w", opts.Level, err)
	}
	logger.SetLevel(level)
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})

	if opts.File == "" {
		logger.SetOutput(os.Stderr)
		return nopCloser{}, nil
	}

	if err := os.MkdirAll(filepath.Dir(opts.File), 0o750); err != nil {
		logger.SetOutput(os.Stderr)
		return nopCloser{}, fmt.Errorf("创建日志目录失败: %w", err)
	}
	// O_APPEND: 在文件末尾追加内容
	f, err := os.OpenFile(opts.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o660)
	if err != nil {
		logger.SetOutput(os.Stderr)
		return nopCloser{}, fmt.Errorf("打开日志文件失败: %w", err)
	}

	if opts.Debug {
		logger.SetOutput(io.MultiWriter(os.Stderr, f))
	} else {
		logger.SetOutput(f)
	}
	return f, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
