// Package logging builds the process logger from the GlobalLog settings:
// logrus text output to stdout, or to a lumberjack rotating file when a
// filename is configured.
package logging

import (
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"portforwarder/config"
)

// New returns a logger configured from cfg and the writer it logs to. The
// caller closes the writer on exit; for stdout Close is a no-op.
func New(cfg *config.GlobalLogConfig) (*logrus.Logger, io.WriteCloser, error) {
	if cfg == nil {
		cfg = &config.GlobalLogConfig{}
	}

	level := logrus.InfoLevel
	if cfg.Level != "" {
		lvl, err := logrus.ParseLevel(cfg.Level)
		if err != nil {
			return nil, nil, fmt.Errorf("log level: %w", err)
		}
		level = lvl
	}

	var out io.WriteCloser = nopCloser{os.Stdout}
	if cfg.Filename != "" {
		out = &lumberjack.Logger{
			Filename:   cfg.Filename,
			MaxSize:    cfg.MaxSize,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAge,
			Compress:   cfg.Compress,
		}
	}

	log := logrus.New()
	log.SetOutput(out)
	log.SetLevel(level)
	log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
		// Files get no color codes.
		DisableColors: cfg.Filename != "",
	})
	return log, out, nil
}

type nopCloser struct {
	io.Writer
}

func (nopCloser) Close() error { return nil }
