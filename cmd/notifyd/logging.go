package main

import (
	"io"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/dep2p/go-notifications/config"
	"github.com/dep2p/go-notifications/pkg/lib/log"
)

// setupLogging 配置全局日志输出
//
// 指定文件时写入按大小轮转的文件，否则写到 stderr。返回的 Closer 在退出时调用。
func setupLogging(cfg config.LogConfig) (io.Closer, error) {
	level, err := log.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	var (
		w      io.Writer = os.Stderr
		closer io.Closer = nopCloser{}
	)
	if cfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0o755); err != nil {
			return nil, err
		}
		lj := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		}
		w, closer = lj, lj
	}

	if cfg.Format == "json" {
		log.SetJSONOutputWithLevel(w, level)
	} else {
		log.SetOutputWithLevel(w, level)
	}
	return closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
