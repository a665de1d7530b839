package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/mobile-inventory/inventory-cache/internal/config"
)

const defaultLevel = logrus.InfoLevel

// InitLogger 根据全局配置初始化结构化日志。写文件时固定 JSON，
// 直接输出到交互终端时改用文本格式；日志文件不可用时降级到 stdout。
func InitLogger(cfg config.GlobalConfig) (*logrus.Logger, error) {
	level, err := parseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}

	output, outErr := buildOutput(cfg)

	logger := logrus.New()
	logger.SetLevel(level)
	logger.SetOutput(output)
	logger.SetFormatter(newFormatter(output))
	mirrorStandardLogger(logger)

	if outErr != nil {
		logger.WithFields(logrus.Fields{
			"action":   "logger_fallback",
			"path":     cfg.LogFilePath,
			"fallback": "stdout",
		}).WithError(outErr).Warn("日志文件不可用")
	}
	return logger, nil
}

func parseLevel(raw string) (logrus.Level, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return defaultLevel, nil
	}
	level, err := logrus.ParseLevel(raw)
	if err != nil {
		return defaultLevel, fmt.Errorf("无法解析日志级别: %w", err)
	}
	return level, nil
}

// mirrorStandardLogger 让第三方库经由 logrus 全局实例写出的日志与主日志保持一致。
func mirrorStandardLogger(logger *logrus.Logger) {
	logrus.SetFormatter(logger.Formatter)
	logrus.SetOutput(logger.Out)
	logrus.SetLevel(logger.GetLevel())
}

// buildOutput 返回 stdout 或 lumberjack 轮转文件；目录无法创建时返回 stdout 与错误。
func buildOutput(cfg config.GlobalConfig) (io.Writer, error) {
	path := strings.TrimSpace(cfg.LogFilePath)
	if path == "" {
		return os.Stdout, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return os.Stdout, fmt.Errorf("创建日志目录失败: %w", err)
	}
	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    cfg.LogMaxSize,
		MaxBackups: cfg.LogMaxBackups,
		Compress:   cfg.LogCompress,
		LocalTime:  true,
	}, nil
}

func newFormatter(out io.Writer) logrus.Formatter {
	if file, ok := out.(*os.File); ok && isTerminal(file) {
		return &logrus.TextFormatter{FullTimestamp: true, TimestampFormat: time.RFC3339Nano}
	}
	return &logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano}
}

func isTerminal(file *os.File) bool {
	fd := file.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}
