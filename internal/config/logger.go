package config

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

const logTimestampFormat = "2006-01-02 15:04:05"

// InitLogger 按配置初始化全局 logrus，并返回同一个实例供服务注入
func InitLogger(cfg *Config) (*logrus.Logger, error) {
	logger := logrus.StandardLogger()
	if err := ConfigureLogger(logger, cfg.Log); err != nil {
		return logger, err
	}
	logger.WithFields(logrus.Fields{
		"level":  cfg.Log.Level,
		"format": cfg.Log.Format,
		"output": cfg.Log.Output,
	}).Info("logger initialized")
	return logger, nil
}

// ConfigureLogger applies level, formatter and output settings to logger.
func ConfigureLogger(logger *logrus.Logger, lc LogConfig) error {
	level, err := logrus.ParseLevel(lc.Level)
	if err != nil {
		logger.Warnf("Invalid log level '%s', using 'info'", lc.Level)
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	switch strings.ToLower(lc.Format) {
	case "text":
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: logTimestampFormat,
		})
	default:
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: logTimestampFormat,
		})
	}

	out, err := logOutput(lc)
	if err != nil {
		return err
	}
	logger.SetOutput(out)
	return nil
}

func logOutput(lc LogConfig) (io.Writer, error) {
	output := strings.ToLower(lc.Output)
	if output != "file" && output != "both" {
		return os.Stdout, nil
	}

	// 创建日志目录
	if err := os.MkdirAll(filepath.Dir(lc.FilePath), 0o755); err != nil {
		return nil, err
	}
	rotateLogger := &lumberjack.Logger{
		Filename:   lc.FilePath,
		MaxSize:    lc.MaxSize,
		MaxBackups: lc.MaxBackups,
		MaxAge:     lc.MaxAge,
		Compress:   lc.Compress,
		LocalTime:  true,
	}
	if output == "file" {
		return rotateLogger, nil
	}
	return io.MultiWriter(os.Stdout, rotateLogger), nil
}
