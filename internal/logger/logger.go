package logger

import (
	"os"
	"strings"
	"sync"

	"goods-dynamics/internal/models"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	mu            sync.RWMutex
	baseLogger    *zap.Logger
	sugaredLogger *zap.SugaredLogger

	fallbackOnce sync.Once
	fallback     *zap.Logger
)

// fallbackLogger 在 InitLogger 之前使用，整个进程只创建一次
func fallbackLogger() *zap.Logger {
	fallbackOnce.Do(func() {
		l, err := zap.NewDevelopment()
		if err != nil {
			l = zap.NewNop()
		}
		fallback = l
	})
	return fallback
}

// InitLogger 初始化zap日志记录器
func InitLogger(cfg models.LogConfig) {
	// 配置日志级别
	logLevel := zap.NewAtomicLevel()
	if err := logLevel.UnmarshalText([]byte(cfg.Level)); err != nil {
		logLevel.SetLevel(zap.InfoLevel) // 默认为Info级别
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	// 文件中不写颜色控制符
	fileEncoder := zapcore.NewConsoleEncoder(encoderConfig)
	consoleConfig := encoderConfig
	consoleConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	consoleEncoder := zapcore.NewConsoleEncoder(consoleConfig)

	var cores []zapcore.Core

	output := strings.ToLower(cfg.Output)
	if (output == "file" || output == "both") && cfg.File != "" {
		// 设置lumberjack进行日志切割
		lumberjackLogger := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSize,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAge,
			Compress:   cfg.Compress,
		}
		cores = append(cores, zapcore.NewCore(fileEncoder, zapcore.AddSync(lumberjackLogger), logLevel))
	}

	// 报表输出到 stdout，日志统一走 stderr
	if output == "console" || output == "both" || len(cores) == 0 {
		cores = append(cores, zapcore.NewCore(consoleEncoder, zapcore.Lock(os.Stderr), logLevel))
	}

	l := zap.New(zapcore.NewTee(cores...), zap.AddCaller())

	mu.Lock()
	baseLogger = l
	sugaredLogger = l.Sugar()
	mu.Unlock()
}

// S 返回全局的sugared logger实例
func S() *zap.SugaredLogger {
	mu.RLock()
	defer mu.RUnlock()
	if sugaredLogger == nil {
		// 如果logger未初始化，则提供一个默认的应急logger
		return fallbackLogger().Sugar()
	}
	return sugaredLogger
}

// L 返回全局的结构化 logger，供需要 *zap.Logger 的组件使用
func L() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	if baseLogger == nil {
		return fallbackLogger()
	}
	return baseLogger
}

// Sync 刷新缓冲的日志，程序退出前调用
func Sync() {
	mu.RLock()
	l := baseLogger
	mu.RUnlock()
	if l != nil {
		_ = l.Sync()
	}
}
