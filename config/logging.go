package config

import "go.uber.org/zap/zapcore"

// LogEncoder defines a log encoder kind.
type LogEncoder = string

const (
	defaultLoggingLevel = zapcore.InfoLevel
	// ConsoleLogEncoder represents logging with plain text.
	ConsoleLogEncoder LogEncoder = "console"
	// JSONLogEncoder represents logging with JSON.
	JSONLogEncoder LogEncoder = "json"
)

// LoggerConfig holds the logging level for each module.
type LoggerConfig struct {
	Encoder                LogEncoder    `mapstructure:"log-encoder"`
	AppLoggerLevel         zapcore.Level `mapstructure:"app"`
	ChainLoggerLevel       zapcore.Level `mapstructure:"chain"`
	ContractsLoggerLevel   zapcore.Level `mapstructure:"contracts"`
	TransactionLoggerLevel zapcore.Level `mapstructure:"trx"`
	ResourceLoggerLevel    zapcore.Level `mapstructure:"resource"`
}

func defaultLoggingConfig() LoggerConfig {
	return LoggerConfig{
		Encoder:                ConsoleLogEncoder,
		AppLoggerLevel:         defaultLoggingLevel,
		ChainLoggerLevel:       defaultLoggingLevel,
		ContractsLoggerLevel:   zapcore.WarnLevel,
		TransactionLoggerLevel: zapcore.WarnLevel,
		ResourceLoggerLevel:    zapcore.WarnLevel,
	}
}
