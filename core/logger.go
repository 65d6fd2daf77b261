package core

import (
	"encoding/json"
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Must be initialized with a call to initLogger
var ilogger *zap.SugaredLogger

// https://pkg.go.dev/go.uber.org/zap
// Builds the logger from the log.json configuration object, or uses
// a console default if that object cannot be retrieved
func initLogger(cm *ConfigurationManager) {

	defaultLogConfig := `{
		"level": "debug",
		"development": true,
		"encoding": "console",
		"outputPaths": ["stdout"],
		"errorOutputPaths": ["stderr"],
		"disableCaller": false,
		"disableStackTrace": false,
		"encoderConfig": {
			"messageKey": "message",
			"levelKey": "level",
			"levelEncoder": "lowercase",
			"callerKey": "caller",
			"callerEncoder": "",
			"timeKey": "ts",
			"timeEncoder": "ISO8601"
			}
		}`

	// Retrieve the log configuration
	jConfig, err := cm.GetBytesConfigObject("log.json")
	if err != nil {
		fmt.Println("using default logging configuration")
		jConfig = []byte(defaultLogConfig)
	}

	var cfg zap.Config
	if err := json.Unmarshal(jConfig, &cfg); err != nil {
		panic(err)
	}

	logger, logError := cfg.Build()
	if logError != nil {
		panic(logError)
	}

	ilogger = logger.Sugar()
}

// Used globally to get access to the logger
func GetLogger() *zap.SugaredLogger {
	if ilogger == nil {
		// Tests may use core types without a configuration instance
		logger, _ := zap.NewDevelopment()
		ilogger = logger.Sugar()
	}
	return ilogger
}

// Whether messages with the specified level are being written
func IsLevelEnabled(level zapcore.Level) bool {
	return GetLogger().Desugar().Core().Enabled(level)
}
