package bootstrap

import (
	"fmt"
	"os"

	"smarthouse/config"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// InitLogger initializes the zap logger. Console format uses colored levels
// unless color is disabled. Logs go to stderr so stdout carries only results.
func InitLogger(level, format string, color bool) (*zap.Logger, *zap.SugaredLogger, error) {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	var encoder zapcore.Encoder
	switch format {
	case "json":
		encoderConfig := zap.NewProductionEncoderConfig()
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	case "", "console":
		encoderConfig := zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
		if color {
			encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder // Colored levels
		}
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder   // Readable timestamps
		encoderConfig.EncodeCaller = zapcore.ShortCallerEncoder // Short file paths
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	default:
		return nil, nil, fmt.Errorf("invalid log format %q", format)
	}

	core := zapcore.NewCore(
		encoder,
		zapcore.Lock(os.Stderr),
		lvl,
	)

	logger := zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))
	return logger, logger.Sugar(), nil
}

// InitConfig loads the configuration from path, or the default search path when empty.
func InitConfig(path string) (*config.Config, error) {
	cfg, err := config.LoadConfig(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: Failed to load config: %v\n", err)
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// LogConfig logs where the configuration came from and the effective target,
// without secrets.
func LogConfig(cfg *config.Config, sugar *zap.SugaredLogger) {
	if cfg.ConfigFile == "" {
		sugar.Info("No config file found, using defaults and env vars")
	} else {
		sugar.Infow("Config file loaded", "path", cfg.ConfigFile)
	}

	masked := cfg.Masked()
	sugar.Infow("Config loaded",
		"mongodb_address", ConnectOptionsFromConfig(masked).ResolvedURI(),
		"admin_database", masked.MongoDB.AdminDatabase,
		"database", masked.MongoDB.Database,
		"username", masked.MongoDB.Username,
		"existing_policy", string(masked.Schema.ExistingPolicy),
		"secrets_provider", masked.Secrets.Provider)

	if cfg.UsesPlaceholderCredential() {
		sugar.Warn("Using the placeholder admin/admin credential; set SMARTHOUSE_MONGODB_PASSWORD or MONGO_PASSWORD outside development")
	}
}
