package middleware

import (
	"context"
	"time"

	"github.com/fieldops/fieldsync/pkg/request"
	"github.com/fieldops/fieldsync/pkg/status"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LoggingConfig holds configuration for logging middleware
type LoggingConfig struct {
	Logger         *zap.Logger
	Level          zapcore.Level
	SlowThreshold  time.Duration
	LogRequestBody bool
	ExtraFields    map[string]interface{}
}

// LoggingOption is a functional option for logging configuration
type LoggingOption func(*LoggingConfig)

// WithLogger sets a custom zap logger
func WithLogger(logger *zap.Logger) LoggingOption {
	return func(c *LoggingConfig) {
		c.Logger = logger
	}
}

// WithLevel sets the level used for successful calls
func WithLevel(level zapcore.Level) LoggingOption {
	return func(c *LoggingConfig) {
		c.Level = level
	}
}

// WithSlowThreshold logs successful calls slower than d at warn level
func WithSlowThreshold(d time.Duration) LoggingOption {
	return func(c *LoggingConfig) {
		c.SlowThreshold = d
	}
}

// WithRequestBody enables request body logging
func WithRequestBody() LoggingOption {
	return func(c *LoggingConfig) {
		c.LogRequestBody = true
	}
}

// WithExtraFields adds extra fields to all log entries
func WithExtraFields(fields map[string]interface{}) LoggingOption {
	return func(c *LoggingConfig) {
		c.ExtraFields = fields
	}
}

// Logging creates a logging middleware with the provided options
func Logging(opts ...LoggingOption) request.Middleware {
	config := &LoggingConfig{
		Logger: zap.NewNop(),
		Level:  zapcore.DebugLevel,
	}

	for _, opt := range opts {
		opt(config)
	}

	return func(ctx context.Context, call *request.Call, next request.Handler) ([]byte, error) {
		start := time.Now()

		resp, err := next(ctx, call)

		duration := time.Since(start)

		fields := []zap.Field{
			zap.String("endpoint", call.Endpoint()),
			zap.String("path", call.Path),
			zap.Int("attempt", call.Attempt),
			zap.Duration("duration", duration),
		}
		for k, v := range config.ExtraFields {
			fields = append(fields, zap.Any(k, v))
		}
		if config.LogRequestBody && len(call.Body) > 0 {
			fields = append(fields, zap.ByteString("request", call.Body))
		}

		if err == nil {
			fields = append(fields, zap.Int("response_bytes", len(resp)))
			if config.SlowThreshold > 0 && duration > config.SlowThreshold {
				config.Logger.Warn("slow request detected", append(fields, zap.Duration("threshold", config.SlowThreshold))...)
			} else if ce := config.Logger.Check(config.Level, "request completed"); ce != nil {
				ce.Write(fields...)
			}
			return resp, nil
		}

		code := status.CodeOf(err)
		fields = append(fields, zap.String("code", code.String()), zap.Error(err))
		if se, ok := status.FromError(err); ok && se.HTTPStatus != 0 {
			fields = append(fields, zap.Int("http_status", se.HTTPStatus))
		}

		switch code {
		case status.Server, status.Network, status.Timeout, status.RateLimited, status.Unknown:
			config.Logger.Warn("request failed", fields...)
		case status.Canceled:
			config.Logger.Debug("request canceled", fields...)
		default:
			config.Logger.Info("request rejected", fields...)
		}

		return nil, err
	}
}
