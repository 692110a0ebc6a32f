// Package middleware holds the pipeline stages the provider installs in
// front of the correlation layer.
package middleware

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"time"

	"github.com/better-wallet/inpage-provider/internal/engine"
	"github.com/better-wallet/inpage-provider/internal/logger"
	"github.com/better-wallet/inpage-provider/pkg/types"
)

// RequestID tags every request with a correlation ID and logs its outcome
// at debug level. The ID is:
//   - Stored in context for use by later stages
//   - Kept when the caller already attached one upstream
func RequestID(base *slog.Logger) engine.Middleware {
	return func(next engine.Handler) engine.Handler {
		return func(ctx context.Context, req *types.Request) (*types.Response, error) {
			if logger.GetRequestID(ctx) == "" {
				ctx = logger.WithRequestID(ctx, generateRequestID())
			}

			start := time.Now()
			resp, err := next(ctx, req)

			log := logger.FromContext(ctx, base).With(
				"method", req.Method,
				"duration", time.Since(start),
			)
			switch {
			case err != nil:
				log.Debug("request failed", "error", err)
			case resp != nil && resp.Error != nil:
				log.Debug("request answered with error", "code", resp.Error.Code)
			default:
				log.Debug("request completed")
			}
			return resp, err
		}
	}
}

// generateRequestID creates a random 32-character hex string (16 bytes of entropy).
func generateRequestID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "fallback-request-id"
	}
	return hex.EncodeToString(b)
}
