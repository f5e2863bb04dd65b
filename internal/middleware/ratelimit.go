package middleware

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	appErrors "github.com/noah-isme/sma-gate-api/pkg/errors"
	"github.com/noah-isme/sma-gate-api/pkg/response"
)

// WindowCounter counts hits in a fixed window keyed by client.
type WindowCounter interface {
	IncrWindow(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error)
	Enabled() bool
}

// RateLimit allows limit requests per window per caller. The caller is the device id header when present,
// else the authenticated user, else the client IP. When the counter store is unavailable requests pass.
func RateLimit(counter WindowCounter, scope string, limit int, window time.Duration, logger *zap.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(c *gin.Context) {
		if counter == nil || !counter.Enabled() || limit <= 0 || window <= 0 {
			c.Next()
			return
		}

		key := fmt.Sprintf("ratelimit:%s:%s", scope, callerKey(c))
		count, ttl, err := counter.IncrWindow(c.Request.Context(), key, window)
		if err != nil {
			logger.Warn("rate limiter unavailable, allowing request", zap.String("scope", scope), zap.Error(err))
			c.Next()
			return
		}

		remaining := int64(limit) - count
		if remaining < 0 {
			remaining = 0
		}
		c.Header("X-RateLimit-Limit", strconv.Itoa(limit))
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(remaining, 10))

		if count > int64(limit) {
			c.Header("Retry-After", strconv.Itoa(int(math.Ceil(ttl.Seconds()))))
			response.Error(c, appErrors.ErrRateLimited)
			c.Abort()
			return
		}
		c.Next()
	}
}

func callerKey(c *gin.Context) string {
	if device := c.GetHeader("X-Device-ID"); device != "" && len(device) <= 64 {
		return "device:" + device
	}
	if claims, ok := Claims(c); ok {
		return "user:" + claims.UserID
	}
	return "ip:" + c.ClientIP()
}
