package handler

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/sma-gate-api/internal/middleware"
	"github.com/noah-isme/sma-gate-api/internal/models"
	appErrors "github.com/noah-isme/sma-gate-api/pkg/errors"
)

func claimsFromContext(c *gin.Context) *models.JWTClaims {
	claims, ok := middleware.Claims(c)
	if !ok {
		return nil
	}
	return claims
}

// requestMeta attributes an operation to the authenticated principal and the calling client.
func requestMeta(c *gin.Context) models.RequestMeta {
	claims := claimsFromContext(c)
	actor := models.SystemActor()
	if claims != nil {
		actor = claims.Actor()
	}
	return models.RequestMeta{
		Actor:     actor,
		IPAddress: c.ClientIP(),
		UserAgent: c.Request.UserAgent(),
	}
}

func isAdmin(claims *models.JWTClaims) bool {
	return claims != nil && (claims.Role == models.RoleAdmin || claims.Role == models.RoleSuperAdmin)
}

// ownsSubject reports whether a student principal is acting on its own subject. Staff roles always pass.
func ownsSubject(claims *models.JWTClaims, subjectID string) bool {
	if claims == nil {
		return false
	}
	if claims.Role != models.RoleStudent {
		return true
	}
	return claims.SubjectID != "" && claims.SubjectID == subjectID
}

func parseTimeQuery(c *gin.Context, key string) (*time.Time, error) {
	raw := c.Query(key)
	if raw == "" {
		return nil, nil
	}
	parsed, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, appErrors.Clone(appErrors.ErrValidation, "invalid "+key+" parameter, expected RFC3339")
	}
	return &parsed, nil
}

func parseQueryInt(c *gin.Context, key string, def int) int {
	raw := c.Query(key)
	if raw == "" {
		return def
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return val
}
