package handler

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/sma-gate-api/internal/dto"
	"github.com/noah-isme/sma-gate-api/internal/models"
	appErrors "github.com/noah-isme/sma-gate-api/pkg/errors"
	"github.com/noah-isme/sma-gate-api/pkg/response"
)

type credentialService interface {
	Issue(ctx context.Context, subjectID string, ttl time.Duration, meta models.RequestMeta) (*models.Credential, error)
	Refresh(ctx context.Context, subjectID string, meta models.RequestMeta) (*models.Credential, error)
	Current(ctx context.Context, subjectID string, meta models.RequestMeta) (*models.Credential, error)
	Validate(ctx context.Context, raw string) (*models.Credential, error)
	Consume(ctx context.Context, raw string) (*models.Credential, error)
	Revoke(ctx context.Context, raw string, meta models.RequestMeta) error
	ListForSubject(ctx context.Context, subjectID string) ([]models.Credential, error)
	RenderQR(ctx context.Context, raw string, size int) ([]byte, error)
}

// CredentialHandler exposes QR credential endpoints.
type CredentialHandler struct {
	credentials credentialService
	apiPrefix   string
}

// NewCredentialHandler constructs the handler. apiPrefix is used to build QR image links.
func NewCredentialHandler(credentials credentialService, apiPrefix string) *CredentialHandler {
	return &CredentialHandler{credentials: credentials, apiPrefix: strings.TrimRight(apiPrefix, "/")}
}

// Issue godoc
// @Summary Issue a QR credential
// @Description Deactivates the subject's active credentials and issues a new one.
// @Tags Credentials
// @Accept json
// @Produce json
// @Param payload body dto.IssueCredentialRequest true "Issue payload"
// @Success 201 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 403 {object} response.Envelope
// @Router /credentials [post]
func (h *CredentialHandler) Issue(c *gin.Context) {
	var req dto.IssueCredentialRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid credential payload"))
		return
	}
	credential, err := h.credentials.Issue(c.Request.Context(), req.SubjectID, req.TTL(), requestMeta(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, h.present(credential))
}

// Refresh godoc
// @Summary Refresh a subject's QR credential
// @Tags Credentials
// @Accept json
// @Produce json
// @Param payload body dto.RefreshCredentialRequest true "Refresh payload"
// @Success 201 {object} response.Envelope
// @Router /credentials/refresh [post]
func (h *CredentialHandler) Refresh(c *gin.Context) {
	var req dto.RefreshCredentialRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid credential payload"))
		return
	}
	if !ownsSubject(claimsFromContext(c), req.SubjectID) {
		response.Error(c, appErrors.ErrForbidden)
		return
	}
	credential, err := h.credentials.Refresh(c.Request.Context(), req.SubjectID, requestMeta(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, h.present(credential))
}

// Mine godoc
// @Summary Current credential of the authenticated student
// @Description Returns the valid credential, issuing a fresh one when none is valid.
// @Tags Credentials
// @Produce json
// @Success 200 {object} response.Envelope
// @Router /me/credential [get]
func (h *CredentialHandler) Mine(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	if claims.SubjectID == "" {
		response.Error(c, appErrors.Clone(appErrors.ErrForbidden, "principal is not linked to a subject"))
		return
	}
	credential, err := h.credentials.Current(c.Request.Context(), claims.SubjectID, requestMeta(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, h.present(credential), nil)
}

// Validate godoc
// @Summary Validate a QR credential
// @Description Records one usage unless dry_run=true.
// @Tags Credentials
// @Produce json
// @Param code path string true "Credential code"
// @Param dry_run query bool false "Validate without recording usage"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /credentials/validate/{code} [get]
func (h *CredentialHandler) Validate(c *gin.Context) {
	var (
		credential *models.Credential
		err        error
	)
	if c.Query("dry_run") == "true" {
		credential, err = h.credentials.Validate(c.Request.Context(), c.Param("code"))
	} else {
		credential, err = h.credentials.Consume(c.Request.Context(), c.Param("code"))
	}
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, dto.CredentialValidationResponse{
		Valid:      true,
		SubjectID:  credential.SubjectID,
		ExpiresAt:  credential.ExpiresAt,
		UsageCount: credential.UsageCount,
		LastUsedAt: credential.LastUsedAt,
	}, nil)
}

// Revoke godoc
// @Summary Revoke a QR credential
// @Tags Credentials
// @Param code path string true "Credential code"
// @Success 204
// @Router /credentials/{code} [delete]
func (h *CredentialHandler) Revoke(c *gin.Context) {
	if err := h.credentials.Revoke(c.Request.Context(), c.Param("code"), requestMeta(c)); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}

// QRImage godoc
// @Summary Render a credential as a PNG QR code
// @Tags Credentials
// @Produce png
// @Param code path string true "Credential code"
// @Param size query int false "Image size in pixels"
// @Success 200 {file} binary
// @Router /credentials/{code}/qr [get]
func (h *CredentialHandler) QRImage(c *gin.Context) {
	ctx := c.Request.Context()
	code := c.Param("code")
	if claims := claimsFromContext(c); claims != nil && claims.Role == models.RoleStudent {
		credential, err := h.credentials.Validate(ctx, code)
		if err != nil {
			response.Error(c, err)
			return
		}
		if !ownsSubject(claims, credential.SubjectID) {
			// same answer as an unknown code
			response.Error(c, appErrors.ErrCredentialNotFound)
			return
		}
	}
	png, err := h.credentials.RenderQR(ctx, code, parseQueryInt(c, "size", 0))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Binary(c, "image/png", png)
}

// ListForSubject godoc
// @Summary Recent credentials of a subject
// @Tags Credentials
// @Produce json
// @Param id path string true "Subject ID"
// @Success 200 {object} response.Envelope
// @Router /subjects/{id}/credentials [get]
func (h *CredentialHandler) ListForSubject(c *gin.Context) {
	credentials, err := h.credentials.ListForSubject(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, credentials, nil)
}

func (h *CredentialHandler) present(credential *models.Credential) dto.CredentialResponse {
	return dto.CredentialResponse{
		Credential: *credential,
		QRImageURL: h.apiPrefix + "/credentials/" + url.PathEscape(credential.Code) + "/qr",
	}
}
