package http

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/carabina/PeerConnectivity/internal/core/domain"
	"github.com/carabina/PeerConnectivity/internal/core/services"
	"github.com/carabina/PeerConnectivity/pkg/errors"
	"github.com/carabina/PeerConnectivity/pkg/utils"
	"github.com/carabina/PeerConnectivity/pkg/validation"
)

type AuthHandler struct {
	authService services.AuthService
}

func NewAuthHandler(authService services.AuthService) *AuthHandler {
	return &AuthHandler{
		authService: authService,
	}
}

func (h *AuthHandler) SetupRoutes(router gin.IRouter) {
	api := router.Group("/api/v1/tokens")
	{
		api.POST("", h.IssueToken)
		api.POST("/refresh", h.RefreshToken)
	}
}

type IssueTokenRequest struct {
	PeerID      string `json:"peer_id" binding:"max=100"`
	DisplayName string `json:"display_name" binding:"required"`
}

type RefreshTokenRequest struct {
	RefreshToken string `json:"refresh_token" binding:"required,max=2048"`
}

// IssueToken hands out a join token. A request without peer_id gets a
// fresh one.
func (h *AuthHandler) IssueToken(c *gin.Context) {
	var req IssueTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errors.NewInvalidInputError("invalid request format"))
		return
	}

	req.PeerID = strings.TrimSpace(req.PeerID)
	if req.PeerID == "" {
		req.PeerID = utils.NewPeerID()
	}
	if err := validation.ValidatePeerID(req.PeerID); err != nil {
		_ = c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}
	req.DisplayName = utils.SanitizeString(req.DisplayName)
	if err := validation.ValidateDisplayName(req.DisplayName); err != nil {
		_ = c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}

	peerID := domain.PeerID(req.PeerID)
	accessToken, err := h.authService.GenerateToken(peerID, req.DisplayName)
	if err != nil {
		_ = c.Error(errors.WrapError(err, errors.ErrCodeInternal, "failed to generate token", http.StatusInternalServerError))
		return
	}

	refreshToken, err := h.authService.GenerateRefreshToken(peerID, req.DisplayName)
	if err != nil {
		_ = c.Error(errors.WrapError(err, errors.ErrCodeInternal, "failed to generate refresh token", http.StatusInternalServerError))
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"peer_id":       peerID,
		"display_name":  req.DisplayName,
		"access_token":  accessToken,
		"refresh_token": refreshToken,
		"expires_in":    int(h.authService.TokenTTL().Seconds()),
	})
}

func (h *AuthHandler) RefreshToken(c *gin.Context) {
	var req RefreshTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errors.NewInvalidInputError("invalid request format"))
		return
	}

	claims, err := h.authService.ValidateRefreshToken(req.RefreshToken)
	if err != nil {
		_ = c.Error(errors.NewUnauthorizedError("invalid refresh token"))
		return
	}

	accessToken, err := h.authService.GenerateToken(claims.PeerID, claims.DisplayName)
	if err != nil {
		_ = c.Error(errors.WrapError(err, errors.ErrCodeInternal, "failed to generate token", http.StatusInternalServerError))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"peer_id":      claims.PeerID,
		"access_token": accessToken,
		"expires_in":   int(h.authService.TokenTTL().Seconds()),
	})
}
