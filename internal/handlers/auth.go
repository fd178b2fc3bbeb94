package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/melodia-app/melodia-backend/internal/requestdata"
	"github.com/melodia-app/melodia-backend/internal/services"
	"github.com/melodia-app/melodia-backend/internal/types"
)

type AuthHandler struct {
	authService services.AuthService
}

func NewAuthHandler(authService services.AuthService) *AuthHandler {
	return &AuthHandler{authService: authService}
}

// POST /auth/register
func (ah *AuthHandler) Register(c *gin.Context) {
	var req struct {
		Email    string `json:"email"`
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_body", err)
		return
	}
	user, pair, err := ah.authService.RegisterUser(c.Request.Context(), req.Email, req.Username, req.Password)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"user":          user,
		"access_token":  pair.AccessToken,
		"refresh_token": pair.RefreshToken,
		"expires_in":    pair.ExpiresIn,
	})
}

// POST /auth/login
func (ah *AuthHandler) Login(c *gin.Context) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_body", err)
		return
	}
	user, pair, err := ah.authService.LoginUser(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	RespondOK(c, gin.H{
		"user":          user,
		"access_token":  pair.AccessToken,
		"refresh_token": pair.RefreshToken,
		"expires_in":    pair.ExpiresIn,
	})
}

// POST /auth/refresh
func (ah *AuthHandler) Refresh(c *gin.Context) {
	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_body", err)
		return
	}
	pair, err := ah.authService.RefreshUser(c.Request.Context(), req.RefreshToken)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	RespondOK(c, gin.H{
		"access_token":  pair.AccessToken,
		"refresh_token": pair.RefreshToken,
		"expires_in":    pair.ExpiresIn,
	})
}

// GET /auth/session
func (ah *AuthHandler) Session(c *gin.Context) {
	user, err := ah.authService.GetSession(c.Request.Context())
	if err != nil {
		respondServiceError(c, err)
		return
	}
	RespondOK(c, gin.H{"user": user})
}

// POST /auth/logout
func (ah *AuthHandler) Logout(c *gin.Context) {
	if err := ah.authService.LogoutUser(c.Request.Context()); err != nil {
		respondServiceError(c, err)
		return
	}
	RespondOK(c, gin.H{"message": "logged out"})
}

// POST /auth/service-tokens (admin only)
func (ah *AuthHandler) CreateServiceToken(c *gin.Context) {
	rd := requestdata.GetRequestData(c.Request.Context())
	if rd == nil || rd.Role != types.RoleAdmin {
		RespondError(c, http.StatusForbidden, "forbidden", services.ErrForbidden)
		return
	}
	var req struct {
		Subject    string `json:"sub"`
		TTLSeconds int    `json:"ttl_seconds"`
	}
	// Body is optional; defaults apply.
	_ = c.ShouldBindJSON(&req)

	ttl := time.Duration(req.TTLSeconds) * time.Second
	token, err := ah.authService.GenerateServiceToken(req.Subject, ttl)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	if req.TTLSeconds <= 0 {
		req.TTLSeconds = int((90 * 24 * time.Hour).Seconds())
	}
	if req.Subject == "" {
		req.Subject = "orchestrator"
	}
	RespondOK(c, gin.H{
		"token":      token,
		"expires_in": req.TTLSeconds,
		"sub":        req.Subject,
		"role":       types.RoleOrchestrator,
	})
}
