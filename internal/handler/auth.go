package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/aman-churiwal/tier-gate/internal/ratelimit"
	"github.com/aman-churiwal/tier-gate/internal/service"
	"github.com/gin-gonic/gin"
)

type Authenticator interface {
	Login(ctx context.Context, email, password string) (string, error)
	IssueToken(claims service.Claims) (string, error)
}

type AuthHandler struct {
	auth Authenticator
}

func NewAuthHandler(auth Authenticator) *AuthHandler {
	return &AuthHandler{auth: auth}
}

type LoginRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
}

func (h *AuthHandler) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	token, err := h.auth.Login(c.Request.Context(), req.Email, req.Password)
	if errors.Is(err, service.ErrInvalidCredentials) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid credentials"})
		return
	}
	if err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Login failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"token": token})
}

type IssueTokenRequest struct {
	Wallet string `json:"wallet" binding:"required"`
	Tier   string `json:"tier"`
}

// Issues a caller token carrying a wallet identity and, optionally, an
// explicit tier that takes precedence over the subscription lookup.
func (h *AuthHandler) IssueCallerToken(c *gin.Context) {
	var req IssueTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Tier != "" {
		if _, err := ratelimit.ParseTier(req.Tier); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	token, err := h.auth.IssueToken(service.Claims{Wallet: req.Wallet, Tier: req.Tier})
	if err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to issue token"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"token": token})
}
