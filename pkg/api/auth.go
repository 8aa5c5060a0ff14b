package api

import (
	"crypto/subtle"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/testmesh/conductor/pkg/config"
)

// authenticator issues and verifies dashboard bearer tokens. Tokens are
// HS256-signed with the configured secret and carry the username as the
// subject.
type authenticator struct {
	cfg config.DashboardConfig
}

func newAuthenticator(cfg config.DashboardConfig) *authenticator {
	return &authenticator{cfg: cfg}
}

type loginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type loginResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

// handleLogin handles POST /auth/login.
func (s *Server) handleLogin(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "username and password are required",
			"kind":  "BAD_INPUT",
		})
		return
	}

	userOK := subtle.ConstantTimeCompare([]byte(req.Username), []byte(s.auth.cfg.Username)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(req.Password), []byte(s.auth.cfg.Password)) == 1
	if !userOK || !passOK {
		s.log.Warn("dashboard login rejected", "username", req.Username)
		c.JSON(http.StatusUnauthorized, gin.H{
			"error": "invalid credentials",
			"kind":  "UNAUTHORIZED",
		})
		return
	}

	token, err := s.auth.issue(req.Username, time.Now())
	if err != nil {
		s.log.Error("token signing failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, loginResponse{
		AccessToken: token,
		TokenType:   "bearer",
		ExpiresIn:   int64(s.auth.cfg.TokenTTL.Seconds()),
	})
}

func (a *authenticator) issue(username string, now time.Time) (string, error) {
	claims := jwt.RegisteredClaims{
		Subject:   username,
		Issuer:    "conductor",
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(a.cfg.TokenTTL)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(a.cfg.JWTSecret))
}

// verify checks the signature and expiry and returns the subject.
func (a *authenticator) verify(raw string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(a.cfg.JWTSecret), nil
	})
	if err != nil {
		return "", err
	}
	return claims.Subject, nil
}

// gate rejects dashboard requests without a valid bearer token.
func (a *authenticator) gate(log *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := bearerToken(c.GetHeader("Authorization"))
		if raw == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "missing bearer token",
				"kind":  "UNAUTHORIZED",
			})
			return
		}
		user, err := a.verify(raw)
		if err != nil {
			log.Warn("dashboard token rejected", "error", err)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "invalid or expired token",
				"kind":  "UNAUTHORIZED",
			})
			return
		}
		c.Set("user", user)
		c.Next()
	}
}

func bearerToken(header string) string {
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}
