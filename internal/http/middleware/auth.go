package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/yungbote/appforge-backend/internal/platform/ctxutil"
	"github.com/yungbote/appforge-backend/internal/platform/logger"
)

const (
	AuthModeJWT = "jwt"
	AuthModeDev = "dev"

	headerUserID = "X-User-Id"
)

type AuthConfig struct {
	Mode   string
	Secret string
	Issuer string
}

type AuthMiddleware struct {
	log    *logger.Logger
	cfg    AuthConfig
	secret []byte
}

func NewAuthMiddleware(log *logger.Logger, cfg AuthConfig) *AuthMiddleware {
	cfg.Mode = strings.ToLower(strings.TrimSpace(cfg.Mode))
	if cfg.Mode == "" {
		cfg.Mode = AuthModeJWT
	}
	return &AuthMiddleware{
		log:    log.With("middleware", "AuthMiddleware"),
		cfg:    cfg,
		secret: []byte(cfg.Secret),
	}
}

func (am *AuthMiddleware) RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, token, err := am.authenticate(c)
		if err != nil {
			am.log.Debug("auth rejected", "path", c.Request.URL.Path, "error", err)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": gin.H{"message": "missing or invalid token", "code": "unauthorized"},
			})
			return
		}
		ctx := ctxutil.WithRequestData(c.Request.Context(), &ctxutil.RequestData{
			UserID:      userID,
			TokenString: token,
		})
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func (am *AuthMiddleware) authenticate(c *gin.Context) (uuid.UUID, string, error) {
	if am.cfg.Mode == AuthModeDev {
		if raw := strings.TrimSpace(c.GetHeader(headerUserID)); raw != "" {
			id, err := uuid.Parse(raw)
			if err != nil || id == uuid.Nil {
				return uuid.Nil, "", fmt.Errorf("bad %s header", headerUserID)
			}
			return id, "", nil
		}
	}
	tokenString := extractTokenFromAll(c)
	if tokenString == "" {
		return uuid.Nil, "", errors.New("missing token")
	}
	id, err := am.ParseToken(tokenString)
	if err != nil {
		return uuid.Nil, "", err
	}
	return id, tokenString, nil
}

// ParseToken validates an HS256 token and returns the user id in its subject.
func (am *AuthMiddleware) ParseToken(tokenString string) (uuid.UUID, error) {
	if len(am.secret) == 0 {
		return uuid.Nil, errors.New("auth secret not configured")
	}
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if am.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(am.cfg.Issuer))
	}
	claims := &jwt.RegisteredClaims{}
	tok, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		return am.secret, nil
	}, opts...)
	if err != nil {
		return uuid.Nil, fmt.Errorf("parse token: %w", err)
	}
	if !tok.Valid {
		return uuid.Nil, errors.New("invalid token")
	}
	id, err := uuid.Parse(claims.Subject)
	if err != nil || id == uuid.Nil {
		return uuid.Nil, errors.New("token subject is not a user id")
	}
	return id, nil
}

// SignToken issues a token ParseToken accepts. Used by the CLI and tests;
// production tokens come from the account service.
func SignToken(cfg AuthConfig, userID uuid.UUID, ttl time.Duration) (string, error) {
	if cfg.Secret == "" {
		return "", errors.New("auth secret not configured")
	}
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   userID.String(),
		Issuer:    cfg.Issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(cfg.Secret))
}

func extractTokenFromAll(c *gin.Context) string {
	if qToken := c.Query("token"); qToken != "" {
		return qToken
	}
	authHeader := c.GetHeader("Authorization")
	if len(authHeader) > 7 && strings.EqualFold(authHeader[:7], "Bearer ") {
		return authHeader[7:]
	}
	return ""
}

// UserID returns the authenticated caller, uuid.Nil when absent.
func UserID(c *gin.Context) uuid.UUID {
	rd := ctxutil.GetRequestData(c.Request.Context())
	if rd == nil {
		return uuid.Nil
	}
	return rd.UserID
}
