package auth

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"chatsync/internal/config"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// UserHeader 在 TrustUserHeader 打开时由上游网关注入已认证的用户 id。
const UserHeader = "X-User-Id"

var (
	ErrMissingCredentials = errors.New("missing credentials")
	ErrInvalidToken       = errors.New("invalid token")
)

type Claims struct {
	UserID string `json:"uid"`
	jwt.RegisteredClaims
}

func GenerateAccessToken(userID, secret string, ttlMinutes int) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Duration(ttlMinutes) * time.Minute)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

// ParseAccessToken 校验 HS256 签名与过期时间；uid 缺失时回退到 sub。
func ParseAccessToken(tokenStr, secret string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.UserID == "" {
		claims.UserID = claims.Subject
	}
	if claims.UserID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

func bearer(r *http.Request) string {
	authz := r.Header.Get("Authorization")
	if len(authz) > 7 && strings.EqualFold(authz[:7], "bearer ") {
		return strings.TrimSpace(authz[7:])
	}
	// 浏览器的 WebSocket 无法设置请求头，允许走 token 查询参数。
	return r.URL.Query().Get("token")
}

// Identify 从请求中解析调用者 id。
// 顺序：Bearer Token / token 参数，其次（受信任网关模式下）X-User-Id 头或 userId 参数。
func Identify(r *http.Request, cfg config.Config) (string, error) {
	if tok := bearer(r); tok != "" {
		claims, err := ParseAccessToken(tok, cfg.JWTSecret)
		if err != nil {
			return "", ErrInvalidToken
		}
		return claims.UserID, nil
	}
	if cfg.TrustUserHeader {
		id := strings.TrimSpace(r.Header.Get(UserHeader))
		if id == "" {
			id = strings.TrimSpace(r.URL.Query().Get("userId"))
		}
		if id != "" {
			return id, nil
		}
	}
	return "", ErrMissingCredentials
}

func AuthMiddleware(cfg config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, err := Identify(c.Request, cfg)
		if err != nil {
			msg := "invalid token"
			if errors.Is(err, ErrMissingCredentials) {
				msg = "missing credentials"
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": msg})
			return
		}
		c.Set("userID", userID)
		c.Next()
	}
}

func GetUserID(c *gin.Context) string {
	if v, ok := c.Get("userID"); ok {
		if id, ok2 := v.(string); ok2 {
			return id
		}
	}
	return ""
}
