package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// 写入 gin.Context 的身份字段
const (
	CtxUserID    = "userId"
	CtxUserName  = "userName"
	CtxUserEmail = "userEmail"
	CtxRole      = "role"
)

const verifyTimeout = 1200 * time.Millisecond

var (
	errNoToken       = errors.New("Authorization header is missing or invalid")
	errNotAccess     = errors.New("access token required")
	errAuthUpstream  = errors.New("auth-service verify failed")
	errInvalidClaims = errors.New("invalid verify response")
)

// rejectedError 是 auth-service 明确拒绝（401）时带回的原因
type rejectedError struct{ reason string }

func (e rejectedError) Error() string { return e.reason }

// flexID 兼容 auth-service 返回数字或字符串形式的用户 id
type flexID string

func (f *flexID) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*f = flexID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = flexID(n.String())
	return nil
}

type VerifyClaims struct {
	UserID   flexID `json:"userId"`
	Username string `json:"username"`
	Email    string `json:"email"`
	Role     string `json:"role"`
	Type     string `json:"type"` // 只接受 "access"
}

// verifier 调用 auth-service 的 POST /v1/auth/verify
type verifier struct {
	url    string
	client *http.Client
}

func (v verifier) verify(ctx context.Context, token string) (*VerifyClaims, error) {
	ctx, cancel := context.WithTimeout(ctx, verifyTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.url, strings.NewReader("{}"))
	if err != nil {
		return nil, fmt.Errorf("build verify request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := v.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errAuthUpstream, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized:
		var body struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&body)
		if body.Error == "" {
			body.Error = "invalid token"
		}
		return nil, rejectedError{reason: body.Error}
	default:
		return nil, fmt.Errorf("%w: status %d", errAuthUpstream, resp.StatusCode)
	}

	var claims VerifyClaims
	if err := json.NewDecoder(resp.Body).Decode(&claims); err != nil {
		return nil, errInvalidClaims
	}
	if claims.Type != "" && claims.Type != "access" {
		return nil, errNotAccess
	}
	return &claims, nil
}

// AuthMiddleware 把身份校验委托给 auth-service。
// authBaseURL 不带路径，例如 http://localhost:3001
func AuthMiddleware(authBaseURL string, log zerolog.Logger) gin.HandlerFunc {
	v := verifier{
		url:    strings.TrimRight(authBaseURL, "/") + "/v1/auth/verify",
		client: &http.Client{},
	}

	return func(c *gin.Context) {
		token := bearerToken(c)
		if token == "" {
			abortAuth(c, errNoToken)
			return
		}
		claims, err := v.verify(c.Request.Context(), token)
		if err != nil {
			if errors.Is(err, errAuthUpstream) {
				log.Warn().Err(err).Str("url", v.url).Msg("auth verify request failed")
			}
			abortAuth(c, err)
			return
		}

		c.Set(CtxUserID, string(claims.UserID))
		c.Set(CtxUserName, claims.Username)
		c.Set(CtxUserEmail, claims.Email)
		c.Set(CtxRole, claims.Role)
		c.Next()
	}
}

func abortAuth(c *gin.Context, err error) {
	var rejected rejectedError
	switch {
	case errors.As(err, &rejected), errors.Is(err, errNoToken), errors.Is(err, errNotAccess):
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": "UNAUTHENTICATED", "message": err.Error()})
	case errors.Is(err, errAuthUpstream), errors.Is(err, errInvalidClaims):
		c.AbortWithStatusJSON(http.StatusBadGateway, gin.H{"code": "AUTH_UPSTREAM_ERROR", "message": err.Error()})
	default:
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL", "message": err.Error()})
	}
}

// bearerToken 优先取 Authorization（前缀大小写不敏感），
// 浏览器 WebSocket 不能自定义 Header，退而取 ?token=
func bearerToken(c *gin.Context) string {
	const prefix = "Bearer "
	h := c.GetHeader("Authorization")
	if len(h) > len(prefix) && strings.EqualFold(h[:len(prefix)], prefix) {
		if t := strings.TrimSpace(h[len(prefix):]); t != "" {
			return t
		}
	}
	return strings.TrimSpace(c.Query("token"))
}
