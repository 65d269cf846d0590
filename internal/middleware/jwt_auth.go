package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	authjwt "timecapsule/backend/internal/auth/jwt"
)

// 上下文键
const (
	ContextUserID  = "userID"
	ContextEmail   = "email"
	ContextService = "service"
)

// TokenValidator 校验访问令牌
type TokenValidator interface {
	ValidateToken(token string) (*authjwt.Claims, error)
}

// JWTAuth JWT认证中间件
//
// 用户请求携带 authenticated 角色的令牌；轮询器和运维工具使用服务密钥
// 或 service_role 令牌。
type JWTAuth struct {
	tokens     TokenValidator
	serviceKey string
	log        *zap.Logger
}

// NewJWTAuth 创建JWT认证中间件，serviceKey 为空时只接受 service_role 令牌
func NewJWTAuth(tokens TokenValidator, serviceKey string, log *zap.Logger) *JWTAuth {
	if log == nil {
		log = zap.NewNop()
	}
	return &JWTAuth{
		tokens:     tokens,
		serviceKey: serviceKey,
		log:        log,
	}
}

// RequireAuth 要求用户令牌
func (ja *JWTAuth) RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := ExtractToken(c)
		if token == "" {
			abortUnauthorized(c, "需要登录认证")
			return
		}

		claims, err := ja.tokens.ValidateToken(token)
		if err != nil || claims.IsService() {
			ja.log.Warn("invalid token",
				zap.NamedError("error", err),
				zap.String("ip", c.ClientIP()),
			)
			abortUnauthorized(c, "无效的访问令牌")
			return
		}

		// 将用户信息存储到上下文
		c.Set(ContextUserID, claims.UserID)
		c.Set(ContextEmail, claims.Email)

		c.Next()
	}
}

// OptionalAuth 可选的JWT认证
func (ja *JWTAuth) OptionalAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if token := ExtractToken(c); token != "" {
			ja.authenticate(c, token)
		}
		c.Next()
	}
}

// RequireService 要求服务凭证，失败时按函数端点的格式返回
func (ja *JWTAuth) RequireService() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := ExtractToken(c)
		if token == "" || !ja.authenticate(c, token) || !IsService(c) {
			ja.log.Warn("service credential rejected", zap.String("ip", c.ClientIP()), zap.String("path", c.Request.URL.Path))
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"success": false,
				"error":   "Unauthorized",
			})
			return
		}
		c.Next()
	}
}

// DispatchAuth 投递端点认证
//
// 服务凭证和用户令牌都会写入上下文；未携带令牌的请求以匿名身份放行，
// 由处理器决定匿名调用允许做什么。携带了无效令牌的请求直接拒绝。
func (ja *JWTAuth) DispatchAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := ExtractToken(c)
		if token != "" && !ja.authenticate(c, token) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"success": false,
				"error":   "Invalid authorization token",
			})
			return
		}
		c.Next()
	}
}

// authenticate 识别服务密钥或令牌并写入上下文
func (ja *JWTAuth) authenticate(c *gin.Context, token string) bool {
	if ja.serviceKey != "" && subtle.ConstantTimeCompare([]byte(token), []byte(ja.serviceKey)) == 1 {
		c.Set(ContextService, true)
		return true
	}

	claims, err := ja.tokens.ValidateToken(token)
	if err != nil {
		return false
	}
	if claims.IsService() {
		c.Set(ContextService, true)
		return true
	}
	c.Set(ContextUserID, claims.UserID)
	c.Set(ContextEmail, claims.Email)
	return true
}

// UserID 返回当前用户 ID，未认证时为空
func UserID(c *gin.Context) string {
	return c.GetString(ContextUserID)
}

// IsService 是否为服务凭证调用
func IsService(c *gin.Context) bool {
	return c.GetBool(ContextService)
}

// ExtractToken 从请求中提取令牌
func ExtractToken(c *gin.Context) string {
	// 1. 从 Authorization header 提取
	authHeader := c.GetHeader("Authorization")
	if authHeader != "" {
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
	}

	// 2. 从 cookie 提取
	token, err := c.Cookie("access_token")
	if err == nil && token != "" {
		return token
	}

	return ""
}

func abortUnauthorized(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"code": http.StatusUnauthorized,
		"msg":  msg,
	})
}
