package ws

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// AuthUser 已认证用户
type AuthUser struct {
	UserID string         `json:"userId"`
	Type   string         `json:"userType,omitempty"`
	Claims map[string]any `json:"claims,omitempty"`
}

// AuthValidator 令牌校验器
//
// 空令牌返回 (nil, nil)，表示匿名连接；
// 令牌格式错误或过期返回 ErrAuth。
type AuthValidator interface {
	Validate(ctx context.Context, token string) (*AuthUser, error)
}

// AuthValidatorFunc 函数适配器
type AuthValidatorFunc func(ctx context.Context, token string) (*AuthUser, error)

// Validate 实现 AuthValidator
func (f AuthValidatorFunc) Validate(ctx context.Context, token string) (*AuthUser, error) {
	return f(ctx, token)
}

// TokenFromRequest 从 token 查询参数或 Bearer 头中取令牌
func TokenFromRequest(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	auth := r.Header.Get("Authorization")
	if len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}

// JWTConfig HMAC JWT 校验配置
type JWTConfig struct {
	Secret   []byte
	Issuer   string        // 非空时校验 iss
	Audience string        // 非空时校验 aud
	Leeway   time.Duration // 时钟偏移容忍
	TypeKey  string        // 用户类型所在的 claim，默认 "type"
}

// JWTValidator 基于 golang-jwt 的 HMAC 令牌校验器
type JWTValidator struct {
	config JWTConfig
	parser *jwt.Parser
}

// NewJWTValidator 创建校验器
func NewJWTValidator(config JWTConfig) (*JWTValidator, error) {
	if len(config.Secret) == 0 {
		return nil, ErrInvalidConfig.WithMessage("ws: jwt secret is required")
	}
	if config.TypeKey == "" {
		config.TypeKey = "type"
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(config.Leeway),
	}
	if config.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(config.Issuer))
	}
	if config.Audience != "" {
		opts = append(opts, jwt.WithAudience(config.Audience))
	}

	return &JWTValidator{config: config, parser: jwt.NewParser(opts...)}, nil
}

// Validate 实现 AuthValidator
func (v *JWTValidator) Validate(_ context.Context, token string) (*AuthUser, error) {
	if token == "" {
		return nil, nil
	}

	claims := jwt.MapClaims{}
	parsed, err := v.parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return v.config.Secret, nil
	})
	if err != nil {
		return nil, ErrAuth.WithError(err)
	}
	if !parsed.Valid {
		return nil, ErrAuth.WithMessage("ws: invalid token")
	}

	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return nil, ErrAuth.WithMessage("ws: token has no subject")
	}

	user := &AuthUser{UserID: sub, Claims: map[string]any(claims)}
	if typ, ok := claims[v.config.TypeKey].(string); ok {
		user.Type = typ
	}
	return user, nil
}

// SignToken 使用 HS256 签发令牌，extra 中的字段写入 claims
func SignToken(secret []byte, userID string, ttl time.Duration, extra map[string]any) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": userID,
		"iat": now.Unix(),
		"nbf": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	}
	for k, v := range extra {
		claims[k] = v
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("ws: sign token: %w", err)
	}
	return signed, nil
}
