package filesystem

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"
)

var (
	// ErrInvalidSignature 签名无效或与对象不匹配
	ErrInvalidSignature = errors.New("invalid object signature")
	// ErrSignatureExpired 签名已过期
	ErrSignatureExpired = errors.New("object signature expired")
)

const signerInfo = "timecapsule object url v1"

// URLSigner 为对象生成限时下载链接
//
// 链接令牌是以 HKDF 派生密钥签名的 HS256 JWT，subject 为对象键。
type URLSigner struct {
	key     []byte
	baseURL string
	now     func() time.Time
}

// NewURLSigner 创建签名器
//
// baseURL 为服务对外地址，如 https://api.example.com
func NewURLSigner(secret, baseURL string) (*URLSigner, error) {
	if len(secret) < 16 {
		return nil, fmt.Errorf("signing secret must be at least 16 characters")
	}

	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(secret), nil, []byte(signerInfo)), key); err != nil {
		return nil, fmt.Errorf("derive signing key: %w", err)
	}

	return &URLSigner{
		key:     key,
		baseURL: strings.TrimRight(baseURL, "/"),
		now:     time.Now,
	}, nil
}

// Sign 生成对象的签名链接
func (s *URLSigner) Sign(objectKey string, ttl time.Duration) (string, error) {
	token, err := s.Token(objectKey, ttl)
	if err != nil {
		return "", err
	}
	return s.baseURL + ObjectPath(objectKey) + "?token=" + url.QueryEscape(token), nil
}

// Token 生成对象的签名令牌
func (s *URLSigner) Token(objectKey string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		return "", fmt.Errorf("signed url ttl must be positive")
	}
	now := s.now()
	claims := jwt.RegisteredClaims{
		Subject:   objectKey,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		ID:        uuid.NewString(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.key)
}

// Verify 校验令牌是否授权访问该对象
func (s *URLSigner) Verify(token, objectKey string) error {
	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.key, nil
	}, jwt.WithTimeFunc(s.now))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return ErrSignatureExpired
		}
		return ErrInvalidSignature
	}
	if !parsed.Valid || claims.Subject != objectKey {
		return ErrInvalidSignature
	}
	return nil
}

// ObjectPath 返回对象下载路径，每段单独转义
func ObjectPath(objectKey string) string {
	segments := strings.Split(objectKey, "/")
	for i, segment := range segments {
		segments[i] = url.PathEscape(segment)
	}
	return "/v1/objects/" + strings.Join(segments, "/")
}
