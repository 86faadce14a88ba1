package bridge

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// 面试官在房间内的身份前缀
const IdentityPrefix = "ai-interviewer-"

var ErrInvalidToken = errors.New("invalid room token")

// VideoGrant 房间权限，只包含加入、发布和订阅
type VideoGrant struct {
	Room         string `json:"room"`
	RoomJoin     bool   `json:"roomJoin"`
	CanPublish   bool   `json:"canPublish"`
	CanSubscribe bool   `json:"canSubscribe"`
}

// RoomClaims 房间凭证的声明
type RoomClaims struct {
	jwt.RegisteredClaims
	Name  string     `json:"name,omitempty"`
	Video VideoGrant `json:"video"`
}

// TokenIssuer 用共享密钥签发和校验房间凭证
type TokenIssuer struct {
	apiKey    string
	apiSecret []byte
	ttl       time.Duration
	now       func() time.Time
}

// NewTokenIssuer 创建签发器
func NewTokenIssuer(apiKey, apiSecret string, ttl time.Duration) *TokenIssuer {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &TokenIssuer{apiKey: apiKey, apiSecret: []byte(apiSecret), ttl: ttl, now: time.Now}
}

// InterviewerIdentity 房间内面试官的身份
func InterviewerIdentity(room string) string {
	return IdentityPrefix + room
}

// Mint 为指定身份签发房间凭证
func (t *TokenIssuer) Mint(room, identity string) (string, error) {
	if room == "" || identity == "" {
		return "", fmt.Errorf("%w: room and identity are required", ErrInvalidToken)
	}
	if len(t.apiSecret) == 0 {
		return "", fmt.Errorf("%w: api secret is not configured", ErrInvalidToken)
	}
	now := t.now()
	claims := RoomClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    t.apiKey,
			Subject:   identity,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
		},
		Name: identity,
		Video: VideoGrant{
			Room:         room,
			RoomJoin:     true,
			CanPublish:   true,
			CanSubscribe: true,
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.apiSecret)
}

// MintInterviewer 签发面试官凭证
func (t *TokenIssuer) MintInterviewer(room string) (string, error) {
	return t.Mint(room, InterviewerIdentity(room))
}

// Verify 校验签名、有效期与加入权限
func (t *TokenIssuer) Verify(token string) (*RoomClaims, error) {
	claims := &RoomClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return t.apiSecret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(t.apiKey),
		jwt.WithTimeFunc(t.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if !claims.Video.RoomJoin || claims.Video.Room == "" {
		return nil, fmt.Errorf("%w: missing room join grant", ErrInvalidToken)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing identity", ErrInvalidToken)
	}
	return claims, nil
}

// Authenticate 校验凭证并返回房间与身份，供本地媒体房间使用
func (t *TokenIssuer) Authenticate(token string) (room, identity string, err error) {
	claims, err := t.Verify(token)
	if err != nil {
		return "", "", err
	}
	return claims.Video.Room, claims.Subject, nil
}
