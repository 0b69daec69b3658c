package realtime

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken - 서명/만료/용도 검증 실패
var ErrInvalidToken = errors.New("realtime: invalid channel token")

// Purpose - 채널 토큰 용도
type Purpose string

const (
	PurposeNotification Purpose = "notification"
	PurposeGeneration   Purpose = "generation"
)

// Valid - 알려진 용도인지
func (p Purpose) Valid() bool {
	return p == PurposeNotification || p == PurposeGeneration
}

// Room - 용도 + subject로 방 이름 생성 (예: "generation:<entry id>")
func Room(p Purpose, subject string) string {
	return string(p) + ":" + subject
}

// Claims - 채널 토큰 내용
type Claims struct {
	Purpose Purpose `json:"purpose"`
	jwt.RegisteredClaims
}

// Issuer - 채널 토큰 발급/검증 (HS256)
type Issuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewIssuer - Issuer 생성
func NewIssuer(secret string, ttl time.Duration) *Issuer {
	return &Issuer{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// Issue - 용도 하나, subject 하나에 묶인 토큰 발급
func (i *Issuer) Issue(p Purpose, subject string) (string, error) {
	if !p.Valid() {
		return "", fmt.Errorf("realtime: unknown purpose %q", p)
	}
	if subject == "" {
		return "", errors.New("realtime: subject is required")
	}

	now := i.now()
	claims := Claims{
		Purpose: p,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("realtime: sign token: %w", err)
	}
	return signed, nil
}

// Verify - 서명, 만료, 용도, subject 검증
func (i *Issuer) Verify(token string) (*Claims, error) {
	if token == "" {
		return nil, ErrInvalidToken
	}

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims,
		func(t *jwt.Token) (interface{}, error) { return i.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Subject == "" || !claims.Purpose.Valid() {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
