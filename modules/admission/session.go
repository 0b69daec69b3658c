package admission

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"quel-gen-server/modules/common/model"
)

// ErrInvalidSession - 세션 토큰이 있는데 검증 실패
var ErrInvalidSession = errors.New("admission: invalid session token")

// SessionClaims - 로그인 세션 토큰 내용
type SessionClaims struct {
	UserID string     `json:"user_id"`
	Tier   model.Tier `json:"tier"`
	jwt.RegisteredClaims
}

// Sessions - Authorization 헤더에서 요청자 식별
type Sessions struct {
	secret  []byte
	proxies []*net.IPNet
}

// SessionOption configures Sessions.
type SessionOption func(*Sessions)

// WithTrustedProxies - 이 주소(IP 또는 CIDR)에서 온 요청만 X-Forwarded-For / X-Real-IP를 믿음
func WithTrustedProxies(addrs ...string) SessionOption {
	return func(s *Sessions) {
		for _, addr := range addrs {
			if _, network, err := net.ParseCIDR(addr); err == nil {
				s.proxies = append(s.proxies, network)
				continue
			}
			ip := net.ParseIP(addr)
			if ip == nil {
				continue
			}
			bits := 128
			if v4 := ip.To4(); v4 != nil {
				ip, bits = v4, 32
			}
			s.proxies = append(s.proxies, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
		}
	}
}

// NewSessions - Sessions 생성
func NewSessions(secret string, opts ...SessionOption) *Sessions {
	s := &Sessions{secret: []byte(secret)}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Sign - 세션 토큰 서명 (테스트 및 내부 도구용)
func (s *Sessions) Sign(claims SessionClaims) (string, error) {
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// Actor - 토큰이 없으면 익명(IP), 있으면 검증된 유저
func (s *Sessions) Actor(r *http.Request) (model.Actor, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return model.Actor{Tier: model.TierAnonymous, IP: s.ClientIP(r)}, nil
	}

	const bearerPrefix = "Bearer "
	if !strings.HasPrefix(header, bearerPrefix) {
		return model.Actor{}, ErrInvalidSession
	}

	var claims SessionClaims
	_, err := jwt.ParseWithClaims(strings.TrimPrefix(header, bearerPrefix), &claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil || claims.UserID == "" {
		return model.Actor{}, ErrInvalidSession
	}

	tier := claims.Tier
	if tier != model.TierPremium {
		tier = model.TierFree
	}
	return model.Actor{Tier: tier, UserID: claims.UserID}, nil
}

// ClientIP - 요청자 IP. 믿을 수 있는 프록시를 거친 경우에만 forwarded 헤더를 보고,
// X-Forwarded-For는 오른쪽부터 처음 나오는 신뢰하지 않는 주소를 씀
func (s *Sessions) ClientIP(r *http.Request) string {
	peer, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		peer = r.RemoteAddr
	}
	if !s.trusted(peer) {
		return peer
	}

	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		hops := strings.Split(fwd, ",")
		for i := len(hops) - 1; i >= 0; i-- {
			hop := strings.TrimSpace(hops[i])
			if net.ParseIP(hop) == nil {
				break
			}
			if !s.trusted(hop) {
				return hop
			}
		}
	}
	if real := strings.TrimSpace(r.Header.Get("X-Real-IP")); net.ParseIP(real) != nil {
		return real
	}
	return peer
}

func (s *Sessions) trusted(addr string) bool {
	ip := net.ParseIP(addr)
	if ip == nil {
		return false
	}
	for _, network := range s.proxies {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}
