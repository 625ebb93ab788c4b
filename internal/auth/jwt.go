package auth

import (
	"crypto/rsa"
	"errors"
	"os"
	"strings"
	"time"

	"github.com/cwrk-planet/messenger/internal/domain"

	"github.com/golang-jwt/jwt"
)

var (
	ErrInvalidToken    = errors.New("invalid token")
	ErrInvalidIssuer   = errors.New("invalid issuer")
	ErrInvalidAudience = errors.New("invalid audience")
	ErrTokenExpired    = errors.New("token expired or not valid yet")
	ErrInvalidSubject  = errors.New("invalid subject")
)

// Claims — стандартные клеймы плюс id: часть выпускающих сервисов кладёт пользователя туда, а не в sub.
type Claims struct {
	jwt.StandardClaims
	UserID string `json:"id,omitempty"`
}

// Verifier проверяет access-токены: HS256 по общему секрету или RS256 по публичному ключу.
type Verifier struct {
	method    jwt.SigningMethod
	key       any
	issuer    string
	audience  string
	clockSkew time.Duration
	now       func() time.Time
}

type Options struct {
	Issuer    string // пусто: не проверяется
	Audience  string // пусто: не проверяется
	ClockSkew time.Duration
}

func NewHS256(secret string, o Options) *Verifier {
	return &Verifier{
		method:    jwt.SigningMethodHS256,
		key:       []byte(secret),
		issuer:    o.Issuer,
		audience:  o.Audience,
		clockSkew: o.ClockSkew,
		now:       time.Now,
	}
}

func NewRS256(public *rsa.PublicKey, o Options) *Verifier {
	return &Verifier{
		method:    jwt.SigningMethodRS256,
		key:       public,
		issuer:    o.Issuer,
		audience:  o.Audience,
		clockSkew: o.ClockSkew,
		now:       time.Now,
	}
}

func LoadRSAPublicKeyFromPEM(path string) (*rsa.PublicKey, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return jwt.ParseRSAPublicKeyFromPEM(b)
}

// Verify возвращает пользователя из sub (или id) валидного токена.
func (v *Verifier) Verify(tokenStr string) (domain.UserID, error) {
	tokenStr = strings.TrimSpace(tokenStr)
	if tokenStr == "" {
		return "", ErrInvalidToken
	}

	// временные клеймы проверяем сами, с допуском clockSkew
	p := &jwt.Parser{ValidMethods: []string{v.method.Alg()}, SkipClaimsValidation: true}
	claims := &Claims{}
	token, err := p.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
		if t.Method.Alg() != v.method.Alg() {
			return nil, ErrInvalidToken
		}
		return v.key, nil
	})
	if err != nil || !token.Valid {
		return "", ErrInvalidToken
	}

	if v.issuer != "" && !claims.VerifyIssuer(v.issuer, true) {
		return "", ErrInvalidIssuer
	}
	if v.audience != "" && !claims.VerifyAudience(v.audience, true) {
		return "", ErrInvalidAudience
	}

	now := v.now()
	if claims.ExpiresAt == 0 || now.After(time.Unix(claims.ExpiresAt, 0).Add(v.clockSkew)) {
		return "", ErrTokenExpired
	}
	if claims.NotBefore != 0 && now.Before(time.Unix(claims.NotBefore, 0).Add(-v.clockSkew)) {
		return "", ErrTokenExpired
	}

	id := claims.Subject
	if id == "" {
		id = claims.UserID
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return "", ErrInvalidSubject
	}
	return domain.UserID(id), nil
}

// SignHS256 выпускает токен с sub=userID; для локальной разработки и тестов.
func SignHS256(secret string, userID domain.UserID, issuer string, ttl time.Duration, now time.Time) (string, error) {
	claims := Claims{
		StandardClaims: jwt.StandardClaims{
			Subject:   string(userID),
			Issuer:    issuer,
			IssuedAt:  now.Unix(),
			NotBefore: now.Unix(),
			ExpiresAt: now.Add(ttl).Unix(),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
