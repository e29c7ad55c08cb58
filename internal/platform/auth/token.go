package auth

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/ehr/intake/internal/platform/apperr"
)

// Claims are the bearer token claims. Subject holds the numeric user id.
type Claims struct {
	jwt.RegisteredClaims
	Role     string `json:"role"`
	Facility string `json:"facility,omitempty"`
}

// SubjectChecker resolves the current role of an active user. ok is false
// when the user is unknown or deactivated.
type SubjectChecker interface {
	ActiveRole(ctx context.Context, subjectID int64) (role Role, ok bool, err error)
}

type VerifierConfig struct {
	SigningKey []byte
	Issuer     string
	Audience   string
}

// Verifier checks HS256 bearer tokens.
type Verifier struct {
	cfg      VerifierConfig
	subjects SubjectChecker
	now      func() time.Time
}

// NewVerifier builds a Verifier. A nil checker trusts the role in the token.
func NewVerifier(cfg VerifierConfig, subjects SubjectChecker) *Verifier {
	return &Verifier{cfg: cfg, subjects: subjects, now: time.Now}
}

// Parse validates signature, expiry, issuer and audience without touching the
// user directory.
func (v *Verifier) Parse(token string) (Principal, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(v.now),
		jwt.WithExpirationRequired(),
	}
	if v.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.cfg.Issuer))
	}
	if v.cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(v.cfg.Audience))
	}

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return v.cfg.SigningKey, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Principal{}, apperr.Unauthorized(apperr.ReasonTokenExpired, "token expired")
		}
		return Principal{}, apperr.Unauthorized(apperr.ReasonTokenInvalid, "invalid token")
	}

	id, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil || id <= 0 {
		return Principal{}, apperr.Unauthorized(apperr.ReasonTokenInvalid, "invalid token subject")
	}
	role, err := ParseRole(claims.Role)
	if err != nil {
		return Principal{}, apperr.Unauthorized(apperr.ReasonTokenInvalid, "invalid token role")
	}
	return Principal{SubjectID: id, Role: role, Facility: claims.Facility}, nil
}

// CheckSubject confirms the subject is still active and refreshes its role
// from the directory.
func (v *Verifier) CheckSubject(ctx context.Context, p Principal) (Principal, error) {
	if v.subjects == nil {
		return p, nil
	}
	role, ok, err := v.subjects.ActiveRole(ctx, p.SubjectID)
	if err != nil {
		return Principal{}, err
	}
	if !ok {
		return Principal{}, apperr.Unauthorized(apperr.ReasonUnknownSubject, "user not found or inactive")
	}
	p.Role = role
	return p, nil
}

// Verify parses token and checks its subject.
func (v *Verifier) Verify(ctx context.Context, token string) (Principal, error) {
	p, err := v.Parse(token)
	if err != nil {
		return Principal{}, err
	}
	return v.CheckSubject(ctx, p)
}

// Issue signs a token for p valid for ttl.
func (v *Verifier) Issue(p Principal, ttl time.Duration) (string, error) {
	now := v.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(p.SubjectID, 10),
			Issuer:    v.cfg.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Role:     string(p.Role),
		Facility: p.Facility,
	}
	if v.cfg.Audience != "" {
		claims.Audience = jwt.ClaimStrings{v.cfg.Audience}
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.cfg.SigningKey)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}
