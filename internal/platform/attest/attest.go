// Package attest signs run snapshots so a published Star Rating can be
// traced back to the exact input and catalog that produced it.
package attest

import (
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	DefaultIssuer = "stars-engine"
	minKeyBytes   = 32
)

// ErrInvalid is returned for any token that fails verification.
var ErrInvalid = errors.New("invalid attestation")

// Subject is what gets attested.
type Subject struct {
	RunID           string
	Fingerprint     string
	CatalogVersion  string
	MeasurementYear int
	Provisional     bool
	StarRating      *float64
}

// Claims is the token payload.
type Claims struct {
	jwt.RegisteredClaims
	Fingerprint     string   `json:"fingerprint"`
	CatalogVersion  string   `json:"catalog_version"`
	MeasurementYear int      `json:"measurement_year"`
	Provisional     bool     `json:"provisional"`
	StarRating      *float64 `json:"star_rating,omitempty"`
}

// Signer issues and verifies HS256 attestations.
type Signer struct {
	key    []byte
	issuer string
	now    func() time.Time
}

// NewSigner decodes a hex HMAC key of at least 32 bytes.
func NewSigner(hexKey, issuer string) (*Signer, error) {
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("decode attestation key: %w", err)
	}
	if len(key) < minKeyBytes {
		return nil, fmt.Errorf("attestation key must be at least %d bytes, got %d", minKeyBytes, len(key))
	}
	if issuer == "" {
		issuer = DefaultIssuer
	}
	return &Signer{key: key, issuer: issuer, now: time.Now}, nil
}

// Sign returns a compact JWT over the subject. The run id is the token
// subject.
func (s *Signer) Sign(sub Subject) (string, error) {
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:   s.issuer,
			Subject:  sub.RunID,
			IssuedAt: jwt.NewNumericDate(s.now()),
		},
		Fingerprint:     sub.Fingerprint,
		CatalogVersion:  sub.CatalogVersion,
		MeasurementYear: sub.MeasurementYear,
		Provisional:     sub.Provisional,
		StarRating:      sub.StarRating,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("sign attestation: %w", err)
	}
	return signed, nil
}

// Verify checks signature and issuer and returns the claims.
func (s *Signer) Verify(token string) (*Claims, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return s.key, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithIssuer(s.issuer))
	if err != nil || !parsed.Valid {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return claims, nil
}

// Matches reports whether verified claims cover the given run and input.
func (c *Claims) Matches(runID, fingerprint string) bool {
	return c.Subject == runID && c.Fingerprint == fingerprint
}
