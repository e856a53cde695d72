// Package auth supplies the bearer token the remote backend sends and the
// HS256 issuer used by the cloud simulator. Login itself happens elsewhere.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrNoSession is returned when no token is available.
var ErrNoSession = errors.New("no session")

// TokenSource yields the current bearer token.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a fixed token.
type StaticToken string

func (t StaticToken) Token(context.Context) (string, error) {
	if t == "" {
		return "", ErrNoSession
	}
	return string(t), nil
}

// Claims are the session claims the cloud API issues.
type Claims struct {
	Name           string `json:"name,omitempty"`
	Email          string `json:"email,omitempty"`
	OrganizationID string `json:"org,omitempty"`
	jwt.RegisteredClaims
}

// TokenFile is a saved session token.
type TokenFile struct {
	Token   string `json:"token"`
	Server  string `json:"server,omitempty"`
	Subject string `json:"subject,omitempty"`
}

// FileTokenSource reads the session token from a JSON token file and
// re-reads it when the file changes on disk.
type FileTokenSource struct {
	path string

	mu      sync.Mutex
	modTime time.Time
	token   string
}

// NewFileTokenSource returns a token source backed by path.
func NewFileTokenSource(path string) *FileTokenSource {
	return &FileTokenSource{path: path}
}

func (s *FileTokenSource) Token(context.Context) (string, error) {
	info, err := os.Stat(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", ErrNoSession
		}
		return "", fmt.Errorf("stat token file: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.token != "" && info.ModTime().Equal(s.modTime) {
		return s.token, nil
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		return "", fmt.Errorf("read token file: %w", err)
	}
	var tf TokenFile
	if err := json.Unmarshal(data, &tf); err != nil {
		return "", fmt.Errorf("parse token file: %w", err)
	}
	if tf.Token == "" {
		return "", ErrNoSession
	}
	if claims, err := ParseUnverified(tf.Token); err == nil && Expired(claims, 0) {
		return "", fmt.Errorf("%w: token expired", ErrNoSession)
	}
	s.token = tf.Token
	s.modTime = info.ModTime()
	return s.token, nil
}

// SaveTokenFile writes a token file readable only by the owner.
func SaveTokenFile(path string, tf TokenFile) error {
	data, err := json.MarshalIndent(tf, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// ParseUnverified decodes the claims of token without checking its
// signature. The client only uses them for display and expiry checks; the
// server verifies every request.
func ParseUnverified(token string) (*Claims, error) {
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, fmt.Errorf("parse session token: %w", err)
	}
	return claims, nil
}

// Expired reports whether claims expire within margin.
func Expired(claims *Claims, margin time.Duration) bool {
	if claims.ExpiresAt == nil {
		return false
	}
	return time.Now().Add(margin).After(claims.ExpiresAt.Time)
}

// Issuer signs and verifies HS256 session tokens.
type Issuer struct {
	secret []byte
	ttl    time.Duration
}

// NewIssuer returns an issuer using secret. A zero ttl means 24h.
func NewIssuer(secret string, ttl time.Duration) *Issuer {
	if ttl == 0 {
		ttl = 24 * time.Hour
	}
	return &Issuer{secret: []byte(secret), ttl: ttl}
}

// Issue signs a token for subject.
func (i *Issuer) Issue(subject, name, email, orgID string) (string, error) {
	now := time.Now()
	claims := Claims{
		Name:           name,
		Email:          email,
		OrganizationID: orgID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
}

// Verify checks the signature and expiry of token.
func (i *Issuer) Verify(token string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return i.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}
	return claims, nil
}
