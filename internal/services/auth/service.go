// Package auth implements Google sign-in, JWT session issuance and
// revocation, and the shared failed-attempt lockout.
package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/specboard/specboard/internal/cache"
	"github.com/specboard/specboard/internal/config"
	"github.com/specboard/specboard/internal/domain/user"
	"github.com/specboard/specboard/internal/errors"
	"github.com/specboard/specboard/internal/logging"
	"github.com/specboard/specboard/internal/storage"
)

// GoogleClaims is the identity asserted by a verified Google ID token.
type GoogleClaims struct {
	Subject string
	Email   string
	Name    string
}

// GoogleVerifier validates a Google ID token and returns its identity claims.
type GoogleVerifier interface {
	Verify(ctx context.Context, idToken string) (GoogleClaims, error)
}

// Claims are the session JWT claims.
type Claims struct {
	UserID string `json:"user_id"`
	Email  string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// Service handles authentication, session tokens and lockout tracking.
type Service struct {
	users    storage.UserStore
	verifier GoogleVerifier
	cache    cache.Cache
	cfg      config.AuthConfig
	prefix   string
	logger   *logging.Logger
	now      func() time.Time
}

// New creates the auth service.
func New(users storage.UserStore, verifier GoogleVerifier, c cache.Cache, cfg config.AuthConfig, keyPrefix string, logger *logging.Logger) *Service {
	return &Service{
		users:    users,
		verifier: verifier,
		cache:    c,
		cfg:      cfg,
		prefix:   keyPrefix,
		logger:   logger,
		now:      time.Now,
	}
}

// Session is an issued token plus the user it belongs to.
type Session struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	User      user.User `json:"user"`
}

// Authenticate verifies a Google ID token, provisions or refreshes the user
// record, and issues a session JWT. Failed verifications count toward the
// caller's lockout window.
func (s *Service) Authenticate(ctx context.Context, idToken, callerKey string) (Session, error) {
	if strings.TrimSpace(idToken) == "" {
		return Session{}, errors.Validation("token is required")
	}

	if err := s.checkLockout(ctx, callerKey); err != nil {
		return Session{}, err
	}

	claims, err := s.verifier.Verify(ctx, idToken)
	if err != nil {
		s.recordFailure(ctx, callerKey)
		s.logger.LogSecurityEvent(ctx, "google_token_rejected", map[string]interface{}{
			"caller": callerKey,
		})
		return Session{}, errors.Unauthorized("google token verification failed")
	}
	s.clearFailures(ctx, callerKey)

	u, err := s.provision(ctx, claims)
	if err != nil {
		return Session{}, errors.Internal("provision user", err)
	}

	token, expiresAt, err := s.issueToken(u)
	if err != nil {
		return Session{}, errors.Internal("issue session token", err)
	}

	s.logger.LogSecurityEvent(ctx, "user_authenticated", map[string]interface{}{
		"user_id": u.ID,
	})
	return Session{Token: token, ExpiresAt: expiresAt, User: u}, nil
}

// provision finds the user by Google subject, creating or refreshing the
// record as needed.
func (s *Service) provision(ctx context.Context, claims GoogleClaims) (user.User, error) {
	u, err := s.users.GetUserByGoogleID(ctx, claims.Subject)
	if err != nil {
		if err != storage.ErrNotFound {
			return user.User{}, err
		}
		fresh := user.User{GoogleID: claims.Subject, Email: claims.Email, Name: claims.Name}
		if err := fresh.Validate(); err != nil {
			return user.User{}, err
		}
		return s.users.CreateUser(ctx, fresh)
	}

	if u.Email != claims.Email || u.Name != claims.Name {
		u.Email = claims.Email
		u.Name = claims.Name
		return s.users.UpdateUser(ctx, u)
	}
	return u, nil
}

func (s *Service) issueToken(u user.User) (string, time.Time, error) {
	now := s.now().UTC()
	expiresAt := now.Add(s.cfg.TokenTTL())

	claims := Claims{
		UserID: u.ID,
		Email:  u.Email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   u.ID,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(s.cfg.JWTSecret))
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

// ValidateToken parses and verifies a session JWT, rejecting revoked tokens.
func (s *Service) ValidateToken(ctx context.Context, tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.InvalidToken(nil).WithDetails("method", token.Header["alg"])
		}
		return []byte(s.cfg.JWTSecret), nil
	})
	if err != nil {
		return nil, errors.InvalidToken(err)
	}
	if !token.Valid {
		return nil, errors.InvalidToken(nil)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok {
		return nil, errors.InvalidToken(nil)
	}

	revoked, err := s.cache.Get(ctx, s.revocationKey(tokenString))
	if err != nil {
		return nil, errors.Internal("check token revocation", err)
	}
	if revoked != "" {
		return nil, errors.InvalidToken(nil).WithDetails("reason", "token revoked")
	}
	return claims, nil
}

// Logout revokes the session token for its remaining lifetime.
func (s *Service) Logout(ctx context.Context, tokenString string) error {
	claims, err := s.ValidateToken(ctx, tokenString)
	if err != nil {
		return err
	}

	ttl := time.Until(claims.ExpiresAt.Time)
	if ttl <= 0 {
		return nil
	}
	if err := s.cache.Set(ctx, s.revocationKey(tokenString), "revoked", ttl); err != nil {
		return errors.Internal("revoke token", err)
	}
	s.logger.LogSecurityEvent(ctx, "user_logged_out", map[string]interface{}{
		"user_id": claims.UserID,
	})
	return nil
}

// GetUser returns the profile for an authenticated user id.
func (s *Service) GetUser(ctx context.Context, userID string) (user.User, error) {
	u, err := s.users.GetUser(ctx, userID)
	if err != nil {
		if err == storage.ErrNotFound {
			return user.User{}, errors.NotFound("user", userID)
		}
		return user.User{}, errors.Internal("load user", err)
	}
	return u, nil
}

// Tokens are revoked by digest so the raw JWT never reaches the shared store.
func (s *Service) revocationKey(tokenString string) string {
	sum := sha256.Sum256([]byte(tokenString))
	return cache.Key(s.prefix, "revoked", hex.EncodeToString(sum[:]))
}

func (s *Service) lockoutKey(callerKey string) string {
	return cache.Key(s.prefix, "login_attempts", callerKey)
}

func (s *Service) checkLockout(ctx context.Context, callerKey string) error {
	val, err := s.cache.Get(ctx, s.lockoutKey(callerKey))
	if err != nil {
		return errors.Internal("check lockout", err)
	}
	if val == "" {
		return nil
	}
	var count int
	if _, err := fmt.Sscanf(val, "%d", &count); err != nil {
		return nil
	}
	if count >= s.cfg.MaxFailedAttempts {
		s.logger.LogSecurityEvent(ctx, "login_lockout_active", map[string]interface{}{
			"caller": callerKey,
		})
		return errors.AuthLockout(s.cfg.LockoutWindow().String())
	}
	return nil
}

func (s *Service) recordFailure(ctx context.Context, callerKey string) {
	if _, err := s.cache.Incr(ctx, s.lockoutKey(callerKey), s.cfg.LockoutWindow()); err != nil {
		s.logger.WithContext(ctx).WithError(err).Warn("record failed login attempt")
	}
}

func (s *Service) clearFailures(ctx context.Context, callerKey string) {
	if err := s.cache.Del(ctx, s.lockoutKey(callerKey)); err != nil {
		s.logger.WithContext(ctx).WithError(err).Warn("clear failed login attempts")
	}
}

// --- Google verification ----------------------------------------------------

const tokenInfoEndpoint = "https://oauth2.googleapis.com/tokeninfo"

// HTTPGoogleVerifier validates ID tokens against Google's tokeninfo endpoint.
type HTTPGoogleVerifier struct {
	clientID string
	client   *http.Client
}

var _ GoogleVerifier = (*HTTPGoogleVerifier)(nil)

// NewHTTPGoogleVerifier creates a verifier for the given OAuth client id.
func NewHTTPGoogleVerifier(clientID string) *HTTPGoogleVerifier {
	return &HTTPGoogleVerifier{
		clientID: clientID,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

func (v *HTTPGoogleVerifier) Verify(ctx context.Context, idToken string) (GoogleClaims, error) {
	endpoint := tokenInfoEndpoint + "?id_token=" + url.QueryEscape(idToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return GoogleClaims{}, err
	}

	resp, err := v.client.Do(req)
	if err != nil {
		return GoogleClaims{}, fmt.Errorf("tokeninfo request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return GoogleClaims{}, fmt.Errorf("tokeninfo rejected token: status %d", resp.StatusCode)
	}

	var payload struct {
		Aud     string `json:"aud"`
		Sub     string `json:"sub"`
		Email   string `json:"email"`
		Name    string `json:"name"`
		ExpUnix string `json:"exp"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return GoogleClaims{}, fmt.Errorf("decode tokeninfo response: %w", err)
	}
	if v.clientID != "" && payload.Aud != v.clientID {
		return GoogleClaims{}, fmt.Errorf("token audience mismatch")
	}
	if payload.Sub == "" {
		return GoogleClaims{}, fmt.Errorf("tokeninfo response missing subject")
	}
	return GoogleClaims{Subject: payload.Sub, Email: payload.Email, Name: payload.Name}, nil
}
