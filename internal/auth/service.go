package auth

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"collectbot/internal/apperr"
	"collectbot/internal/models"
)

// UserSource resolves the users tokens are issued for.
type UserSource interface {
	GetByID(ctx context.Context, id int64) (*models.User, error)
	GetByEmail(ctx context.Context, email string) (*models.User, error)
	GetByUsername(ctx context.Context, name string) (*models.User, error)
}

// Token is the login response body.
type Token struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
}

// Claims carried by an access token.
type Claims struct {
	UserName string `json:"userName"`
	jwt.RegisteredClaims
}

// Service issues and validates stateless access tokens. There is no revocation list;
// a token lives until it expires.
type Service struct {
	users      UserSource
	secret     []byte
	method     jwt.SigningMethod
	tokenTTL   time.Duration
	headerName string
	queryParam string
	now        func() time.Time
}

// NewService constructs an auth service signing with secret under algorithm
// (HS256, HS384 or HS512).
func NewService(users UserSource, secret, algorithm string, ttl time.Duration) (*Service, error) {
	if users == nil {
		return nil, errors.New("user source required")
	}
	if secret == "" {
		return nil, errors.New("token secret required")
	}
	var method jwt.SigningMethod
	switch strings.ToUpper(strings.TrimSpace(algorithm)) {
	case "", "HS256":
		method = jwt.SigningMethodHS256
	case "HS384":
		method = jwt.SigningMethodHS384
	case "HS512":
		method = jwt.SigningMethodHS512
	default:
		return nil, fmt.Errorf("unsupported token algorithm %q", algorithm)
	}
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &Service{
		users:      users,
		secret:     []byte(secret),
		method:     method,
		tokenTTL:   ttl,
		headerName: "Authorization",
		queryParam: "access_token",
		now:        time.Now,
	}, nil
}

// Authenticate checks the credentials of a user identified by email or username and
// issues a bearer token.
func (s *Service) Authenticate(ctx context.Context, login, password string) (*Token, error) {
	user, err := s.resolveLogin(ctx, login)
	if err != nil {
		return nil, err
	}
	if user.Password == "" || bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(password)) != nil {
		return nil, fmt.Errorf("%w: incorrect password", apperr.ErrInvalidCredentials)
	}
	signed, err := s.IssueToken(user)
	if err != nil {
		return nil, err
	}
	return &Token{AccessToken: signed, TokenType: "bearer"}, nil
}

func (s *Service) resolveLogin(ctx context.Context, login string) (*models.User, error) {
	login = strings.TrimSpace(login)
	if login == "" {
		return nil, fmt.Errorf("%w: user not found", apperr.ErrInvalidCredentials)
	}
	user, err := s.users.GetByEmail(ctx, login)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, apperr.ErrNotFound) {
		return nil, err
	}
	user, err = s.users.GetByUsername(ctx, login)
	if err == nil {
		return user, nil
	}
	if errors.Is(err, apperr.ErrNotFound) {
		return nil, fmt.Errorf("%w: user not found", apperr.ErrInvalidCredentials)
	}
	return nil, err
}

// IssueToken signs a token for user.
func (s *Service) IssueToken(user *models.User) (string, error) {
	now := s.now()
	claims := Claims{
		UserName: user.UserName,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(user.ID, 10),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.tokenTTL)),
		},
	}
	signed, err := jwt.NewWithClaims(s.method, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("%w: sign token: %w", apperr.ErrInternal, err)
	}
	return signed, nil
}

// Authorize validates a bearer token and returns the user it was issued for.
func (s *Service) Authorize(ctx context.Context, token string) (*models.User, error) {
	if token == "" {
		return nil, fmt.Errorf("%w: token required", apperr.ErrUnauthorized)
	}
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims,
		func(*jwt.Token) (interface{}, error) { return s.secret, nil },
		jwt.WithValidMethods([]string{s.method.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid token", apperr.ErrUnauthorized)
	}

	if id, convErr := strconv.ParseInt(claims.Subject, 10, 64); convErr == nil && id > 0 {
		user, err := s.users.GetByID(ctx, id)
		if err == nil {
			return user, nil
		}
		if !errors.Is(err, apperr.ErrNotFound) && !errors.Is(err, apperr.ErrBadRequest) {
			return nil, err
		}
	}
	if claims.UserName != "" {
		user, err := s.users.GetByUsername(ctx, claims.UserName)
		if err == nil {
			return user, nil
		}
		if !errors.Is(err, apperr.ErrNotFound) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("user %w", apperr.ErrNotFound)
}
