package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aman-churiwal/tier-gate/internal/models"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUserExists         = errors.New("user with this email already exists")
	ErrInvalidToken       = errors.New("invalid token")
)

// UserStore is the subset of the user repository the auth service needs.
type UserStore interface {
	Create(ctx context.Context, user *models.User) error
	FindByEmail(ctx context.Context, email string) (*models.User, error)
	FindByID(ctx context.Context, id string) (*models.User, error)
	TouchLastLogin(ctx context.Context, id string, at time.Time) error
}

// Claims carried by tokens this service issues and accepts. Console tokens
// set Role; caller tokens set Wallet and optionally an explicit Tier.
type Claims struct {
	UserID string `json:"user_id,omitempty"`
	Email  string `json:"email,omitempty"`
	Role   string `json:"role,omitempty"`
	Wallet string `json:"wallet,omitempty"`
	Tier   string `json:"tier,omitempty"`
	jwt.RegisteredClaims
}

type AuthService struct {
	repo      UserStore
	jwtSecret []byte // Stored in env (JWT_SECRET)
	jwtExpiry time.Duration
	logger    *zap.Logger
	now       func() time.Time
}

func NewAuthService(repo UserStore, secret string, expiryHours int, logger *zap.Logger) *AuthService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AuthService{
		repo:      repo,
		jwtSecret: []byte(secret),
		jwtExpiry: time.Duration(expiryHours) * time.Hour,
		logger:    logger,
		now:       time.Now,
	}
}

// Creates a new console user
func (s *AuthService) Register(ctx context.Context, email, password, name, role string) (*models.User, error) {
	existingUser, err := s.repo.FindByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	if existingUser != nil {
		return nil, ErrUserExists
	}

	if role != models.RoleAdmin && role != models.RoleOperator {
		return nil, fmt.Errorf("unknown role %q", role)
	}

	hashedPassword, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	user := &models.User{
		Email:        email,
		PasswordHash: string(hashedPassword),
		Name:         name,
		Role:         role,
	}
	if err := s.repo.Create(ctx, user); err != nil {
		return nil, err
	}

	s.logger.Info("console user registered", zap.String("email", email), zap.String("role", role))
	return user, nil
}

// Authenticates a console user and returns a signed token
func (s *AuthService) Login(ctx context.Context, email, password string) (string, error) {
	user, err := s.repo.FindByEmail(ctx, email)
	if err != nil {
		return "", err
	}
	if user == nil {
		return "", ErrInvalidCredentials
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return "", ErrInvalidCredentials
	}

	token, err := s.IssueToken(Claims{
		UserID: user.ID.String(),
		Email:  user.Email,
		Role:   user.Role,
	})
	if err != nil {
		return "", err
	}

	if err := s.repo.TouchLastLogin(ctx, user.ID.String(), s.now()); err != nil {
		s.logger.Warn("failed to record login time", zap.String("user_id", user.ID.String()), zap.Error(err))
	}

	return token, nil
}

// IssueToken signs claims with the service secret. Expiry and issue time are
// filled in.
func (s *AuthService) IssueToken(claims Claims) (string, error) {
	now := s.now()
	claims.IssuedAt = jwt.NewNumericDate(now)
	claims.ExpiresAt = jwt.NewNumericDate(now.Add(s.jwtExpiry))

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(s.jwtSecret)
	if err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}

	return tokenString, nil
}

// Validates a token and returns its claims
func (s *AuthService) ValidateToken(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	}, jwt.WithTimeFunc(s.now))

	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}

	return claims, nil
}

// Retrieves a console user by ID
func (s *AuthService) GetUserByID(ctx context.Context, id string) (*models.User, error) {
	return s.repo.FindByID(ctx, id)
}
