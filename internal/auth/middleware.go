package auth

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"
)

const (
	tokenIssuer       = "deployment-relay"
	defaultExpiration = 12 * time.Hour
	contextKeyUser    = "user"
)

// Role constants
const (
	RoleAdmin    = "admin"
	RoleApprover = "approver"
	RoleViewer   = "viewer"
)

// User is an authenticated operator.
type User struct {
	ID    string   `json:"id"`
	Email string   `json:"email"`
	Name  string   `json:"name"`
	Roles []string `json:"roles"`
}

func (u *User) HasRole(role string) bool {
	return slices.Contains(u.Roles, role)
}

// Claims extends JWT standard claims
type Claims struct {
	User User `json:"user"`
	jwt.RegisteredClaims
}

// Config holds auth configuration
type Config struct {
	JWTSecret       string
	TokenExpiration time.Duration
	// RequireAuth off lets every operator request through unauthenticated.
	RequireAuth bool
	// Users uses the EMAIL:PASSWORD:NAME:ROLES;... format.
	Users string
}

// Manager issues and checks operator tokens.
type Manager struct {
	config Config
	secret []byte
	users  []account
}

func NewManager(config Config) (*Manager, error) {
	if config.TokenExpiration <= 0 {
		config.TokenExpiration = defaultExpiration
	}

	secret := config.JWTSecret
	if secret == "" {
		b := make([]byte, 32)
		if _, err := rand.Read(b); err != nil {
			return nil, fmt.Errorf("generate jwt secret: %w", err)
		}
		secret = base64.StdEncoding.EncodeToString(b)
		if config.RequireAuth {
			log.Warn().Msg("using generated JWT secret, tokens will not survive a restart; set AUTH_JWT_SECRET")
		}
	}

	users, err := parseUsers(config.Users)
	if err != nil {
		return nil, err
	}
	if config.RequireAuth && len(users) == 0 {
		return nil, fmt.Errorf("auth required but no users configured")
	}

	return &Manager{
		config: config,
		secret: []byte(secret),
		users:  users,
	}, nil
}

// Required reports whether operator requests must carry a token.
func (m *Manager) Required() bool {
	return m.config.RequireAuth
}

// Middleware rejects requests without a valid bearer token when auth is
// required.
func (m *Manager) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !m.config.RequireAuth {
				return next(c)
			}

			authHeader := c.Request().Header.Get(echo.HeaderAuthorization)
			if authHeader == "" {
				return c.JSON(http.StatusUnauthorized, map[string]string{
					"error": "Missing authorization header",
				})
			}

			parts := strings.Split(authHeader, " ")
			if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
				return c.JSON(http.StatusUnauthorized, map[string]string{
					"error": "Invalid authorization header format",
				})
			}

			user, err := m.ValidateToken(parts[1])
			if err != nil {
				return c.JSON(http.StatusUnauthorized, map[string]string{
					"error": fmt.Sprintf("Invalid token: %v", err),
				})
			}

			c.Set(contextKeyUser, user)
			return next(c)
		}
	}
}

// RequireRole returns middleware that checks for a specific role. It is a
// no-op when auth is not required.
func (m *Manager) RequireRole(role string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !m.config.RequireAuth {
				return next(c)
			}

			user := GetUserFromContext(c)
			if user == nil {
				return c.JSON(http.StatusUnauthorized, map[string]string{
					"error": "Authentication required",
				})
			}

			if !user.HasRole(role) && !user.HasRole(RoleAdmin) {
				log.Warn().Str("email", user.Email).Str("role", role).Msg("operator lacks role")
				return c.JSON(http.StatusForbidden, map[string]string{
					"error": fmt.Sprintf("Role '%s' required", role),
				})
			}

			return next(c)
		}
	}
}

// GenerateToken creates JWT for user
func (m *Manager) GenerateToken(user User) (string, error) {
	now := time.Now()

	claims := &Claims{
		User: user,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID,
			ExpiresAt: jwt.NewNumericDate(now.Add(m.config.TokenExpiration)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    tokenIssuer,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(m.secret)
}

// ValidateToken verifies JWT and returns user
func (m *Manager) ValidateToken(tokenString string) (*User, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return m.secret, nil
	}, jwt.WithIssuer(tokenIssuer))
	if err != nil {
		return nil, err
	}

	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	return &claims.User, nil
}

// GetUserFromContext extracts user from Echo context
func GetUserFromContext(c echo.Context) *User {
	if user, ok := c.Get(contextKeyUser).(*User); ok {
		return user
	}
	return nil
}
