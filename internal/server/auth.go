package server

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt"
	"github.com/labstack/echo/v4"

	"chatrelay/internal/config"
)

const tokenLifetime = 24 * time.Hour

var errInvalidCredentials = errors.New("invalid credentials")

// authService mints and validates bearer tokens for the static user
// table. Chat itself stays open to guests; tokens only carry identity.
type authService struct {
	secret []byte
	users  map[string]string
}

func newAuthService(cfg config.AuthConfig) *authService {
	return &authService{
		secret: []byte(cfg.Secret),
		users:  cfg.Users,
	}
}

func (a *authService) login(username, password string) (string, error) {
	stored, ok := a.users[username]
	if !ok || stored != password {
		return "", errInvalidCredentials
	}

	claims := jwt.MapClaims{
		"sub": username,
		"iat": time.Now().Unix(),
		"exp": time.Now().Add(tokenLifetime).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)

	signed, err := token.SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

func (a *authService) verify(tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("parse token: %w", err)
	}
	if !token.Valid {
		return "", errors.New("token is not valid")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", errors.New("unexpected token claims")
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return "", errors.New("token has no subject")
	}
	return sub, nil
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (s *Server) handleLogin(c echo.Context) error {
	var req loginRequest
	if err := decodeRequestBody(c, &req); err != nil {
		return err
	}

	token, err := s.auth.login(req.Username, req.Password)
	if err != nil {
		return requestError{
			Status:  http.StatusUnauthorized,
			Message: "invalid username or password",
			Type:    "auth_error",
		}
	}

	return c.JSON(http.StatusOK, map[string]string{
		"token": token,
		"user":  req.Username,
	})
}

func (s *Server) handleVerify(c echo.Context) error {
	header := c.Request().Header.Get(echo.HeaderAuthorization)
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || strings.TrimSpace(token) == "" {
		return requestError{
			Status:  http.StatusUnauthorized,
			Message: "missing bearer credential",
			Type:    "auth_error",
		}
	}

	user, err := s.auth.verify(strings.TrimSpace(token))
	if err != nil {
		return requestError{
			Status:  http.StatusUnauthorized,
			Message: "bearer credential is not valid",
			Type:    "auth_error",
		}
	}

	return c.JSON(http.StatusOK, map[string]any{
		"valid": true,
		"user":  user,
	})
}
