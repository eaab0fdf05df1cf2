// Package auth issues and verifies the JWTs used by the control plane: user
// tokens handed to workers for skill downloads, and task tokens for MCP
// authentication.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrInvalidToken is returned for malformed, expired, or mis-signed tokens.
	ErrInvalidToken = errors.New("invalid token")
)

// Manager signs and parses HS256 tokens with a shared secret.
type Manager struct {
	secret       []byte
	userTokenTTL time.Duration
	taskTokenTTL time.Duration
}

// NewManager creates a token manager.
func NewManager(secret string, userTokenTTL, taskTokenTTL time.Duration) *Manager {
	if userTokenTTL == 0 {
		userTokenTTL = 24 * time.Hour
	}
	if taskTokenTTL == 0 {
		taskTokenTTL = 24 * time.Hour
	}
	return &Manager{secret: []byte(secret), userTokenTTL: userTokenTTL, taskTokenTTL: taskTokenTTL}
}

// UserClaims identifies a user session.
type UserClaims struct {
	UserID   string
	UserName string
}

// TaskClaims authorizes one subtask's MCP calls.
type TaskClaims struct {
	TaskID    string
	SubtaskID string
	UserID    string
	UserName  string
}

// MintUserToken issues a user JWT (24h by default) used by workers for
// authenticated downloads.
func (m *Manager) MintUserToken(c UserClaims) (string, error) {
	if len(m.secret) == 0 {
		return "", errors.New("jwt secret not configured")
	}
	claims := jwt.MapClaims{
		"sub":  c.UserID,
		"name": c.UserName,
		"exp":  time.Now().Add(m.userTokenTTL).Unix(),
		"iat":  time.Now().Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
}

// MintTaskToken issues a task-scoped JWT for MCP auth.
func (m *Manager) MintTaskToken(c TaskClaims) (string, error) {
	if len(m.secret) == 0 {
		return "", errors.New("jwt secret not configured")
	}
	claims := jwt.MapClaims{
		"task_id":    c.TaskID,
		"subtask_id": c.SubtaskID,
		"user_id":    c.UserID,
		"user_name":  c.UserName,
		"exp":        time.Now().Add(m.taskTokenTTL).Unix(),
		"iat":        time.Now().Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
}

// VerifyUserToken parses a user JWT, as supplied in socket connect payloads.
func (m *Manager) VerifyUserToken(token string) (*UserClaims, error) {
	claims, err := m.parse(token)
	if err != nil {
		return nil, err
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return nil, ErrInvalidToken
	}
	name, _ := claims["name"].(string)
	return &UserClaims{UserID: sub, UserName: name}, nil
}

// VerifyTaskToken parses a task JWT.
func (m *Manager) VerifyTaskToken(token string) (*TaskClaims, error) {
	claims, err := m.parse(token)
	if err != nil {
		return nil, err
	}
	c := &TaskClaims{}
	c.TaskID, _ = claims["task_id"].(string)
	c.SubtaskID, _ = claims["subtask_id"].(string)
	c.UserID, _ = claims["user_id"].(string)
	c.UserName, _ = claims["user_name"].(string)
	if c.TaskID == "" || c.UserID == "" {
		return nil, ErrInvalidToken
	}
	return c, nil
}

func (m *Manager) parse(token string) (jwt.MapClaims, error) {
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return m.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
