package auth

import (
	"crypto/subtle"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// Username is the fixed HTTP Basic user name; only the password is checked
const Username = "phantom"

// Guard checks the shared access password. A Guard built from an empty
// password lets every request through.
type Guard struct {
	hash []byte
}

// NewGuard accepts a plaintext password or an existing bcrypt hash
func NewGuard(password string) (*Guard, error) {
	if password == "" {
		return &Guard{}, nil
	}
	if isHashedPassword(password) {
		if _, err := bcrypt.Cost([]byte(password)); err != nil {
			return nil, fmt.Errorf("invalid bcrypt hash for access password: %w", err)
		}
		return &Guard{hash: []byte(password)}, nil
	}

	hash, err := hashPassword(password)
	if err != nil {
		return nil, fmt.Errorf("failed to hash access password: %w", err)
	}
	return &Guard{hash: []byte(hash)}, nil
}

// Enabled reports whether a password is required
func (g *Guard) Enabled() bool {
	return g != nil && len(g.hash) > 0
}

// Verify checks HTTP Basic credentials
func (g *Guard) Verify(username, password string) bool {
	if !g.Enabled() {
		return true
	}
	if subtle.ConstantTimeCompare([]byte(username), []byte(Username)) != 1 {
		return false
	}
	return bcrypt.CompareHashAndPassword(g.hash, []byte(password)) == nil
}

// hashPassword hashes a plaintext password using bcrypt
func hashPassword(password string) (string, error) {
	// Use cost factor 12 for good security/performance balance
	hash, err := bcrypt.GenerateFromPassword([]byte(password), 12)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// isHashedPassword checks if a password string is already hashed
func isHashedPassword(password string) bool {
	// bcrypt hashes have a specific format: $2a$, $2b$, $2x$, or $2y$ followed by cost and salt
	return len(password) >= 4 &&
		password[0] == '$' &&
		password[1] == '2' &&
		(password[2] == 'a' || password[2] == 'b' || password[2] == 'x' || password[2] == 'y') &&
		password[3] == '$'
}
