// Package authstub is a minimal bearer-credential check for the demo
// HTTP layer in cmd/broker. Token authentication is an external
// collaborator per spec §1 — the Terminal Multiplexer core never
// imports this package — but the broker binary still needs some check
// in front of Attach/Create/Kill, and the teacher already carries a
// bcrypt-backed credential file for exactly this purpose.
//
// Grounded in auth/password_file.go: the bcrypt hashing and the
// plaintext-to-hash auto-migration on first load, stripped of the
// cookie-session and fail2ban machinery that belonged to the teacher's
// separate login UI (not part of this spec; see DESIGN.md).
package authstub

import (
	"encoding/json"
	"fmt"
	"os"

	"golang.org/x/crypto/bcrypt"
)

// Credentials is the on-disk shape of the credentials file.
type Credentials struct {
	Token     string `json:"token,omitempty"`      // legacy plaintext, auto-migrated
	TokenHash string `json:"token_hash,omitempty"`
}

// Checker validates a bearer token against a bcrypt hash loaded once at
// startup.
type Checker struct {
	hash string
}

// Load reads path, hashing and rewriting a legacy plaintext token in
// place exactly as the teacher's LoadCredentials auto-migrates a
// plaintext password.
func Load(path string) (*Checker, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("authstub: read %s: %w", path, err)
	}

	var creds Credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return nil, fmt.Errorf("authstub: parse %s: %w", path, err)
	}

	if creds.TokenHash != "" {
		return &Checker{hash: creds.TokenHash}, nil
	}

	if creds.Token == "" {
		return nil, fmt.Errorf("authstub: %s has neither token nor token_hash", path)
	}

	hashed, err := bcrypt.GenerateFromPassword([]byte(creds.Token), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("authstub: hash token: %w", err)
	}
	creds.TokenHash = string(hashed)
	creds.Token = ""

	if out, err := json.MarshalIndent(creds, "", "  "); err == nil {
		_ = os.WriteFile(path, out, 0600)
	}

	return &Checker{hash: creds.TokenHash}, nil
}

// Check reports whether token matches the loaded hash.
// bcrypt.CompareHashAndPassword is constant-time in the password bytes.
func (c *Checker) Check(token string) bool {
	if len(token) == 0 {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(c.hash), []byte(token)) == nil
}
