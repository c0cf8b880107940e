package store

import (
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/text/unicode/norm"
)

// Lowered in tests.
var bcryptCost = bcrypt.DefaultCost

// HashPassword returns a bcrypt hash of the NFC-normalized password.
func HashPassword(password string) (string, error) {
	buf, err := bcrypt.GenerateFromPassword([]byte(norm.NFC.String(password)), bcryptCost)
	if err != nil {
		return "", err
	}
	return string(buf), nil
}

// CheckPassword returns whether password matches the credential hash of u.
// Users without hash never match.
func CheckPassword(u User, password string) bool {
	if u.CredentialHash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(u.CredentialHash), []byte(norm.NFC.String(password))) == nil
}
