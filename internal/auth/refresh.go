package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"math/big"
	"time"
)

const (
	refreshTokenLength = 64
	RefreshTokenTTL    = 30 * 24 * time.Hour

	refreshAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
)

// GenerateRefreshToken returns a random 64 character alphanumeric token and its SHA256 hash as hex
func GenerateRefreshToken() (token string, hashHex string, err error) {
	alphabetLen := big.NewInt(int64(len(refreshAlphabet)))
	b := make([]byte, refreshTokenLength)
	for i := range b {
		n, err := rand.Int(rand.Reader, alphabetLen)
		if err != nil {
			return "", "", err
		}
		b[i] = refreshAlphabet[n.Int64()]
	}
	token = string(b)
	return token, HashRefreshToken(token), nil
}

// HashRefreshToken returns SHA256 hex of the token
func HashRefreshToken(token string) string {
	hash := sha256.Sum256([]byte(token))
	return hex.EncodeToString(hash[:])
}
