package auth

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	SessionTokenTTL      = 15 * time.Minute
	RegistrationTokenTTL = 15 * time.Minute

	TokenTypeSession      = "session"
	TokenTypeRegistration = "registration"

	claimType        = "type"
	claimAccountID   = "account_id"
	claimDeviceID    = "device_id"
	claimPhoneNumber = "phone_number"
	claimIssuedAt    = "iat"
	claimExpiresAt   = "exp"
	claimTokenID     = "jti"
)

var (
	ErrTokenMalformed    = errors.New("token malformed")
	ErrTokenBadSignature = errors.New("token signature mismatch")
	ErrTokenExpired      = errors.New("token expired")
	ErrTokenWrongType    = errors.New("token has wrong type")
)

// Claims is the decoded payload of a signed token. Numbers decode as json.Number.
type Claims map[string]any

// String returns the claim as a string, "" when absent or not a string.
func (c Claims) String(key string) string {
	s, _ := c[key].(string)
	return s
}

// Int64 returns a numeric claim.
func (c Claims) Int64(key string) (int64, bool) {
	switch v := c[key].(type) {
	case json.Number:
		n, err := v.Int64()
		return n, err == nil
	case int64:
		return v, true
	case int:
		return int64(v), true
	case float64:
		return int64(v), true
	}
	return 0, false
}

// TokenCodec issues and verifies HMAC signed bearer tokens of the form
// base64(json(claims)) + "." + hex(hmac_sha256(secret, base64(json(claims)))).
//
// The payload is encoded, not encrypted. Claims must never carry secrets.
type TokenCodec struct {
	secret []byte
	now    func() time.Time
}

// NewTokenCodec creates a codec bound to secret.
func NewTokenCodec(secret string) *TokenCodec {
	return &TokenCodec{secret: []byte(secret), now: time.Now}
}

// WithClock returns a copy of the codec using now as its time source.
func (c *TokenCodec) WithClock(now func() time.Time) *TokenCodec {
	return &TokenCodec{secret: c.secret, now: now}
}

// Issue signs claims valid for ttl. iat, exp and jti are set by the codec and
// override caller supplied values.
func (c *TokenCodec) Issue(claims Claims, ttl time.Duration) (string, error) {
	now := c.now()
	payload := make(map[string]any, len(claims)+3)
	for k, v := range claims {
		payload[k] = v
	}
	payload[claimIssuedAt] = now.Unix()
	payload[claimExpiresAt] = now.Add(ttl).Unix()
	payload[claimTokenID] = uuid.NewString()

	// encoding/json sorts map keys, so the encoding is canonical.
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode claims: %w", err)
	}
	encoded := base64.StdEncoding.EncodeToString(raw)
	return encoded + "." + c.sign(encoded), nil
}

// Verify checks the signature and expiry of token and returns its claims.
func (c *TokenCodec) Verify(token string) (Claims, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return nil, ErrTokenMalformed
	}

	// Compared as lowercase hex text so a signature has exactly one valid spelling.
	if !hmac.Equal([]byte(parts[1]), []byte(c.sign(parts[0]))) {
		return nil, ErrTokenBadSignature
	}

	raw, err := base64.StdEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, ErrTokenMalformed
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var claims Claims
	if err := dec.Decode(&claims); err != nil || claims == nil {
		return nil, ErrTokenMalformed
	}

	exp, ok := claims.Int64(claimExpiresAt)
	if !ok {
		return nil, ErrTokenMalformed
	}
	if c.now().Unix() > exp {
		return nil, ErrTokenExpired
	}
	return claims, nil
}

func (c *TokenCodec) mac(payload string) []byte {
	h := hmac.New(sha256.New, c.secret)
	h.Write([]byte(payload))
	return h.Sum(nil)
}

func (c *TokenCodec) sign(payload string) string {
	return hex.EncodeToString(c.mac(payload))
}

// SessionClaims identify an authenticated device.
type SessionClaims struct {
	AccountID string
	DeviceID  string
	TokenID   string
	ExpiresAt time.Time
}

// IssueSession issues a 15 minute session token for (accountID, deviceID).
func (c *TokenCodec) IssueSession(accountID, deviceID string) (string, error) {
	return c.Issue(Claims{
		claimType:      TokenTypeSession,
		claimAccountID: accountID,
		claimDeviceID:  deviceID,
	}, SessionTokenTTL)
}

// VerifySession verifies token and requires type=session.
func (c *TokenCodec) VerifySession(token string) (SessionClaims, error) {
	claims, err := c.verifyType(token, TokenTypeSession)
	if err != nil {
		return SessionClaims{}, err
	}
	sc := SessionClaims{
		AccountID: claims.String(claimAccountID),
		DeviceID:  claims.String(claimDeviceID),
		TokenID:   claims.String(claimTokenID),
	}
	if sc.AccountID == "" || sc.DeviceID == "" {
		return SessionClaims{}, ErrTokenMalformed
	}
	exp, _ := claims.Int64(claimExpiresAt)
	sc.ExpiresAt = time.Unix(exp, 0)
	return sc, nil
}

// IssueRegistration issues a 15 minute token proving control of phone.
func (c *TokenCodec) IssueRegistration(phone string) (string, error) {
	return c.Issue(Claims{
		claimType:        TokenTypeRegistration,
		claimPhoneNumber: phone,
	}, RegistrationTokenTTL)
}

// VerifyRegistration verifies token, requires type=registration and returns the phone number.
func (c *TokenCodec) VerifyRegistration(token string) (string, error) {
	claims, err := c.verifyType(token, TokenTypeRegistration)
	if err != nil {
		return "", err
	}
	phone := claims.String(claimPhoneNumber)
	if phone == "" {
		return "", ErrTokenMalformed
	}
	return phone, nil
}

func (c *TokenCodec) verifyType(token, want string) (Claims, error) {
	claims, err := c.Verify(token)
	if err != nil {
		return nil, err
	}
	if claims.String(claimType) != want {
		return nil, ErrTokenWrongType
	}
	return claims, nil
}

// TokenFailureReason names a verification failure for logs and audit metadata.
func TokenFailureReason(err error) string {
	switch {
	case errors.Is(err, ErrTokenMalformed):
		return "malformed"
	case errors.Is(err, ErrTokenBadSignature):
		return "bad_signature"
	case errors.Is(err, ErrTokenExpired):
		return "expired"
	case errors.Is(err, ErrTokenWrongType):
		return "wrong_type"
	default:
		return "unknown"
	}
}
