// Package token implements the rotating QR scan token: a base64url JSON
// payload plus a hex HMAC-SHA256 signature over the encoded payload, joined
// by a dot. The exact two-part shape is load-bearing for the scanning
// clients and must not change.
package token

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

var (
	ErrMalformed = errors.New("malformed scan token")
	ErrExpired   = errors.New("scan token expired")
	ErrSignature = errors.New("scan token signature mismatch")
)

// Payload field order matters: it fixes the JSON key order the scanning
// clients already expect.
type Payload struct {
	ShiftID string `json:"shiftId"`
	Exp     int64  `json:"exp"`
	Nonce   string `json:"nonce"`
}

// Parsed is a split but not yet authenticated token. The signature must be
// checked with CheckSignature against the shift secret before the payload
// is trusted.
type Parsed struct {
	Payload Payload
	Encoded string
	Sig     string
}

// Mint builds a signed scan token for the shift. The nonce only varies the
// ciphertext between mints of an otherwise-identical payload; single-use
// enforcement, when enabled, happens at redemption time.
func Mint(secret, shiftID string, ttl time.Duration, now time.Time) (string, int64, error) {
	nonce := make([]byte, 8)
	if _, err := rand.Read(nonce); err != nil {
		return "", 0, err
	}
	exp := now.Add(ttl).Unix()
	raw, err := json.Marshal(Payload{ShiftID: shiftID, Exp: exp, Nonce: hex.EncodeToString(nonce)})
	if err != nil {
		return "", 0, err
	}
	encoded := base64.RawURLEncoding.EncodeToString(raw)
	return encoded + "." + sign(encoded, secret), exp, nil
}

// Parse splits and decodes a token without authenticating it. It enforces
// the strict payload schema: exactly the three required fields with the
// right types.
func Parse(tok string) (Parsed, error) {
	dot := strings.LastIndex(tok, ".")
	if dot <= 0 || dot == len(tok)-1 {
		return Parsed{}, ErrMalformed
	}
	encoded, sig := tok[:dot], tok[dot+1:]
	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return Parsed{}, ErrMalformed
	}
	var fields struct {
		ShiftID *string `json:"shiftId"`
		Exp     *int64  `json:"exp"`
		Nonce   *string `json:"nonce"`
	}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return Parsed{}, ErrMalformed
	}
	if fields.ShiftID == nil || *fields.ShiftID == "" || fields.Exp == nil || fields.Nonce == nil || *fields.Nonce == "" {
		return Parsed{}, ErrMalformed
	}
	return Parsed{
		Payload: Payload{ShiftID: *fields.ShiftID, Exp: *fields.Exp, Nonce: *fields.Nonce},
		Encoded: encoded,
		Sig:     sig,
	}, nil
}

// CheckExpiry fails when the token's exp is strictly before now.
func (p Parsed) CheckExpiry(now time.Time) error {
	if p.Payload.Exp < now.Unix() {
		return ErrExpired
	}
	return nil
}

// CheckSignature recomputes the HMAC over the encoded payload with the
// shift secret and compares in constant time.
func (p Parsed) CheckSignature(secret string) error {
	if !hmac.Equal([]byte(sign(p.Encoded, secret)), []byte(p.Sig)) {
		return ErrSignature
	}
	return nil
}

func sign(encoded, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(encoded))
	return hex.EncodeToString(mac.Sum(nil))
}
