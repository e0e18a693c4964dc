// Package totp implements RFC 6238 time-based one-time passwords: SHA-1 HMAC,
// 30 second steps, 6 digit codes, with a symmetric skew window to tolerate
// clock drift between the server and the authenticator app.
package totp

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

const (
	// Period is the TOTP time step in seconds.
	Period = 30
	// Digits is the length of generated codes.
	Digits = 6
	// SecretBytes is the raw entropy of generated secrets.
	SecretBytes = 20
	// DefaultSkew accepts codes one step to either side of now.
	DefaultSkew = 1
)

var ErrBadSecret = errors.New("totp: malformed secret")

// GenerateSecret returns a fresh base32-encoded shared secret.
func GenerateSecret() (string, error) {
	raw := make([]byte, SecretBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return base32Encode(raw), nil
}

// CodeAt computes the code for the step containing t.
func CodeAt(secret string, t time.Time) (string, error) {
	raw, err := base32Decode(secret)
	if err != nil {
		return "", err
	}
	return hotp(raw, uint64(t.Unix()/Period)), nil
}

// Verify checks code against the step containing t and skew steps to either
// side, comparing in constant time.
func Verify(secret, code string, t time.Time, skew int) (bool, error) {
	code = strings.TrimSpace(code)
	if len(code) != Digits || !allDigits(code) {
		return false, nil
	}
	raw, err := base32Decode(secret)
	if err != nil {
		return false, err
	}
	base := t.Unix() / Period
	for step := -skew; step <= skew; step++ {
		counter := base + int64(step)
		if counter < 0 {
			continue
		}
		want := hotp(raw, uint64(counter))
		if subtle.ConstantTimeCompare([]byte(want), []byte(code)) == 1 {
			return true, nil
		}
	}
	return false, nil
}

// BuildURI formats the otpauth:// enrollment URI understood by authenticator apps.
func BuildURI(issuer, account, secret string) string {
	label := url.PathEscape(issuer + ":" + account)
	v := url.Values{}
	v.Set("secret", secret)
	v.Set("issuer", issuer)
	v.Set("period", fmt.Sprintf("%d", Period))
	v.Set("digits", fmt.Sprintf("%d", Digits))
	v.Set("algorithm", "SHA1")
	return "otpauth://totp/" + label + "?" + v.Encode()
}

// hotp is the RFC 4226 dynamic-truncation construction.
func hotp(secret []byte, counter uint64) string {
	var msg [8]byte
	binary.BigEndian.PutUint64(msg[:], counter)

	mac := hmac.New(sha1.New, secret)
	_, _ = mac.Write(msg[:])
	sum := mac.Sum(nil)

	offset := sum[len(sum)-1] & 0x0f
	bin := (int(sum[offset])&0x7f)<<24 |
		(int(sum[offset+1])&0xff)<<16 |
		(int(sum[offset+2])&0xff)<<8 |
		(int(sum[offset+3]) & 0xff)

	mod := 1
	for i := 0; i < Digits; i++ {
		mod *= 10
	}
	return fmt.Sprintf("%0*d", Digits, bin%mod)
}

func allDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
