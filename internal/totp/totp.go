// Package totp implements the RFC 6238 codec used for login verification:
// HMAC-SHA1, 30-second steps, 6-digit codes, and a ±1 step window to absorb
// clock skew between the server and the authenticator app.
package totp

import (
	"crypto/rand"
	"encoding/base32"
	"fmt"
	"io"
	"net/url"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	qrcode "github.com/skip2/go-qrcode"
)

const (
	// SecretBytes is the length of a generated shared secret. 160 bits
	// matches HMAC-SHA1's native key size.
	SecretBytes = 20

	// Period is the TOTP step length.
	Period = 30 * time.Second

	// Digits per code.
	Digits = 6

	// skew is the number of adjacent steps accepted on either side of the
	// current one. Exactly one; larger windows are rejected.
	skew = 1

	// qrSize is the pixel edge of generated provisioning QR codes.
	qrSize = 256
)

// encoding is unpadded base32, the alphabet authenticator apps expect.
var encoding = base32.StdEncoding.WithPadding(base32.NoPadding)

var validateOpts = totp.ValidateOpts{
	Period:    uint(Period / time.Second),
	Skew:      skew,
	Digits:    otp.DigitsSix,
	Algorithm: otp.AlgorithmSHA1,
}

// Codec generates and verifies TOTP secrets and codes. The clock is injected
// so tests can walk through steps deterministically.
type Codec struct {
	issuer string
	clock  clockwork.Clock
}

// NewCodec returns a Codec. issuer appears in provisioning URIs and in the
// authenticator app's account list.
func NewCodec(issuer string, clock clockwork.Clock) *Codec {
	return &Codec{issuer: issuer, clock: clock}
}

// GenerateSecret returns a fresh 20-byte random shared secret.
func (c *Codec) GenerateSecret() ([]byte, error) {
	secret := make([]byte, SecretBytes)
	if _, err := io.ReadFull(rand.Reader, secret); err != nil {
		return nil, fmt.Errorf("totp: generating secret: %w", err)
	}
	return secret, nil
}

// Base32Secret encodes a raw secret for display and provisioning, without
// padding.
func Base32Secret(secret []byte) string {
	return encoding.EncodeToString(secret)
}

// Verify reports whether code is valid for secret at the current step or one
// of its immediate neighbors.
func (c *Codec) Verify(secret []byte, code string) bool {
	ok, err := totp.ValidateCustom(code, Base32Secret(secret), c.clock.Now(), validateOpts)
	return err == nil && ok
}

// Code derives the code for secret at the given instant. Used by the seed
// command and tests; the login path only ever verifies.
func (c *Codec) Code(secret []byte, at time.Time) (string, error) {
	code, err := totp.GenerateCodeCustom(Base32Secret(secret), at, validateOpts)
	if err != nil {
		return "", fmt.Errorf("totp: deriving code: %w", err)
	}
	return code, nil
}

// ProvisioningURI builds the otpauth:// URL that authenticator apps consume,
// typically rendered as a QR code.
func (c *Codec) ProvisioningURI(secret []byte, account string) string {
	return fmt.Sprintf(
		"otpauth://totp/%s:%s?secret=%s&issuer=%s&algorithm=SHA1&digits=%d&period=%d",
		url.PathEscape(c.issuer),
		url.PathEscape(account),
		Base32Secret(secret),
		url.QueryEscape(c.issuer),
		Digits,
		uint(Period/time.Second),
	)
}

// QRCodePNG renders the provisioning URI as a PNG image.
func (c *Codec) QRCodePNG(secret []byte, account string) ([]byte, error) {
	png, err := qrcode.Encode(c.ProvisioningURI(secret, account), qrcode.Medium, qrSize)
	if err != nil {
		return nil, fmt.Errorf("totp: rendering qr code: %w", err)
	}
	return png, nil
}
