package webauthn

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"

	"github.com/fxamacker/cbor/v2"
)

// Authenticator data flag bits (WebAuthn §6.1).
const (
	flagUserPresent       = 0x01
	flagUserVerified      = 0x04
	flagAttestedCredsIncl = 0x40
)

// COSE constants for the single accepted credential type: EC2 / P-256 / ES256.
const (
	coseKtyEC2   = 2
	coseAlgES256 = -7
	coseCrvP256  = 1
)

// coseKey is the COSE_Key CBOR map for an EC2 public key.
type coseKey struct {
	Kty int    `cbor:"1,keyasint"`
	Alg int    `cbor:"3,keyasint"`
	Crv int    `cbor:"-1,keyasint"`
	X   []byte `cbor:"-2,keyasint"`
	Y   []byte `cbor:"-3,keyasint"`
}

// parseCOSEPublicKey decodes a COSE_Key and returns the ECDSA public key.
// Anything other than EC2/P-256/ES256 is rejected.
func parseCOSEPublicKey(raw []byte) (*ecdsa.PublicKey, error) {
	var k coseKey
	if err := cbor.Unmarshal(raw, &k); err != nil {
		return nil, fmt.Errorf("webauthn: decoding COSE key: %w", err)
	}
	if k.Kty != coseKtyEC2 || k.Alg != coseAlgES256 || k.Crv != coseCrvP256 {
		return nil, errors.New("webauthn: unsupported COSE key type (want EC2/P-256/ES256)")
	}
	if len(k.X) != 32 || len(k.Y) != 32 {
		return nil, errors.New("webauthn: malformed COSE key coordinates")
	}

	pub := &ecdsa.PublicKey{
		Curve: elliptic.P256(),
		X:     new(big.Int).SetBytes(k.X),
		Y:     new(big.Int).SetBytes(k.Y),
	}
	if !pub.Curve.IsOnCurve(pub.X, pub.Y) {
		return nil, errors.New("webauthn: public key not on curve")
	}
	return pub, nil
}

// attestationObject is the CBOR envelope of an attestation response.
type attestationObject struct {
	Format       string          `cbor:"fmt"`
	AttStatement map[string]any  `cbor:"attStmt"`
	AuthData     []byte          `cbor:"authData"`
}

// authenticatorData is the parsed binary authData structure. The attested
// credential fields are populated only during registration.
type authenticatorData struct {
	RPIDHash  []byte
	Flags     byte
	SignCount uint32

	AAGUID       []byte
	CredentialID []byte
	COSEKey      []byte // raw CBOR, stored verbatim with the credential
}

func (a *authenticatorData) userPresent() bool  { return a.Flags&flagUserPresent != 0 }
func (a *authenticatorData) userVerified() bool { return a.Flags&flagUserVerified != 0 }

// parseAuthData parses the fixed header (rpIdHash, flags, signCount) and,
// when withAttested is set, the attested credential data that follows.
func parseAuthData(raw []byte, withAttested bool) (*authenticatorData, error) {
	if len(raw) < 37 {
		return nil, errors.New("webauthn: authenticator data too short")
	}

	ad := &authenticatorData{
		RPIDHash:  raw[:32],
		Flags:     raw[32],
		SignCount: binary.BigEndian.Uint32(raw[33:37]),
	}

	if !withAttested {
		return ad, nil
	}

	if ad.Flags&flagAttestedCredsIncl == 0 {
		return nil, errors.New("webauthn: attested credential data flag not set")
	}

	rest := raw[37:]
	if len(rest) < 18 {
		return nil, errors.New("webauthn: attested credential data too short")
	}
	ad.AAGUID = rest[:16]
	credIDLen := int(binary.BigEndian.Uint16(rest[16:18]))
	rest = rest[18:]
	if len(rest) < credIDLen {
		return nil, errors.New("webauthn: credential id truncated")
	}
	ad.CredentialID = rest[:credIDLen]
	rest = rest[credIDLen:]

	// The COSE key is one CBOR data item; extensions may follow it.
	var rawKey cbor.RawMessage
	dec := cbor.NewDecoder(bytes.NewReader(rest))
	if err := dec.Decode(&rawKey); err != nil {
		return nil, fmt.Errorf("webauthn: decoding credential public key: %w", err)
	}
	ad.COSEKey = []byte(rawKey)

	return ad, nil
}

// clientData is the parsed clientDataJSON payload.
type clientData struct {
	Type        string `json:"type"`
	Challenge   string `json:"challenge"`
	Origin      string `json:"origin"`
	CrossOrigin bool   `json:"crossOrigin"`
}
