// Package softauthn is an in-process WebAuthn authenticator. It produces
// well-formed attestation and assertion payloads from real P-256 keys, so
// headless clients and tests can complete the ceremonies without hardware.
// Credentials live only in memory.
package softauthn

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/fxamacker/cbor/v2"
)

const (
	flagUserPresent       = 0x01
	flagUserVerified      = 0x04
	flagAttestedCredsIncl = 0x40

	credentialIDBytes = 16
)

// ErrNoCredential is returned from GetAssertion when no stored credential
// matches the allow list.
var ErrNoCredential = errors.New("softauthn: no matching credential")

type credential struct {
	id        []byte
	key       *ecdsa.PrivateKey
	rpID      string
	signCount uint32
}

// Authenticator holds in-memory credentials keyed by their credential id.
type Authenticator struct {
	mu    sync.Mutex
	creds map[string]*credential
}

// New returns an empty Authenticator.
func New() *Authenticator {
	return &Authenticator{creds: make(map[string]*credential)}
}

// creationOptions is the subset of the server's creation options the
// authenticator needs.
type creationOptions struct {
	Challenge string `json:"challenge"`
	RP        struct {
		ID string `json:"id"`
	} `json:"rp"`
}

// requestOptions is the subset of the server's request options the
// authenticator needs.
type requestOptions struct {
	Challenge        string `json:"challenge"`
	RPID             string `json:"rpId"`
	AllowCredentials []struct {
		ID string `json:"id"`
	} `json:"allowCredentials"`
}

// Attestation mirrors the browser's PublicKeyCredential for a create()
// ceremony, JSON-ready for the completion endpoint.
type Attestation struct {
	ID       string `json:"id"`
	RawID    string `json:"rawId"`
	Type     string `json:"type"`
	Response struct {
		ClientDataJSON    string `json:"clientDataJSON"`
		AttestationObject string `json:"attestationObject"`
	} `json:"response"`
}

// Assertion mirrors the browser's PublicKeyCredential for a get() ceremony.
type Assertion struct {
	ID       string `json:"id"`
	RawID    string `json:"rawId"`
	Type     string `json:"type"`
	Response struct {
		ClientDataJSON    string `json:"clientDataJSON"`
		AuthenticatorData string `json:"authenticatorData"`
		Signature         string `json:"signature"`
	} `json:"response"`
}

// MakeCredential performs the authenticator side of registration: it mints a
// P-256 key pair, stores it under a fresh credential id, and returns the
// attestation payload ("none" format) for the given options and origin.
func (a *Authenticator) MakeCredential(optionsJSON []byte, origin string) (*Attestation, error) {
	var opts creationOptions
	if err := json.Unmarshal(optionsJSON, &opts); err != nil {
		return nil, fmt.Errorf("softauthn: decoding creation options: %w", err)
	}
	if opts.RP.ID == "" || opts.Challenge == "" {
		return nil, errors.New("softauthn: creation options missing rp.id or challenge")
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("softauthn: generating key: %w", err)
	}
	credID := make([]byte, credentialIDBytes)
	if _, err := io.ReadFull(rand.Reader, credID); err != nil {
		return nil, fmt.Errorf("softauthn: generating credential id: %w", err)
	}

	cred := &credential{id: credID, key: key, rpID: opts.RP.ID, signCount: 0}

	clientData, err := marshalClientData("webauthn.create", opts.Challenge, origin)
	if err != nil {
		return nil, err
	}

	authData, err := buildAuthData(cred, flagUserPresent|flagUserVerified|flagAttestedCredsIncl, true)
	if err != nil {
		return nil, err
	}

	attObj, err := cbor.Marshal(map[string]any{
		"fmt":      "none",
		"attStmt":  map[string]any{},
		"authData": authData,
	})
	if err != nil {
		return nil, fmt.Errorf("softauthn: encoding attestation object: %w", err)
	}

	a.mu.Lock()
	a.creds[string(credID)] = cred
	a.mu.Unlock()

	att := &Attestation{
		ID:    b64(credID),
		RawID: b64(credID),
		Type:  "public-key",
	}
	att.Response.ClientDataJSON = b64(clientData)
	att.Response.AttestationObject = b64(attObj)
	return att, nil
}

// GetAssertion performs the authenticator side of login: it picks the first
// allow-listed credential it holds, increments its sign counter, and signs
// authData || SHA-256(clientDataJSON).
func (a *Authenticator) GetAssertion(optionsJSON []byte, origin string) (*Assertion, error) {
	var opts requestOptions
	if err := json.Unmarshal(optionsJSON, &opts); err != nil {
		return nil, fmt.Errorf("softauthn: decoding request options: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	var cred *credential
	for _, allowed := range opts.AllowCredentials {
		id, err := base64.RawURLEncoding.DecodeString(allowed.ID)
		if err != nil {
			continue
		}
		if c, ok := a.creds[string(id)]; ok {
			cred = c
			break
		}
	}
	if cred == nil {
		return nil, ErrNoCredential
	}

	cred.signCount++

	clientData, err := marshalClientData("webauthn.get", opts.Challenge, origin)
	if err != nil {
		return nil, err
	}

	authData, err := buildAuthData(cred, flagUserPresent|flagUserVerified, false)
	if err != nil {
		return nil, err
	}

	clientDataHash := sha256.Sum256(clientData)
	signed := append(append([]byte{}, authData...), clientDataHash[:]...)
	digest := sha256.Sum256(signed)
	sig, err := ecdsa.SignASN1(rand.Reader, cred.key, digest[:])
	if err != nil {
		return nil, fmt.Errorf("softauthn: signing assertion: %w", err)
	}

	as := &Assertion{
		ID:    b64(cred.id),
		RawID: b64(cred.id),
		Type:  "public-key",
	}
	as.Response.ClientDataJSON = b64(clientData)
	as.Response.AuthenticatorData = b64(authData)
	as.Response.Signature = b64(sig)
	return as, nil
}

// SetSignCount overrides a credential's counter. Tests use it to replay a
// stale counter and trigger clone detection.
func (a *Authenticator) SetSignCount(credentialID []byte, count uint32) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	cred, ok := a.creds[string(credentialID)]
	if !ok {
		return ErrNoCredential
	}
	cred.signCount = count
	return nil
}

// CredentialIDs lists the ids of all stored credentials.
func (a *Authenticator) CredentialIDs() [][]byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	ids := make([][]byte, 0, len(a.creds))
	for _, c := range a.creds {
		ids = append(ids, append([]byte{}, c.id...))
	}
	return ids
}

func marshalClientData(typ, challenge, origin string) ([]byte, error) {
	b, err := json.Marshal(map[string]any{
		"type":        typ,
		"challenge":   challenge,
		"origin":      origin,
		"crossOrigin": false,
	})
	if err != nil {
		return nil, fmt.Errorf("softauthn: encoding client data: %w", err)
	}
	return b, nil
}

// buildAuthData assembles rpIdHash || flags || signCount and, for
// registration, the attested credential data with a zero AAGUID.
func buildAuthData(cred *credential, flags byte, withAttested bool) ([]byte, error) {
	rpIDHash := sha256.Sum256([]byte(cred.rpID))

	buf := make([]byte, 0, 37)
	buf = append(buf, rpIDHash[:]...)
	buf = append(buf, flags)
	buf = binary.BigEndian.AppendUint32(buf, cred.signCount)

	if !withAttested {
		return buf, nil
	}

	coseKey, err := cbor.Marshal(map[int]any{
		1:  2,  // kty: EC2
		3:  -7, // alg: ES256
		-1: 1,  // crv: P-256
		-2: padCoord(cred.key.PublicKey.X.Bytes()),
		-3: padCoord(cred.key.PublicKey.Y.Bytes()),
	})
	if err != nil {
		return nil, fmt.Errorf("softauthn: encoding COSE key: %w", err)
	}

	buf = append(buf, make([]byte, 16)...) // AAGUID
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(cred.id)))
	buf = append(buf, cred.id...)
	buf = append(buf, coseKey...)
	return buf, nil
}

// padCoord left-pads an EC coordinate to 32 bytes.
func padCoord(b []byte) []byte {
	if len(b) >= 32 {
		return b
	}
	out := make([]byte, 32)
	copy(out[32-len(b):], b)
	return out
}

func b64(b []byte) string { return base64.RawURLEncoding.EncodeToString(b) }
