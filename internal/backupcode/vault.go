// Package backupcode implements single-use account-recovery codes. Eight
// codes are attached to each user; each verifies at most once, and
// regeneration replaces the whole unused set. Codes are stored as salted
// argon2id hashes with the KDF parameters PHC-encoded in the record, so they
// can be strengthened later without a forced reset.
package backupcode

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/crypto/argon2"
	"gorm.io/gorm"

	"github.com/thebosco/library-server/internal/store"
)

const (
	// NumCodes is the size of the active code set per user.
	NumCodes = 8

	// codeLen is the number of alphanumerics in a code (before formatting).
	codeLen = 16

	// codeAlphabet: uppercase alphanumerics only, so codes survive being
	// read aloud or written down.
	codeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

// argon2id parameters. Iterations and memory follow the OWASP floor with a
// margin; the values actually used for a given record are read back from its
// PHC string, so these constants only govern newly hashed codes.
const (
	argonTime    = 2
	argonMemory  = 64 * 1024 // KiB
	argonThreads = 2
	argonKeyLen  = 32
	argonSaltLen = 16
)

// decoyCode is hashed once at init and compared against during recovery
// attempts for nonexistent users, so the response latency does not reveal
// whether the username resolved.
var decoyHash string

func init() {
	h, err := hashCode("DECOY-DECOY-DECOY-00")
	if err != nil {
		panic(err)
	}
	decoyHash = h
}

// Vault generates, stores, and consumes backup codes.
type Vault struct {
	store *store.Store
	clock clockwork.Clock
	log   *zap.Logger
}

// NewVault returns a Vault backed by the encrypted store.
func NewVault(st *store.Store, clock clockwork.Clock, logger *zap.Logger) *Vault {
	return &Vault{store: st, clock: clock, log: logger.Named("backupcode")}
}

// CreateForUser deletes the user's unused codes and inserts a fresh set of
// eight, returning the formatted plaintext codes. This is the only point
// where plaintext leaves the vault.
func (v *Vault) CreateForUser(ctx context.Context, userID int64) ([]string, error) {
	var codes []string
	err := v.store.Tx(ctx, func(tx *gorm.DB) error {
		var txErr error
		codes, txErr = v.CreateForUserTx(tx, userID)
		return txErr
	})
	if err != nil {
		return nil, err
	}
	return codes, nil
}

// CreateForUserTx is CreateForUser running inside an existing transaction.
// The recovery protocol uses it so that code regeneration commits or rolls
// back together with the TOTP rotation and session purge.
func (v *Vault) CreateForUserTx(tx *gorm.DB, userID int64) ([]string, error) {
	if err := tx.Where("user_id = ? AND used_at IS NULL", userID).
		Delete(&store.BackupCode{}).Error; err != nil {
		return nil, fmt.Errorf("backupcode: deleting unused codes: %w", err)
	}

	codes := make([]string, 0, NumCodes)
	now := v.clock.Now()

	for i := 0; i < NumCodes; i++ {
		plain, err := generateCode()
		if err != nil {
			return nil, err
		}
		hash, err := hashCode(plain)
		if err != nil {
			return nil, err
		}
		if err := tx.Create(&store.BackupCode{
			UserID:    userID,
			CodeHash:  hash,
			CreatedAt: now,
		}).Error; err != nil {
			return nil, fmt.Errorf("backupcode: inserting code: %w", err)
		}
		codes = append(codes, formatCode(plain))
	}

	return codes, nil
}

// VerifyAndConsume checks code against the user's unused codes and marks the
// matching one used, atomically. It returns true exactly once per code: the
// mark-used update is guarded by used_at IS NULL, so concurrent attempts with
// the same code have exactly one winner.
func (v *Vault) VerifyAndConsume(ctx context.Context, userID int64, code string) (bool, error) {
	consumed := false
	err := v.store.Tx(ctx, func(tx *gorm.DB) error {
		var txErr error
		consumed, txErr = v.VerifyAndConsumeTx(tx, userID, code)
		return txErr
	})
	if err != nil {
		return false, err
	}
	return consumed, nil
}

// VerifyAndConsumeTx is VerifyAndConsume inside an existing transaction. The
// recovery protocol runs it in the same transaction as the secret rotation so
// a failure later in the sequence rolls the consumption back.
func (v *Vault) VerifyAndConsumeTx(tx *gorm.DB, userID int64, code string) (bool, error) {
	normalized := Normalize(code)
	if len(normalized) != codeLen {
		return false, nil
	}

	var candidates []store.BackupCode
	if err := tx.Where("user_id = ? AND used_at IS NULL", userID).
		Find(&candidates).Error; err != nil {
		return false, fmt.Errorf("backupcode: loading candidates: %w", err)
	}

	for i := range candidates {
		if !verifyHash(candidates[i].CodeHash, normalized) {
			continue
		}
		now := v.clock.Now()
		res := tx.Model(&store.BackupCode{}).
			Where("id = ? AND used_at IS NULL", candidates[i].ID).
			Update("used_at", now)
		if res.Error != nil {
			return false, fmt.Errorf("backupcode: consuming code: %w", res.Error)
		}
		return res.RowsAffected == 1, nil
	}

	// Pad the failure path to a full set's worth of comparisons so its
	// wall-clock cost does not depend on how many codes remain unused.
	burnDecoys(NumCodes - len(candidates))
	return false, nil
}

// RemainingCount returns how many unused codes the user still holds.
func (v *Vault) RemainingCount(ctx context.Context, userID int64) (int64, error) {
	var n int64
	err := v.store.DB().WithContext(ctx).Model(&store.BackupCode{}).
		Where("user_id = ? AND used_at IS NULL", userID).
		Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("backupcode: counting remaining: %w", err)
	}
	return n, nil
}

// VerifyDecoy burns the same KDF cost as a failed verification against a full
// code set. Called for recovery attempts against unknown usernames, so the
// failure latency matches the existing-user path regardless of how many codes
// that path would have compared.
func (v *Vault) VerifyDecoy(code string) {
	if len(Normalize(code)) != codeLen {
		return
	}
	burnDecoys(NumCodes)
}

// burnDecoys runs n KDF comparisons that can never match.
func burnDecoys(n int) {
	for i := 0; i < n; i++ {
		verifyHash(decoyHash, "AAAAAAAAAAAAAAAA")
	}
}

// Normalize strips whitespace and hyphens and uppercases, so users can type
// codes with or without the display formatting.
func Normalize(code string) string {
	var b strings.Builder
	b.Grow(len(code))
	for _, r := range strings.ToUpper(code) {
		if r == '-' || r == ' ' || r == '\t' {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// generateCode returns 16 random uppercase alphanumerics (unformatted).
func generateCode() (string, error) {
	max := big.NewInt(int64(len(codeAlphabet)))
	var b strings.Builder
	b.Grow(codeLen)
	for i := 0; i < codeLen; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("backupcode: generating code: %w", err)
		}
		b.WriteByte(codeAlphabet[n.Int64()])
	}
	return b.String(), nil
}

// formatCode groups a raw code as XXXX-XXXX-XXXX-XXXX for display.
func formatCode(raw string) string {
	parts := make([]string, 0, 4)
	for i := 0; i < len(raw); i += 4 {
		parts = append(parts, raw[i:i+4])
	}
	return strings.Join(parts, "-")
}

// hashCode returns a PHC-encoded argon2id hash:
//
//	$argon2id$v=19$m=<KiB>,t=<iters>,p=<threads>$<b64 salt>$<b64 hash>
func hashCode(code string) (string, error) {
	salt := make([]byte, argonSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("backupcode: generating salt: %w", err)
	}

	hash := argon2.IDKey([]byte(code), salt, argonTime, argonMemory, argonThreads, argonKeyLen)

	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, argonMemory, argonTime, argonThreads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(hash),
	), nil
}

// verifyHash checks code against a PHC-encoded record, honoring the
// parameters stored in the record rather than the current constants.
func verifyHash(stored, code string) bool {
	params, salt, want, err := parsePHC(stored)
	if err != nil {
		return false
	}
	got := argon2.IDKey([]byte(code), salt, params.time, params.memory, params.threads, uint32(len(want)))
	return subtle.ConstantTimeCompare(got, want) == 1
}

type phcParams struct {
	memory  uint32
	time    uint32
	threads uint8
}

func parsePHC(stored string) (phcParams, []byte, []byte, error) {
	parts := strings.Split(stored, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return phcParams{}, nil, nil, errors.New("backupcode: malformed hash record")
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil || version != argon2.Version {
		return phcParams{}, nil, nil, errors.New("backupcode: unsupported argon2 version")
	}

	var p phcParams
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &p.memory, &p.time, &p.threads); err != nil {
		return phcParams{}, nil, nil, errors.New("backupcode: malformed parameters")
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return phcParams{}, nil, nil, err
	}
	hash, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return phcParams{}, nil, nil, err
	}

	return p, salt, hash, nil
}
