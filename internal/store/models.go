package store

import "time"

// AuthType selects how a user's second factor is verified.
type AuthType string

const (
	// AuthTOTP: auth_credential holds the raw RFC 6238 shared secret.
	AuthTOTP AuthType = "totp"
	// AuthWebAuthn is reserved in the data model; credentials live in
	// webauthn_credentials, not in auth_credential.
	AuthWebAuthn AuthType = "webauthn"
)

// InboxStatus is the lifecycle state of an inbox message.
type InboxStatus string

const (
	InboxUnread   InboxStatus = "unread"
	InboxRead     InboxStatus = "read"
	InboxReplied  InboxStatus = "replied"
	InboxArchived InboxStatus = "archived"
)

// ReplyMethod is how the sender of an inbox message wants to be answered.
type ReplyMethod string

const (
	ReplyInApp ReplyMethod = "in_app"
	ReplyEmail ReplyMethod = "email"
)

// meta is the single-row bookkeeping table. schema_version is maintained by
// the migration SQL itself; canary is sealed with the database key on first
// open (see Store.checkCanary).
type meta struct {
	ID            int    `gorm:"primaryKey"`
	SchemaVersion int    `gorm:"not null"`
	Canary        string `gorm:"not null;default:''"`
}

func (meta) TableName() string { return "meta" }

// User is an account in the identity store. AuthCredential is the raw TOTP
// shared secret (encrypted at rest); for WebAuthn users it is unused.
// RecoveryEnabled is derived: true iff a recovery email or phone is set.
type User struct {
	ID              int64          `gorm:"primaryKey"`
	Username        string         `gorm:"uniqueIndex;not null"`
	AuthType        AuthType       `gorm:"not null;default:'totp'"`
	AuthCredential  EncryptedBytes `gorm:"type:text"`
	CanDownload     bool           `gorm:"not null;default:true"`
	IsAdmin         bool           `gorm:"not null;default:false"`
	RecoveryEmail   EncryptedString `gorm:"type:text;default:''"`
	RecoveryPhone   EncryptedString `gorm:"type:text;default:''"`
	RecoveryEnabled bool            `gorm:"not null;default:false"`
	CreatedAt       time.Time       `gorm:"not null"`
	LastLogin       *time.Time
}

// Session is a server-side login session. Only the SHA-256 of the raw token
// is stored; the raw token exists solely in the client cookie. At most one
// session per user exists at any time; creation invalidates the rest.
type Session struct {
	ID        int64     `gorm:"primaryKey"`
	UserID    int64     `gorm:"not null;index"`
	TokenHash string    `gorm:"not null;uniqueIndex"`
	UserAgent string    `gorm:"not null;default:''"`
	IPAddress string    `gorm:"not null;default:''"`
	CreatedAt time.Time `gorm:"not null"`
	LastSeen  time.Time `gorm:"not null;index"`
}

// PendingRegistration is a short-lived, single-use verification token created
// by register/start. Creating one replaces any prior pending registration for
// the same username.
type PendingRegistration struct {
	ID        int64     `gorm:"primaryKey"`
	Username  string    `gorm:"not null;index"`
	TokenHash string    `gorm:"not null;uniqueIndex"`
	CreatedAt time.Time `gorm:"not null"`
	ExpiresAt time.Time `gorm:"not null;index"`
}

// PendingRecovery is the magic-link token. Either it expires or it is marked
// used; it is never redeemable twice.
type PendingRecovery struct {
	ID        int64     `gorm:"primaryKey"`
	UserID    int64     `gorm:"not null;index"`
	TokenHash string    `gorm:"not null;uniqueIndex"`
	CreatedAt time.Time `gorm:"not null"`
	ExpiresAt time.Time `gorm:"not null;index"`
	UsedAt    *time.Time
}

// BackupCode is one of the eight single-use recovery codes attached to a
// user. CodeHash is a PHC-encoded argon2id hash; UsedAt is set exactly once.
type BackupCode struct {
	ID        int64     `gorm:"primaryKey"`
	UserID    int64     `gorm:"not null;index"`
	CodeHash  string    `gorm:"not null"`
	CreatedAt time.Time `gorm:"not null"`
	UsedAt    *time.Time
}

// WebAuthnCredential is a registered public-key credential. SignCount is
// monotonic non-decreasing; a regression marks the credential revoked.
type WebAuthnCredential struct {
	ID           int64     `gorm:"primaryKey"`
	UserID       int64     `gorm:"not null;index"`
	CredentialID []byte    `gorm:"not null;uniqueIndex"`
	PublicKey    []byte    `gorm:"not null"` // COSE_Key, CBOR-encoded
	SignCount    uint32    `gorm:"not null;default:0"`
	CreatedAt    time.Time `gorm:"not null"`
	RevokedAt    *time.Time
}

func (WebAuthnCredential) TableName() string { return "webauthn_credentials" }

// WebAuthnChallenge binds an outstanding ceremony challenge to a user and a
// purpose ("register" or "login") with a short TTL. Consumed on completion.
type WebAuthnChallenge struct {
	ID        string    `gorm:"primaryKey"` // UUID
	UserID    int64     `gorm:"not null;index"`
	Purpose   string    `gorm:"not null"`
	Challenge []byte    `gorm:"not null"`
	ExpiresAt time.Time `gorm:"not null;index"`
}

func (WebAuthnChallenge) TableName() string { return "webauthn_challenges" }

// Notification is a user-targeted (or broadcast, UserID NULL) message shown
// on login. Dismissal is tracked per user in notification_dismissals.
type Notification struct {
	ID          int64     `gorm:"primaryKey"`
	UserID      *int64    `gorm:"index"` // NULL = broadcast
	Message     string    `gorm:"not null"`
	Type        string    `gorm:"not null;default:'info'"`
	Priority    int       `gorm:"not null;default:0"`
	Dismissable bool      `gorm:"not null;default:true"`
	CreatedAt   time.Time `gorm:"not null"`
}

// NotificationDismissal records that a given user dismissed a notification.
type NotificationDismissal struct {
	ID             int64     `gorm:"primaryKey"`
	NotificationID int64     `gorm:"not null;index:idx_dismissal,unique"`
	UserID         int64     `gorm:"not null;index:idx_dismissal,unique"`
	DismissedAt    time.Time `gorm:"not null"`
}

// InboxMessage is a user-to-admin message. ReplyEmail is only present while
// a reply is outstanding; it is cleared in the same transaction that marks
// the message replied.
type InboxMessage struct {
	ID         int64           `gorm:"primaryKey"`
	FromUserID int64           `gorm:"not null;index"`
	Message    string          `gorm:"not null"`
	ReplyVia   ReplyMethod     `gorm:"not null;default:'in_app'"`
	ReplyEmail EncryptedString `gorm:"type:text;default:''"`
	Status     InboxStatus     `gorm:"not null;default:'unread';index"`
	CreatedAt  time.Time       `gorm:"not null"`
	ReadAt     *time.Time
	RepliedAt  *time.Time
}

// ContactLog is the append-only abuse-review trail: one row per inbox
// message created, written in the same transaction.
type ContactLog struct {
	ID        int64     `gorm:"primaryKey"`
	UserID    int64     `gorm:"not null;index"`
	CreatedAt time.Time `gorm:"not null"`
}

func (ContactLog) TableName() string { return "contact_log" }
