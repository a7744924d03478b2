package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/thebosco/library-server/internal/backupcode"
	"github.com/thebosco/library-server/internal/inbox"
	"github.com/thebosco/library-server/internal/mail"
	"github.com/thebosco/library-server/internal/metrics"
	"github.com/thebosco/library-server/internal/notify"
	"github.com/thebosco/library-server/internal/pending"
	"github.com/thebosco/library-server/internal/session"
	"github.com/thebosco/library-server/internal/store"
	"github.com/thebosco/library-server/internal/totp"
	"github.com/thebosco/library-server/internal/user"
	"github.com/thebosco/library-server/internal/webauthn"
)

// Config holds the gateway's runtime switches.
type Config struct {
	// CookieName is the session cookie name.
	CookieName string

	// AuthEnabled toggles the *IfEnabled guards. When false the server runs
	// in single-user mode and those guards pass everything through.
	AuthEnabled bool

	// DevMode returns registration verify tokens inline and turns off the
	// Secure cookie attribute.
	DevMode bool
}

// DefaultCookieName is the session cookie used by the frontend.
const DefaultCookieName = "audiobooks_session"

// magicLinkCookieMaxAge makes magic-link sessions persistent, unlike regular
// login sessions which live only as browser-session cookies.
const magicLinkCookieMaxAge = 365 * 24 * time.Hour

// Server wires the services into the HTTP surface.
type Server struct {
	cfg      Config
	store    *store.Store
	users    *user.Directory
	sessions *session.Manager
	totp     *totp.Codec
	codes    *backupcode.Vault
	regs     *pending.Registrations
	recs     *pending.Recoveries
	inbox    *inbox.Service
	notify   *notify.Service
	webauthn *webauthn.Authority
	mailer   *mail.Mailer
	metrics  *metrics.Metrics
	clock    clockwork.Clock
	log      *zap.Logger
}

// Deps carries the service handles for NewServer.
type Deps struct {
	Store    *store.Store
	Users    *user.Directory
	Sessions *session.Manager
	TOTP     *totp.Codec
	Codes    *backupcode.Vault
	Regs     *pending.Registrations
	Recs     *pending.Recoveries
	Inbox    *inbox.Service
	Notify   *notify.Service
	WebAuthn *webauthn.Authority
	Mailer   *mail.Mailer
	Metrics  *metrics.Metrics
	Clock    clockwork.Clock
	Logger   *zap.Logger
}

// NewServer returns a Server ready to build its router.
func NewServer(cfg Config, d Deps) *Server {
	if cfg.CookieName == "" {
		cfg.CookieName = DefaultCookieName
	}
	return &Server{
		cfg:      cfg,
		store:    d.Store,
		users:    d.Users,
		sessions: d.Sessions,
		totp:     d.TOTP,
		codes:    d.Codes,
		regs:     d.Regs,
		recs:     d.Recs,
		inbox:    d.Inbox,
		notify:   d.Notify,
		webauthn: d.WebAuthn,
		mailer:   d.Mailer,
		metrics:  d.Metrics,
		clock:    d.Clock,
		log:      d.Logger.Named("api"),
	}
}

// Router builds the chi router: /auth/* for the gateway, /metrics behind the
// loopback guard.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(RequestLogger(s.log))
	r.Use(chimiddleware.Recoverer)
	r.Use(s.Instrument)
	r.Use(s.ResolveSession)

	// KDF-heavy and guessable endpoints get a per-IP throttle.
	authLimiter := newIPLimiter(rate.Every(12*time.Second), 5) // 5/min

	r.Route("/auth", func(r chi.Router) {
		r.With(authLimiter.Throttle).Post("/login", s.handleLogin)
		r.Post("/logout", s.handleLogout)
		r.With(s.LoginRequired).Get("/me", s.handleMe)
		r.Get("/check", s.handleCheck)

		r.Post("/register/start", s.handleRegisterStart)
		r.Post("/register/verify", s.handleRegisterVerify)

		r.With(authLimiter.Throttle).Post("/recover/backup-code", s.handleRecoverBackupCode)
		r.With(s.LoginRequired).Post("/recover/remaining-codes", s.handleRemainingCodes)
		r.With(s.LoginRequired).Post("/recover/regenerate-codes", s.handleRegenerateCodes)
		r.With(s.LoginRequired).Post("/recover/update-contact", s.handleUpdateContact)

		r.With(authLimiter.Throttle).Post("/magic-link", s.handleMagicLink)
		r.Post("/magic-link/verify", s.handleMagicLinkVerify)

		r.With(s.AdminRequired).Post("/notifications", s.handleCreateNotification)
		r.With(s.LoginRequired).Post("/notifications/dismiss/{id}", s.handleDismissNotification)

		r.With(s.LoginRequired).Post("/webauthn/register/begin", s.handleWebAuthnRegisterBegin)
		r.With(s.LoginRequired).Post("/webauthn/register/complete", s.handleWebAuthnRegisterComplete)
		r.With(authLimiter.Throttle).Post("/webauthn/login/begin", s.handleWebAuthnLoginBegin)
		r.Post("/webauthn/login/complete", s.handleWebAuthnLoginComplete)

		r.Route("/inbox", func(r chi.Router) {
			r.With(s.LoginRequired).Post("/", s.handleInboxCreate)
			r.With(s.AdminRequired).Get("/", s.handleInboxList)
			r.With(s.AdminRequired).Post("/{id}/read", s.handleInboxMarkRead)
			r.With(s.AdminRequired).Post("/{id}/reply", s.handleInboxMarkReplied)
			r.With(s.AdminRequired).Post("/{id}/archive", s.handleInboxArchive)
		})

		r.Get("/health", s.handleHealth)
	})

	if s.metrics != nil {
		r.With(s.LocalhostOnly).Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}

	return r
}

// setSessionCookie writes the session cookie. maxAge zero means a browser
// session cookie; magic-link verification passes the persistent max-age.
func (s *Server) setSessionCookie(w http.ResponseWriter, token string, maxAge time.Duration) {
	c := &http.Cookie{
		Name:     s.cfg.CookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		Secure:   !s.cfg.DevMode,
		SameSite: http.SameSiteLaxMode,
	}
	if maxAge > 0 {
		c.MaxAge = int(maxAge / time.Second)
	}
	http.SetCookie(w, c)
}

// clearSessionCookie expires the cookie immediately.
func (s *Server) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     s.cfg.CookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   !s.cfg.DevMode,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   -1,
	})
}
