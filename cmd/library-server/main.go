// Package main is the library-server entry point. The root command runs the
// auth gateway; seed-admin bootstraps the first account on an empty store.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/jonboulle/clockwork"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/thebosco/library-server/internal/api"
	"github.com/thebosco/library-server/internal/backupcode"
	"github.com/thebosco/library-server/internal/inbox"
	"github.com/thebosco/library-server/internal/mail"
	"github.com/thebosco/library-server/internal/metrics"
	"github.com/thebosco/library-server/internal/notify"
	"github.com/thebosco/library-server/internal/pending"
	"github.com/thebosco/library-server/internal/scheduler"
	"github.com/thebosco/library-server/internal/session"
	"github.com/thebosco/library-server/internal/store"
	"github.com/thebosco/library-server/internal/totp"
	"github.com/thebosco/library-server/internal/user"
	"github.com/thebosco/library-server/internal/webauthn"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type config struct {
	httpAddr    string
	dbPath      string
	keyPath     string
	issuer      string
	rpID        string
	origin      string
	authEnabled bool
	devMode     bool
	logLevel    string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &config{}

	root := &cobra.Command{
		Use:   "library-server",
		Short: "library-server: authentication and account recovery for the audiobook library",
		Long: `library-server provides the auth gateway for the audiobook library:
TOTP and WebAuthn login, sessions, backup-code and magic-link recovery,
notifications, and the admin inbox, all backed by an encrypted store.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())
	root.AddCommand(newSeedAdminCmd(cfg))

	root.PersistentFlags().StringVar(&cfg.httpAddr, "http-addr", envOrDefault("LIBRARY_HTTP_ADDR", ":8080"), "HTTP listen address")
	root.PersistentFlags().StringVar(&cfg.dbPath, "db-path", envOrDefault("LIBRARY_DB_PATH", "./auth.db"), "Encrypted database file path")
	root.PersistentFlags().StringVar(&cfg.keyPath, "key-path", envOrDefault("LIBRARY_KEY_PATH", "./auth.key"), "Database keyfile path (created on first run)")
	root.PersistentFlags().StringVar(&cfg.issuer, "issuer", envOrDefault("LIBRARY_ISSUER", "Audiobook Library"), "Issuer shown in authenticator apps")
	root.PersistentFlags().StringVar(&cfg.rpID, "rp-id", envOrDefault("LIBRARY_RP_ID", "localhost"), "WebAuthn relying-party id")
	root.PersistentFlags().StringVar(&cfg.origin, "origin", envOrDefault("LIBRARY_ORIGIN", "http://localhost:8080"), "WebAuthn origin (exact match)")
	root.PersistentFlags().BoolVar(&cfg.authEnabled, "auth-enabled", envOrDefault("LIBRARY_AUTH_ENABLED", "true") == "true", "Enforce the mode-conditional guards (false = single-user mode)")
	root.PersistentFlags().BoolVar(&cfg.devMode, "dev", envOrDefault("LIBRARY_DEV_MODE", "false") == "true", "Dev mode: inline verify tokens, non-secure cookies")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("LIBRARY_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("library-server %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

// services bundles everything built on top of an open store.
type services struct {
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
	clock    clockwork.Clock
}

func buildServices(cfg *config, logger *zap.Logger, logLevel gormlogger.LogLevel) (*services, error) {
	st, err := store.Open(store.Config{
		Path:     cfg.dbPath,
		KeyPath:  cfg.keyPath,
		Logger:   logger,
		LogLevel: logLevel,
	})
	if err != nil {
		return nil, err
	}

	clock := clockwork.NewRealClock()
	sessions := session.NewManager(st, clock, logger)
	notifier := notify.NewService(st, clock, logger)

	return &services{
		store:    st,
		users:    user.NewDirectory(st, clock, logger),
		sessions: sessions,
		totp:     totp.NewCodec(cfg.issuer, clock),
		codes:    backupcode.NewVault(st, clock, logger),
		regs:     pending.NewRegistrations(st, clock, logger),
		recs:     pending.NewRecoveries(st, clock, logger),
		inbox:    inbox.NewService(st, clock, logger),
		notify:   notifier,
		webauthn: webauthn.NewAuthority(webauthn.Config{
			RPID:   cfg.rpID,
			RPName: cfg.issuer,
			Origin: cfg.origin,
		}, st, sessions, notifier, clock, logger),
		clock: clock,
	}, nil
}

func run(ctx context.Context, cfg *config) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	logger.Info("starting library-server",
		zap.String("version", version),
		zap.String("http_addr", cfg.httpAddr),
		zap.String("db_path", cfg.dbPath),
		zap.Bool("auth_enabled", cfg.authEnabled),
		zap.Bool("dev_mode", cfg.devMode),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	svc, err := buildServices(cfg, logger, gormlogger.Warn)
	if err != nil {
		return err
	}
	defer svc.store.Close() //nolint:errcheck

	var mailCfg mail.Config
	if err := env.Parse(&mailCfg); err != nil {
		return fmt.Errorf("failed to parse mail config: %w", err)
	}
	mailer := mail.NewMailer(mailCfg, logger)
	if !mailer.Configured() {
		logger.Warn("smtp not configured, magic-link delivery disabled")
	}

	mets := metrics.New(func() float64 {
		var n int64
		_ = svc.store.DB().Model(&store.Session{}).Count(&n).Error
		return float64(n)
	})

	sched, err := scheduler.New(svc.sessions, svc.regs, svc.recs, svc.webauthn, svc.notify, logger)
	if err != nil {
		return err
	}
	if err := sched.Start(ctx); err != nil {
		return err
	}
	defer sched.Stop() //nolint:errcheck

	server := api.NewServer(api.Config{
		CookieName:  api.DefaultCookieName,
		AuthEnabled: cfg.authEnabled,
		DevMode:     cfg.devMode,
	}, api.Deps{
		Store:    svc.store,
		Users:    svc.users,
		Sessions: svc.sessions,
		TOTP:     svc.totp,
		Codes:    svc.codes,
		Regs:     svc.regs,
		Recs:     svc.recs,
		Inbox:    svc.inbox,
		Notify:   svc.notify,
		WebAuthn: svc.webauthn,
		Mailer:   mailer,
		Metrics:  mets,
		Clock:    svc.clock,
		Logger:   logger,
	})

	httpServer := &http.Server{
		Addr:              cfg.httpAddr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server failed: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down library-server")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	return httpServer.Shutdown(shutdownCtx)
}

// newSeedAdminCmd bootstraps the first admin account. It refuses to run
// against a populated store and prints the TOTP secret and backup codes
// exactly once.
func newSeedAdminCmd(cfg *config) *cobra.Command {
	var username string

	cmd := &cobra.Command{
		Use:   "seed-admin",
		Short: "Create the initial admin account on an empty store",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := user.ValidateUsername(username); err != nil {
				return fmt.Errorf("--username: %w", err)
			}

			logger, err := buildLogger("warn")
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			svc, err := buildServices(cfg, logger, gormlogger.Silent)
			if err != nil {
				return err
			}
			defer svc.store.Close() //nolint:errcheck

			ctx := cmd.Context()
			n, err := svc.users.Count(ctx)
			if err != nil {
				return err
			}
			if n > 0 {
				return fmt.Errorf("store already holds %d user(s); seed-admin only runs on an empty store", n)
			}

			secret, err := svc.totp.GenerateSecret()
			if err != nil {
				return err
			}

			u := &store.User{
				Username:       username,
				AuthType:       store.AuthTOTP,
				AuthCredential: secret,
				CanDownload:    true,
				IsAdmin:        true,
			}
			if err := svc.users.Save(ctx, u); err != nil {
				return err
			}

			codes, err := svc.codes.CreateForUser(ctx, u.ID)
			if err != nil {
				return err
			}

			fmt.Printf("Admin account created\n")
			fmt.Printf("  Username:         %s\n", u.Username)
			fmt.Printf("  TOTP secret:      %s\n", totp.Base32Secret(secret))
			fmt.Printf("  Provisioning URI: %s\n", svc.totp.ProvisioningURI(secret, u.Username))
			fmt.Printf("  Backup codes (shown once, store them safely):\n")
			for _, c := range codes {
				fmt.Printf("    %s\n", c)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&username, "username", "", "Admin username (required, 5-16 printable ASCII)")
	_ = cmd.MarkFlagRequired("username")

	return cmd
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
