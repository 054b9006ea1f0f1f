package cmd

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/keygate/keygate/internal/account"
	"github.com/keygate/keygate/internal/audit"
	"github.com/keygate/keygate/internal/crypto"
	"github.com/keygate/keygate/internal/db/bunx"
	"github.com/keygate/keygate/internal/oauth"
	"github.com/keygate/keygate/internal/rbac"
	"github.com/keygate/keygate/internal/repository"
	"github.com/keygate/keygate/internal/server"
	"github.com/keygate/keygate/internal/token"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the authorization server",
	Long:  `Starts the HTTP server exposing the OAuth, OIDC, and admin endpoints.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		// Connect to database
		db, err := bunx.NewDB(cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		defer bunx.Close(db)

		log.Printf("Connected to database")

		// Initialize repositories
		users := repository.NewBunUserRepository(db)
		clients := repository.NewBunClientRepository(db)
		scopes := repository.NewBunScopeRepository(db)
		roles := repository.NewBunRoleRepository(db)
		perms := repository.NewBunPermissionRepository(db)
		codes := repository.NewBunAuthCodeRepository(db)
		tokens := repository.NewBunTokenRepository(db)
		consents := repository.NewBunConsentRepository(db)
		sessions := repository.NewBunSessionRepository(db)
		creds := repository.NewBunCredentialRepository(db)
		auditRepo := repository.NewBunAuditRepository(db)

		// Signing key: persisted at SigningKeyPath, or ephemeral when
		// the path is empty (tokens do not survive restarts).
		signer, err := crypto.NewSigner(cfg.SigningKeyPath)
		if err != nil {
			return fmt.Errorf("failed to load signing key: %w", err)
		}
		if cfg.SigningKeyPath == "" {
			log.Printf("WARNING: no SIGNING_KEY_PATH set, using an ephemeral signing key")
		}
		log.Printf("Signing key loaded (kid=%s)", signer.KeyID())

		codec := token.NewCodec(cfg.Issuer, cfg.Audience, signer)

		rbacSvc, err := rbac.NewService(roles, perms)
		if err != nil {
			return fmt.Errorf("failed to build policy enforcer: %w", err)
		}

		accounts := account.NewService(users, creds, sessions)

		// Audit events are written asynchronously; Close drains the
		// buffer during shutdown.
		recorder := audit.NewRecorder(auditRepo)

		handler, err := server.NewH2CHandler(server.RouterOptions{
			Cfg:          cfg,
			Signer:       signer,
			Codec:        codec,
			ClientAuth:   oauth.NewAuthenticator(clients),
			Authorize:    oauth.NewAuthorizeEngine(clients, codes, consents),
			Tokens:       oauth.NewTokenEngine(users, codes, tokens, codec, rbacSvc),
			Introspector: oauth.NewIntrospector(users, tokens, codec),
			Revoker:      oauth.NewRevoker(tokens, codec),
			Accounts:     accounts,
			RBAC:         rbacSvc,
			Audit:        recorder,
			Users:        users,
			Clients:      clients,
			Scopes:       scopes,
			Roles:        roles,
			Perms:        perms,
			Consents:     consents,
			TokenRepo:    tokens,
			AuditLog:     auditRepo,
		})
		if err != nil {
			return fmt.Errorf("failed to assemble router: %w", err)
		}

		srv := &http.Server{
			Addr:         cfg.ServerAddr,
			Handler:      handler,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		}

		// Start server in goroutine
		serverErrors := make(chan error, 1)
		go func() {
			log.Printf("Starting server on %s", cfg.ServerAddr)
			log.Printf("Issuer: %s", cfg.Issuer)
			serverErrors <- srv.ListenAndServe()
		}()

		shutdown := make(chan os.Signal, 1)
		signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

		select {
		case err := <-serverErrors:
			return fmt.Errorf("server error: %w", err)

		case sig := <-shutdown:
			log.Printf("Received signal %v, shutting down gracefully", sig)

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			if err := srv.Shutdown(ctx); err != nil {
				srv.Close()
				return fmt.Errorf("graceful shutdown failed: %w", err)
			}
			if err := recorder.Close(ctx); err != nil {
				log.Printf("Warning: audit recorder drain: %v", err)
			}

			log.Printf("Server stopped")
			return nil
		}
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
