package cmd

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/migrate"

	"github.com/keygate/keygate/internal/account"
	"github.com/keygate/keygate/internal/crypto"
	"github.com/keygate/keygate/internal/db/bunx"
	"github.com/keygate/keygate/internal/db/models"
	"github.com/keygate/keygate/internal/migrations"
	"github.com/keygate/keygate/internal/repository"
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Apply migrations and bootstrap the initial admin user",
	Long: `Runs all pending migrations, then creates the bootstrap admin user from
ADMIN_USERNAME, ADMIN_PASSWORD, and ADMIN_EMAIL and assigns it the
SYSTEM_ADMIN role. Safe to run repeatedly; an existing admin is left
untouched apart from ensuring the role assignment.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.AdminUsername == "" || cfg.AdminPassword == "" {
			return fmt.Errorf("ADMIN_USERNAME and ADMIN_PASSWORD are required")
		}

		db, err := bunx.NewDB(cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		defer bunx.Close(db)

		ctx := context.Background()
		if err := runMigrations(ctx, db); err != nil {
			return err
		}

		users := repository.NewBunUserRepository(db)
		roles := repository.NewBunRoleRepository(db)

		username := strings.ToLower(cfg.AdminUsername)
		admin, err := users.GetByUsername(ctx, username)
		switch {
		case err == nil:
			log.Printf("Admin user %q already exists", username)
		case errors.Is(err, repository.ErrNotFound):
			if err := account.DefaultPasswordPolicy().Validate(cfg.AdminPassword); err != nil {
				return fmt.Errorf("ADMIN_PASSWORD rejected: %w", err)
			}
			hash, err := crypto.HashPassword(cfg.AdminPassword)
			if err != nil {
				return fmt.Errorf("failed to hash admin password: %w", err)
			}
			admin = &models.User{
				ID:           bunx.NewUUIDv7(),
				Username:     username,
				PasswordHash: hash,
				IsActive:     true,
			}
			if cfg.AdminEmail != "" {
				email := strings.ToLower(cfg.AdminEmail)
				admin.Email = &email
				admin.EmailVerified = true
			}
			if err := users.Create(ctx, admin); err != nil {
				return fmt.Errorf("failed to create admin user: %w", err)
			}
			log.Printf("Created admin user %q", username)
		default:
			return fmt.Errorf("failed to look up admin user: %w", err)
		}

		role, err := roles.GetByName(ctx, models.RoleSystemAdmin)
		if err != nil {
			return fmt.Errorf("failed to load %s role: %w", models.RoleSystemAdmin, err)
		}

		assigned, err := roles.ListForUser(ctx, admin.ID)
		if err != nil {
			return fmt.Errorf("failed to list admin roles: %w", err)
		}
		for _, r := range assigned {
			if r.ID == role.ID {
				log.Printf("Admin user already holds %s", models.RoleSystemAdmin)
				return nil
			}
		}

		if err := roles.AssignToUser(ctx, &models.UserRole{
			UserID:     admin.ID,
			RoleID:     role.ID,
			AssignedAt: time.Now(),
		}); err != nil {
			return fmt.Errorf("failed to assign %s: %w", models.RoleSystemAdmin, err)
		}
		log.Printf("Assigned %s to %q", models.RoleSystemAdmin, username)
		return nil
	},
}

// runMigrations applies pending migrations under the migrator lock.
func runMigrations(ctx context.Context, db *bun.DB) error {
	migrator := migrate.NewMigrator(db, migrations.Migrations)

	if err := migrator.Init(ctx); err != nil {
		return fmt.Errorf("failed to initialize migrator: %w", err)
	}
	if err := migrator.Lock(ctx); err != nil {
		return fmt.Errorf("failed to acquire migration lock: %w", err)
	}
	defer func() {
		if err := migrator.Unlock(ctx); err != nil {
			log.Printf("Warning: failed to release migration lock: %v", err)
		}
	}()

	group, err := migrator.Migrate(ctx)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	if group.ID == 0 {
		log.Printf("No new migrations to apply")
	} else {
		log.Printf("Applied migration group %d", group.ID)
	}
	return nil
}

func init() {
	rootCmd.AddCommand(seedCmd)
}
