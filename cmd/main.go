package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"
	"gorm.io/gorm"

	"librarydesk/internal/auth"
	"librarydesk/internal/config"
	"librarydesk/internal/database"
	"librarydesk/internal/handlers"
	"librarydesk/internal/models"
	"librarydesk/internal/reports"
	"librarydesk/internal/repositories"
	"librarydesk/internal/services"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "librarydesk",
		Short:        "Library book assignment service",
		SilenceUsage: true,
	}
	root.AddCommand(newServeCmd(), newMigrateCmd(), newCreateAdminCmd(), newSetRoleCmd())
	return root
}

// app holds everything the subcommands share once config and DB are up.
type app struct {
	cfg   *config.Config
	db    *gorm.DB
	authn *auth.Authenticator
	svc   services.LibraryService
}

func bootstrap() (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	db, err := database.Open(cfg)
	if err != nil {
		return nil, err
	}
	if cfg.AutoMigrate {
		if err := database.Migrate(db); err != nil {
			return nil, err
		}
	}

	issuer, err := auth.NewTokenIssuer([]byte(cfg.SecretKey), cfg.Algorithm)
	if err != nil {
		return nil, err
	}

	userRepo := repositories.NewUserRepository(db)
	bookRepo := repositories.NewBookRepository(db)
	assignmentRepo := repositories.NewAssignmentRepository(db)
	authn := auth.NewAuthenticator(db, userRepo, auth.NewPasswordHasher(cfg.BcryptCost), issuer)

	loanReports, err := reports.NewStoreFromGorm(db)
	if err != nil {
		return nil, err
	}

	svc := services.NewLibraryService(db, userRepo, bookRepo, assignmentRepo, authn, loanReports,
		services.WithTokenTTL(cfg.TokenTTL))

	return &app{cfg: cfg, db: db, authn: authn, svc: svc}, nil
}

func (a *app) close() {
	if sqlDB, err := a.db.DB(); err == nil {
		sqlDB.Close()
	}
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Run: func(cmd *cobra.Command, args []string) {
			a, err := bootstrap()
			if err != nil {
				log.Fatalf("startup failed: %v", err)
			}
			defer a.close()

			ping := func(ctx context.Context) error { return database.Ping(ctx, a.db) }
			router := handlers.NewRouter(a.svc, a.authn, ping)

			srv := &http.Server{
				Addr:         a.cfg.ServerAddr,
				Handler:      router,
				ReadTimeout:  15 * time.Second,
				WriteTimeout: 15 * time.Second,
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			go func() {
				log.Printf("Starting server on %s", a.cfg.ServerAddr)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Fatalf("server error: %v", err)
				}
			}()

			<-ctx.Done()
			log.Printf("Shutting down server")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.Printf("[ERROR] graceful shutdown: %v", err)
			}
		},
	}
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			db, err := database.Open(cfg)
			if err != nil {
				return err
			}
			a := &app{cfg: cfg, db: db}
			defer a.close()

			if err := database.Migrate(db); err != nil {
				return err
			}
			log.Printf("[INFO] migrate: schema is up to date")
			return nil
		},
	}
}

func newCreateAdminCmd() *cobra.Command {
	var username, email, role string

	cmd := &cobra.Command{
		Use:   "create-admin",
		Short: "Create a privileged account (role cannot be set over HTTP)",
		RunE: func(cmd *cobra.Command, args []string) error {
			parsed, ok := models.ParseUserRole(role)
			if !ok {
				return fmt.Errorf("unknown role %q", role)
			}

			password, err := readPassword("Password: ")
			if err != nil {
				return err
			}
			confirm, err := readPassword("Confirm password: ")
			if err != nil {
				return err
			}
			if password != confirm {
				return errors.New("passwords do not match")
			}

			a, err := bootstrap()
			if err != nil {
				return err
			}
			defer a.close()

			user, err := a.svc.ProvisionUser(cmd.Context(), services.NewUser{
				Username: username,
				Email:    email,
				Password: password,
			}, parsed)
			if err != nil {
				return err
			}
			fmt.Printf("Created user %q (id %d, role %s)\n", user.Username, user.ID, user.Role)
			return nil
		},
	}

	cmd.Flags().StringVar(&username, "username", "", "account username")
	cmd.Flags().StringVar(&email, "email", "", "account email")
	cmd.Flags().StringVar(&role, "role", string(models.UserRoleSuperAdmin), "super_admin or library_manager")
	cmd.MarkFlagRequired("username")
	cmd.MarkFlagRequired("email")
	return cmd
}

func newSetRoleCmd() *cobra.Command {
	var username, role string

	cmd := &cobra.Command{
		Use:   "set-role",
		Short: "Change the role of an existing user",
		RunE: func(cmd *cobra.Command, args []string) error {
			parsed, ok := models.ParseUserRole(role)
			if !ok {
				return fmt.Errorf("unknown role %q", role)
			}

			a, err := bootstrap()
			if err != nil {
				return err
			}
			defer a.close()

			user, err := a.svc.SetRole(cmd.Context(), username, parsed)
			if err != nil {
				return err
			}
			fmt.Printf("User %q is now %s\n", user.Username, user.Role)
			return nil
		},
	}

	cmd.Flags().StringVar(&username, "username", "", "account username")
	cmd.Flags().StringVar(&role, "role", "", "super_admin, library_manager or reader")
	cmd.MarkFlagRequired("username")
	cmd.MarkFlagRequired("role")
	return cmd
}

// readSecret reads a line from fd without echo.
var readSecret = term.ReadPassword

// readPassword prompts without echoing the input. The password is returned
// exactly as typed.
func readPassword(prompt string) (string, error) {
	fmt.Print(prompt)
	b, err := readSecret(int(syscall.Stdin))
	fmt.Println()
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	return string(b), nil
}
