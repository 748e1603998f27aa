package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"staffline/internal/app"
	"staffline/internal/config"
	"staffline/internal/db"
	"staffline/internal/engine/auth"
	"staffline/internal/migrate"
	"staffline/internal/repo"
	"staffline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "sl",
	Short: "Staffline CLI",
	Long: `Staffline manages the directory accounts of employees.
- Intake: the HR system delivers employee records; each starts as pending.
- Approve: an operator approves a pending record; the account, groups, mailbox and welcome mail are created and the record becomes approved. A failed mandatory step puts it back to pending.
- Reject / dismiss: a pending record can be rejected; dismissing disables the account, removes its groups and moves it to the departed container.
- Runs and compensations: every approval and dismissal is stored with its step results; compensations list remote changes that may need undoing by hand.
- Secrets come from STAFFLINE_* environment variables, never from staffline.yml.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("STAFFLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory (holds staffline.yml and .staffline/)")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("log-level", "info", "log level: debug, info, warn, error")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(employeeCmd())
	rootCmd.AddCommand(technicalCmd())
	rootCmd.AddCommand(siteCmd())
	rootCmd.AddCommand(directoryCmd())
	rootCmd.AddCommand(placementCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(compensationCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(rbacCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(serveCmd())
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Create or inspect staffline.yml",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var baseDN string
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default staffline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(baseDN)), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&baseDN, "base-dn", config.DefaultBaseDN, "directory root")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show loaded config (secrets are reported as set or unset)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			secrets := map[string]bool{
				"directory_password": cfg.Secrets.DirectoryPassword != "",
				"initial_password":   cfg.Secrets.InitialPassword != "",
				"remote_password":    cfg.Secrets.RemotePassword != "",
				"smtp_password":      cfg.Secrets.SMTPPassword != "",
				"jwt_secret":         cfg.Secrets.JWTSecret != "",
			}
			return printJSONOrTable(map[string]any{"config": cfg, "secrets": secrets})
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate staffline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := loadConfig()
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
}

func serveCmd() *cobra.Command {
	var addr, basePath, actorHeader string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, s *app.Services) error {
				if s.Config.Secrets.JWTSecret == "" {
					return fmt.Errorf("STAFFLINE_JWT_SECRET is required for bearer auth")
				}
				if addr == "" {
					addr = s.Config.Server.Addr
				}
				if basePath == "" {
					basePath = s.Config.Server.BasePath
				}
				if actorHeader == "" {
					actorHeader = s.Config.Server.TrustedActorHeader
				}
				if actorHeader != "" {
					s.Logger.Warn("actor header is trusted without verification", "header", actorHeader)
				}
				if _, err := s.Engine.ReleaseStale(ctx, s.Config.Timeouts.Outer); err != nil {
					return fmt.Errorf("release stale approvals: %w", err)
				}
				handler, err := server.New(server.Config{
					Services: s,
					BasePath: basePath,
					Auth: server.AuthConfig{
						JWTSecret:          s.Config.Secrets.JWTSecret,
						TrustedActorHeader: actorHeader,
						Logger:             s.Logger.With("component", "auth"),
					},
				})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					<-ctx.Done()
					// Approvals in flight finish their bookkeeping before exit.
					sctx, cancel := context.WithTimeout(context.Background(), s.Config.Timeouts.Outer)
					defer cancel()
					srv.Shutdown(sctx)
				}()
				s.Logger.Info("serving staffline api", "addr", addr, "base_path", basePath, "openapi", basePath+"/openapi.json", "docs", "/docs")
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default server.addr)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (default server.base_path)")
	cmd.Flags().StringVar(&actorHeader, "trusted-actor-header", "", "header taken as the actor id without verification (default server.trusted_actor_header)")
	return cmd
}

// --- helpers ---

func newLogger() *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(viper.GetString("log-level"))); err != nil {
		level = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// loadConfig reads staffline.yml and fills secrets from STAFFLINE_* variables.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(viper.GetString("workspace"))
	if err != nil {
		return nil, err
	}
	cfg.Secrets = config.Secrets{
		DirectoryPassword: viper.GetString("directory_password"),
		InitialPassword:   viper.GetString("initial_password"),
		RemotePassword:    viper.GetString("remote_password"),
		SMTPPassword:      viper.GetString("smtp_password"),
		JWTSecret:         viper.GetString("jwt_secret"),
	}
	return cfg, nil
}

func withServices(ctx context.Context, fn func(context.Context, *app.Services) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	logger := newLogger()
	if err := app.SyncRBAC(ctx, repo.Repo{DB: conn}, cfg, ""); err != nil {
		return err
	}
	s, err := app.New(conn, cfg, app.Adapters{}, logger)
	if err != nil {
		return err
	}
	defer s.Close()
	return fn(ctx, s)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	r := repo.Repo{DB: conn}
	return fn(ctx, r)
}

// actor returns the acting operator after checking perm against its roles.
func actor(ctx context.Context, s *app.Services, perm string) (string, error) {
	actorID := strings.TrimSpace(viper.GetString("actor-id"))
	if actorID == "" {
		return "", fmt.Errorf("--actor-id required")
	}
	if err := (auth.Service{DB: s.Engine.DB}).Require(ctx, actorID, perm); err != nil {
		return "", fmt.Errorf("%w (grant a role with sl rbac grant)", err)
	}
	return actorID, nil
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
