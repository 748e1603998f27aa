// Package app wires the configured adapters into the lifecycle services.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"staffline/internal/admin"
	"staffline/internal/config"
	"staffline/internal/directory"
	"staffline/internal/engine"
	"staffline/internal/mailbox"
	"staffline/internal/notify"
	"staffline/internal/provision"
	"staffline/internal/remote"
	"staffline/internal/repo"
	"staffline/internal/sites"
)

// Services is everything a command or the API server needs. Close releases
// the directory connection.
type Services struct {
	Config    *config.Config
	Engine    engine.Engine
	Naming    provision.Naming
	Sites     sites.Service
	Admin     admin.Service
	Accounts  directory.Accounts
	Directory directory.Gateway
	Logger    *slog.Logger
}

// Adapters lets callers replace the remote systems, as tests do. Nil fields
// are built from the config.
type Adapters struct {
	Directory directory.Gateway
	Channel   remote.Channel
	Mailbox   mailbox.Provisioner
	Notifier  notify.Notifier
}

// New builds the services over an open, migrated database.
func New(conn *sql.DB, cfg *config.Config, ad Adapters, logger *slog.Logger) (*Services, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config not loaded")
	}
	if logger == nil {
		logger = slog.Default()
	}
	timeouts := provision.Timeouts(cfg.Timeouts)
	if err := timeouts.Validate(); err != nil {
		return nil, err
	}

	if ad.Directory == nil {
		ad.Directory = directory.NewLDAP(directory.LDAPConfig{
			URL:                cfg.Directory.URL,
			Domain:             cfg.Directory.Domain,
			Username:           cfg.Directory.Username,
			Password:           cfg.Secrets.DirectoryPassword,
			Timeout:            cfg.Timeouts.Directory,
			InsecureSkipVerify: cfg.Directory.InsecureSkipVerify,
			MaxRetries:         uint64(cfg.Directory.MaxRetries),
			PageSize:           cfg.Directory.PageSize,
		}, logger.With("component", "ldap"))
	}
	if ad.Channel == nil && cfg.Remote.Addr != "" {
		ad.Channel = remote.NewSSH(remote.SSHConfig{
			Addr:           cfg.Remote.Addr,
			User:           cfg.Remote.User,
			Password:       cfg.Secrets.RemotePassword,
			KeyFile:        cfg.Remote.KeyFile,
			KnownHostsFile: cfg.Remote.KnownHostsFile,
			Timeout:        cfg.Timeouts.Mailbox,
		}, logger.With("component", "remote"))
	}
	if ad.Mailbox == nil && cfg.Mailbox.Enabled && ad.Channel != nil {
		ad.Mailbox = mailbox.Exchange{
			Channel: ad.Channel,
			Config:  mailbox.Config{Server: cfg.Mailbox.Server, Database: cfg.Mailbox.Database},
			Logger:  logger.With("component", "mailbox"),
		}
	}
	if ad.Notifier == nil && cfg.SMTP.Host != "" {
		ad.Notifier = notify.NewSMTP(notify.SMTPConfig{
			Host:     cfg.SMTP.Host,
			Port:     cfg.SMTP.Port,
			Username: cfg.SMTP.Username,
			Password: cfg.Secrets.SMTPPassword,
			From:     cfg.SMTP.From,
			SSL:      cfg.SMTP.SSL,
			Timeout:  cfg.Timeouts.Email,
		}, logger.With("component", "smtp"))
	}

	accounts := directory.Accounts{Gateway: ad.Directory, BaseDN: cfg.Directory.BaseDN, Logger: logger.With("component", "accounts")}
	eng := engine.New(conn, cfg)
	eng.Logger = logger.With("component", "engine")
	journal := repo.Journal{Repo: eng.Repo}
	naming := provision.Naming{
		Policy:        cfg.Placement(),
		Organizations: cfg.Organizations,
		TechnicalOU:   cfg.Directory.TechnicalOU,
	}
	eng.Provisioner = provision.Provisioner{
		Naming:          naming,
		Accounts:        accounts,
		Mailbox:         ad.Mailbox,
		Notifier:        ad.Notifier,
		Lists:           cfg.Notifications,
		Journal:         journal,
		InitialPassword: cfg.Secrets.InitialPassword,
		Timeouts:        timeouts,
		Logger:          logger.With("component", "provision"),
	}
	eng.Deprovisioner = provision.Deprovisioner{
		Accounts:   accounts,
		Journal:    journal,
		DepartedOU: cfg.Directory.DepartedOU,
		Timeouts:   timeouts,
		Logger:     logger.With("component", "deprovision"),
	}
	if cfg.Secrets.InitialPassword == "" {
		logger.Warn("initial password is not set; new accounts will stay disabled (set STAFFLINE_INITIAL_PASSWORD)")
	}

	return &Services{
		Config: cfg,
		Engine: eng,
		Naming: naming,
		Sites: sites.Service{
			Accounts:  accounts,
			Channel:   ad.Channel,
			AccessOU:  cfg.Sites.AccessOU,
			ShareRoot: cfg.Sites.ShareRoot,
			Folders:   cfg.Sites.Folders,
			Timeout:   cfg.Timeouts.Outer,
			Logger:    logger.With("component", "sites"),
		},
		Admin:     admin.Service{Accounts: accounts, Timeout: cfg.Timeouts.Directory, Logger: logger.With("component", "admin")},
		Accounts:  accounts,
		Directory: ad.Directory,
		Logger:    logger,
	}, nil
}

func (s *Services) Close() error {
	if s == nil || s.Directory == nil {
		return nil
	}
	return s.Directory.Close()
}

// SyncRBAC mirrors the configured roles into the database and makes sure
// actorID exists with the owner role, so a fresh workspace has someone who
// can grant the rest.
func SyncRBAC(ctx context.Context, r repo.Repo, cfg *config.Config, actorID string) error {
	roles := make(map[string]repo.Role, len(cfg.RBAC.Roles))
	for id, role := range cfg.RBAC.Roles {
		roles[id] = repo.Role{Description: role.Description, Permissions: role.Permissions}
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := r.SyncRoles(ctx, tx, roles); err != nil {
		return fmt.Errorf("sync roles: %w", err)
	}
	if actorID != "" {
		if err := r.EnsureActor(ctx, tx, actorID, time.Now().UTC().Format(time.RFC3339)); err != nil {
			return fmt.Errorf("ensure actor: %w", err)
		}
		if _, ok := roles["owner"]; ok {
			if err := r.AssignRole(ctx, tx, actorID, "owner"); err != nil {
				return fmt.Errorf("assign owner role: %w", err)
			}
		}
	}
	return tx.Commit()
}
