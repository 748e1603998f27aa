// Package sites prepares the access groups and the file share tree for a new
// construction site.
package sites

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"

	"staffline/internal/directory"
	"staffline/internal/fault"
	"staffline/internal/remote"
)

type Service struct {
	Accounts  directory.Accounts
	Channel   remote.Channel
	AccessOU  string
	ShareRoot string
	Folders   []string
	Timeout   time.Duration
	Logger    *slog.Logger
}

type Item struct {
	Name    string `json:"name"`
	Created bool   `json:"created"`
}

// Report lists what exists for the site after Create, and what was new.
type Report struct {
	Site    string   `json:"site"`
	OU      string   `json:"ou"`
	Groups  []Item   `json:"groups"`
	Folders []Item   `json:"folders"`
	Errors  []string `json:"errors,omitempty"`
}

func (s Service) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

func (s Service) bounded(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.Timeout > 0 {
		return context.WithTimeout(ctx, s.Timeout)
	}
	return context.WithCancel(ctx)
}

// ValidateName rejects names that cannot be both an OU and a folder name.
func ValidateName(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fault.New(fault.IncompleteIdentity, "название объекта не указано")
	}
	if strings.ContainsAny(name, `\/:*?"<>|`) {
		return fault.Newf(fault.IncompleteIdentity, "название объекта %q содержит недопустимые символы", name)
	}
	return nil
}

// GroupNames returns the access groups of a site: write and read for the
// whole tree, then a read and a write group per folder.
func (s Service) GroupNames(site string) []string {
	names := []string{
		fmt.Sprintf("STORAGE-%s-write", site),
		fmt.Sprintf("STORAGE-%s-read", site),
	}
	for _, f := range s.Folders {
		slug := strings.ReplaceAll(f, " ", "-")
		names = append(names,
			fmt.Sprintf("STORAGE-%s-%s-read", site, slug),
			fmt.Sprintf("STORAGE-%s-%s-write", site, slug))
	}
	return names
}

// Paths returns the site folder followed by its subfolders.
func (s Service) Paths(site string) []string {
	root := strings.TrimRight(s.ShareRoot, `\`) + `\` + site
	paths := []string{root}
	for _, f := range s.Folders {
		paths = append(paths, root+`\`+f)
	}
	return paths
}

// Create makes the access OU, groups and folders of site. Existing objects
// are reported and left alone, so Create can be repeated after a failure.
// Only the OU is required; group and folder failures are collected.
func (s Service) Create(ctx context.Context, site string) (Report, error) {
	site = strings.TrimSpace(site)
	if err := ValidateName(site); err != nil {
		return Report{}, err
	}
	logger := s.logger().With("site", site)
	rep := Report{Site: site, Groups: []Item{}, Folders: []Item{}}

	octx, cancel := s.bounded(ctx)
	ou, created, err := s.Accounts.EnsureOU(octx, s.AccessOU, "права "+site)
	cancel()
	if err != nil {
		return rep, fault.WithStage("sites.ou", err)
	}
	rep.OU = ou
	logger.Info("site access ou ready", "ou", ou, "created", created)

	var errs *multierror.Error
	for _, name := range s.GroupNames(site) {
		gctx, cancel := s.bounded(ctx)
		_, created, err := s.Accounts.EnsureGroup(gctx, ou, name, "Доступ к папкам объекта "+site)
		cancel()
		if err != nil {
			logger.Warn("site group failed", "group", name, "err", err)
			errs = multierror.Append(errs, fmt.Errorf("группа %s: %w", name, err))
			continue
		}
		rep.Groups = append(rep.Groups, Item{Name: name, Created: created})
	}

	folders, err := s.createFolders(ctx, site)
	if err != nil {
		logger.Warn("site folders failed", "err", err)
		errs = multierror.Append(errs, fmt.Errorf("папки: %w", err))
	}
	rep.Folders = append(rep.Folders, folders...)

	if err := errs.ErrorOrNil(); err != nil {
		for _, e := range errs.Errors {
			rep.Errors = append(rep.Errors, e.Error())
		}
		return rep, fault.Wrap(fault.DependencyFailed, err, fmt.Sprintf("объект %s создан частично", site))
	}
	logger.Info("site created", "groups", len(rep.Groups), "folders", len(rep.Folders))
	return rep, nil
}

const (
	markerCreated = "CREATED"
	markerExists  = "EXISTS"
)

// FolderScript creates every missing path and prints one marker line per path.
func FolderScript(paths []string) string {
	quoted := make([]string, 0, len(paths))
	for _, p := range paths {
		quoted = append(quoted, remote.Quote(p))
	}
	return fmt.Sprintf(`$ErrorActionPreference = 'Stop'
[Console]::OutputEncoding = [System.Text.Encoding]::UTF8
foreach ($p in @(%s)) {
  if (Test-Path -LiteralPath $p) {
    Write-Output ('%s' + [char]9 + $p)
  } else {
    New-Item -ItemType Directory -Path $p -Force | Out-Null
    Write-Output ('%s' + [char]9 + $p)
  }
}
`, strings.Join(quoted, ", "), markerExists, markerCreated)
}

func (s Service) createFolders(ctx context.Context, site string) ([]Item, error) {
	if s.Channel == nil {
		return nil, fault.New(fault.DependencyFailed, "удаленное выполнение не настроено")
	}
	if strings.TrimSpace(s.ShareRoot) == "" {
		return nil, fault.New(fault.DependencyFailed, "корневая папка объектов не настроена")
	}
	rctx, cancel := s.bounded(ctx)
	defer cancel()
	out, err := s.Channel.Run(rctx, FolderScript(s.Paths(site)))
	if err != nil {
		return nil, fault.WithStage("sites.folders", err)
	}
	items := ParseFolders(out.Stdout)
	if !out.OK() {
		return items, fault.Newf(fault.DependencyFailed, "PowerShell завершился с кодом %d: %s", out.ExitCode, strings.TrimSpace(out.Stderr))
	}
	return items, nil
}

// ParseFolders reads the marker lines printed by FolderScript.
func ParseFolders(stdout string) []Item {
	var items []Item
	for _, line := range strings.Split(stdout, "\n") {
		marker, path, ok := strings.Cut(strings.TrimRight(line, "\r"), "\t")
		if !ok {
			continue
		}
		switch marker {
		case markerCreated:
			items = append(items, Item{Name: path, Created: true})
		case markerExists:
			items = append(items, Item{Name: path})
		}
	}
	return items
}
