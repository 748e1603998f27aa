package repo

import (
	"context"
	"database/sql"
	"sort"
)

// Role is a named permission set from the rbac section of the config.
type Role struct {
	Description string
	Permissions []string
}

func (r Repo) EnsureActor(ctx context.Context, tx *sql.Tx, actorID string, now string) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT OR IGNORE INTO actors(id, created_at) VALUES (?,?)`, actorID, now)
	return err
}

// SyncRoles makes roles and role_permissions mirror roles. Roles missing from
// the map are removed together with their grants.
func (r Repo) SyncRoles(ctx context.Context, tx *sql.Tx, roles map[string]Role) error {
	q := r.q(tx)
	ids := make([]string, 0, len(roles))
	for id := range roles {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	if _, err := q.ExecContext(ctx, `DELETE FROM role_permissions`); err != nil {
		return err
	}
	for _, id := range ids {
		role := roles[id]
		if _, err := q.ExecContext(ctx, `INSERT INTO roles(id, description) VALUES (?,?) ON CONFLICT(id) DO UPDATE SET description=excluded.description`,
			id, nullable(role.Description)); err != nil {
			return err
		}
		for _, perm := range role.Permissions {
			if _, err := q.ExecContext(ctx, `INSERT OR IGNORE INTO permissions(id) VALUES (?)`, perm); err != nil {
				return err
			}
			if _, err := q.ExecContext(ctx, `INSERT OR IGNORE INTO role_permissions(role_id, permission_id) VALUES (?,?)`, id, perm); err != nil {
				return err
			}
		}
	}
	rows, err := q.QueryContext(ctx, `SELECT id FROM roles`)
	if err != nil {
		return err
	}
	var stale []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return err
		}
		if _, ok := roles[id]; !ok {
			stale = append(stale, id)
		}
	}
	rows.Close()
	for _, id := range stale {
		if _, err := q.ExecContext(ctx, `DELETE FROM roles WHERE id=?`, id); err != nil {
			return err
		}
	}
	return nil
}

func (r Repo) AssignRole(ctx context.Context, tx *sql.Tx, actorID, roleID string) error {
	var exists int
	if err := r.q(tx).QueryRowContext(ctx, `SELECT COUNT(1) FROM roles WHERE id=?`, roleID).Scan(&exists); err != nil {
		return err
	}
	if exists == 0 {
		return ErrNotFound
	}
	_, err := r.q(tx).ExecContext(ctx, `INSERT OR IGNORE INTO actor_roles(actor_id, role_id) VALUES (?,?)`, actorID, roleID)
	return err
}

func (r Repo) RevokeRole(ctx context.Context, tx *sql.Tx, actorID, roleID string) error {
	_, err := r.q(tx).ExecContext(ctx, `DELETE FROM actor_roles WHERE actor_id=? AND role_id=?`, actorID, roleID)
	return err
}

func (r Repo) ActorRoles(ctx context.Context, tx *sql.Tx, actorID string) ([]string, error) {
	return r.strings(ctx, tx, `SELECT role_id FROM actor_roles WHERE actor_id=? ORDER BY role_id`, actorID)
}

func (r Repo) ActorPermissions(ctx context.Context, tx *sql.Tx, actorID string) ([]string, error) {
	return r.strings(ctx, tx, `
SELECT DISTINCT rp.permission_id
FROM actor_roles ar
JOIN role_permissions rp ON rp.role_id=ar.role_id
WHERE ar.actor_id=? ORDER BY rp.permission_id`, actorID)
}

func (r Repo) strings(ctx context.Context, tx *sql.Tx, query string, args ...any) ([]string, error) {
	rows, err := r.q(tx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
