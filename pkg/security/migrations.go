package security

import (
	"context"
	"database/sql"
	"fmt"
)

// Migration is one schema change applied at startup.
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// Migrations returns the permission-graph schema for the given driver.
// Only the id column syntax differs between sqlite3 and postgres.
func Migrations(driver string) []Migration {
	serial := "BIGSERIAL PRIMARY KEY"
	if driver == "sqlite3" {
		serial = "INTEGER PRIMARY KEY AUTOINCREMENT"
	}

	return []Migration{
		{
			Version:     1,
			Description: "Create nodes table",
			SQL: fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS nodes (
					id %s,
					name VARCHAR(255) NOT NULL,
					name_folded VARCHAR(255) NOT NULL,
					class SMALLINT NOT NULL,
					UNIQUE(name_folded, class)
				);

				CREATE INDEX IF NOT EXISTS idx_nodes_name_folded ON nodes(name_folded);
			`, serial),
		},
		{
			Version:     2,
			Description: "Create group_members table",
			SQL: `
				CREATE TABLE IF NOT EXISTS group_members (
					group_id BIGINT NOT NULL,
					member_id BIGINT NOT NULL,
					UNIQUE(group_id, member_id)
				);

				CREATE INDEX IF NOT EXISTS idx_group_members_member_id ON group_members(member_id);
			`,
		},
		{
			Version:     3,
			Description: "Create node_permissions table",
			SQL: `
				CREATE TABLE IF NOT EXISTS node_permissions (
					node_id BIGINT NOT NULL,
					kind VARCHAR(16) NOT NULL,
					name VARCHAR(255) NOT NULL DEFAULT '',
					actions VARCHAR(255) NOT NULL DEFAULT ''
				);

				CREATE INDEX IF NOT EXISTS idx_node_permissions_node_id ON node_permissions(node_id);
			`,
		},
		{
			Version:     4,
			Description: "Create plugins table",
			SQL: `
				CREATE TABLE IF NOT EXISTS plugins (
					name VARCHAR(255) PRIMARY KEY,
					source TEXT NOT NULL
				);
			`,
		},
	}
}

// RunMigrations applies all migrations and seeds the anonymous node.
func RunMigrations(ctx context.Context, db *sql.DB, driver string) error {
	for _, m := range Migrations(driver) {
		if _, err := db.ExecContext(ctx, m.SQL); err != nil {
			return fmt.Errorf("migration %d (%s) failed: %w", m.Version, m.Description, err)
		}
	}

	// Everyone inherits grants attached to the anonymous node, so it must
	// always exist.
	var id int64
	err := db.QueryRowContext(ctx,
		`SELECT id FROM nodes WHERE name_folded = $1 AND class = $2`,
		AnonymousNodeName, int(ClassAnonymous)).Scan(&id)
	if err == sql.ErrNoRows {
		_, err = db.ExecContext(ctx,
			`INSERT INTO nodes (name, name_folded, class) VALUES ($1, $2, $3)`,
			AnonymousNodeName, AnonymousNodeName, int(ClassAnonymous))
	}
	if err != nil {
		return fmt.Errorf("failed to seed anonymous node: %w", err)
	}
	return nil
}
