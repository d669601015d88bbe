package security

import (
	"context"
	"database/sql"

	"github.com/sirupsen/logrus"
)

// GraphStore persists the permission graph: nodes, membership edges, grants
// and the plugin name→source map. No other component reads or writes these
// tables directly.
//
// Every mutation runs inside a single transaction and rolls back fully on
// failure, so partial graph state is never observable. Storage failures are
// logged here in full and surfaced to callers as opaque StoreErrors.
type GraphStore struct {
	db  *sql.DB
	log *logrus.Logger
}

// NewGraphStore creates a graph store on an open database handle.
func NewGraphStore(db *sql.DB, log *logrus.Logger) *GraphStore {
	if log == nil {
		log = logrus.New()
	}
	return &GraphStore{db: db, log: log}
}

// fault logs a backing-store failure with full detail and returns the
// sanitized form callers are allowed to see.
func (s *GraphStore) fault(op string, err error) error {
	s.log.WithError(err).Errorf("storage failure while %s", op)
	return &StoreError{Op: op, Err: err}
}

// withTx runs fn inside a transaction, rolling back on any error.
func (s *GraphStore) withTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return s.fault(op, err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && rbErr != sql.ErrTxDone {
			s.log.WithError(rbErr).Errorf("rollback failed while %s", op)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return s.fault(op, err)
	}
	return nil
}

// NodeID resolves (name, class) to a node id. Lookup is case-insensitive.
func (s *GraphStore) NodeID(ctx context.Context, name string, class NodeClass) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM nodes WHERE name_folded = $1 AND class = $2`,
		FoldName(name), int(class)).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, &NotFoundError{Kind: class.String(), Name: name}
	}
	if err != nil {
		return 0, s.fault("resolving node "+name, err)
	}
	return id, nil
}

// NodeByID loads the display form of a node.
func (s *GraphStore) NodeByID(ctx context.Context, id int64) (*Node, error) {
	var n Node
	var class int
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, class FROM nodes WHERE id = $1`, id).Scan(&n.ID, &n.Name, &class)
	if err == sql.ErrNoRows {
		return nil, &NotFoundError{Kind: "node", Name: "?"}
	}
	if err != nil {
		return nil, s.fault("loading node", err)
	}
	n.Class = NodeClass(class)
	return &n, nil
}

// ParentGroups returns the ids of the groups nodeID is directly a member of.
func (s *GraphStore) ParentGroups(ctx context.Context, nodeID int64) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT group_id FROM group_members WHERE member_id = $1`, nodeID)
	if err != nil {
		return nil, s.fault("loading parent groups", err)
	}
	defer rows.Close()

	parents := []int64{}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, s.fault("scanning parent group", err)
		}
		parents = append(parents, id)
	}
	if err := rows.Err(); err != nil {
		return nil, s.fault("loading parent groups", err)
	}
	return parents, nil
}

// GrantsForNode returns the grants attached directly to nodeID, not the
// transitive closure. Unparseable rows are skipped with a warning rather
// than poisoning the whole set.
func (s *GraphStore) GrantsForNode(ctx context.Context, nodeID int64) ([]Permission, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT kind, name, actions FROM node_permissions WHERE node_id = $1`, nodeID)
	if err != nil {
		return nil, s.fault("loading node permissions", err)
	}
	defer rows.Close()

	grants := []Permission{}
	for rows.Next() {
		var kind, name, actions string
		if err := rows.Scan(&kind, &name, &actions); err != nil {
			return nil, s.fault("scanning node permission", err)
		}
		perm, err := ParsePermission(kind, name, actions)
		if err != nil {
			s.log.WithError(err).Warnf("skipping malformed grant on node %d", nodeID)
			continue
		}
		grants = append(grants, perm)
	}
	if err := rows.Err(); err != nil {
		return nil, s.fault("loading node permissions", err)
	}
	return grants, nil
}

// txNodeID resolves (name, class) inside a transaction. Returns 0 with no
// error when the node does not exist.
func (s *GraphStore) txNodeID(tx *sql.Tx, name string, class NodeClass) (int64, error) {
	var id int64
	err := tx.QueryRow(
		`SELECT id FROM nodes WHERE name_folded = $1 AND class = $2`,
		FoldName(name), int(class)).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return id, err
}

// txInsertNode inserts a node and returns its id. The id is re-read by name
// rather than via LastInsertId, which the postgres driver does not support.
func (s *GraphStore) txInsertNode(tx *sql.Tx, name string, class NodeClass) (int64, error) {
	if _, err := tx.Exec(
		`INSERT INTO nodes (name, name_folded, class) VALUES ($1, $2, $3)`,
		name, FoldName(name), int(class)); err != nil {
		return 0, err
	}
	return s.txNodeID(tx, name, class)
}

// AddUser creates a user node, its same-named user group, and the
// membership edge between them, atomically.
func (s *GraphStore) AddUser(ctx context.Context, userName string) error {
	op := "adding user " + userName
	return s.withTx(ctx, op, func(tx *sql.Tx) error {
		for _, class := range []NodeClass{ClassUser, ClassUserGroup} {
			id, err := s.txNodeID(tx, userName, class)
			if err != nil {
				return s.fault(op, err)
			}
			if id != 0 {
				return conflictf("user %s already exists", userName)
			}
		}

		userID, err := s.txInsertNode(tx, userName, ClassUser)
		if err != nil {
			return s.fault(op, err)
		}
		groupID, err := s.txInsertNode(tx, userName, ClassUserGroup)
		if err != nil {
			return s.fault(op, err)
		}
		if _, err := tx.Exec(
			`INSERT INTO group_members (group_id, member_id) VALUES ($1, $2)`,
			groupID, userID); err != nil {
			return s.fault(op, err)
		}
		return nil
	})
}

// LinkUser creates leaf as a new alias of the existing user root: a fresh
// user node made a member of root's user group.
func (s *GraphStore) LinkUser(ctx context.Context, root, leaf string) error {
	op := "linking user " + leaf + " to " + root
	return s.withTx(ctx, op, func(tx *sql.Tx) error {
		leafID, err := s.txNodeID(tx, leaf, ClassUser)
		if err != nil {
			return s.fault(op, err)
		}
		if leafID != 0 {
			return conflictf("user %s already exists", leaf)
		}

		rootUserID, err := s.txNodeID(tx, root, ClassUser)
		if err != nil {
			return s.fault(op, err)
		}
		if rootUserID == 0 {
			return &NotFoundError{Kind: "user", Name: root}
		}

		rootGroupID, err := s.txNodeID(tx, root, ClassUserGroup)
		if err != nil {
			return s.fault(op, err)
		}
		if rootGroupID == 0 {
			return conflictf("user %s is a leaf user, you can't link to it", root)
		}

		// The root user must itself be bound to its group, otherwise it is
		// a leaf produced by a previous link.
		var memberID int64
		err = tx.QueryRow(
			`SELECT member_id FROM group_members WHERE group_id = $1 AND member_id = $2`,
			rootGroupID, rootUserID).Scan(&memberID)
		if err == sql.ErrNoRows {
			return conflictf("user %s is a leaf user, you can't link to it", root)
		}
		if err != nil {
			return s.fault(op, err)
		}

		newID, err := s.txInsertNode(tx, leaf, ClassUser)
		if err != nil {
			return s.fault(op, err)
		}
		if _, err := tx.Exec(
			`INSERT INTO group_members (group_id, member_id) VALUES ($1, $2)`,
			rootGroupID, newID); err != nil {
			return s.fault(op, err)
		}
		return nil
	})
}

// DeleteUser removes a user node and its outgoing membership edges. The
// user's groups survive.
func (s *GraphStore) DeleteUser(ctx context.Context, userName string) (int64, error) {
	op := "deleting user " + userName
	var userID int64
	err := s.withTx(ctx, op, func(tx *sql.Tx) error {
		id, err := s.txNodeID(tx, userName, ClassUser)
		if err != nil {
			return s.fault(op, err)
		}
		if id == 0 {
			return &NotFoundError{Kind: "user", Name: userName}
		}
		userID = id

		if _, err := tx.Exec(`DELETE FROM group_members WHERE member_id = $1`, id); err != nil {
			return s.fault(op, err)
		}
		if _, err := tx.Exec(`DELETE FROM nodes WHERE id = $1`, id); err != nil {
			return s.fault(op, err)
		}
		return nil
	})
	return userID, err
}

// AddGroup creates a group node.
func (s *GraphStore) AddGroup(ctx context.Context, group Node) error {
	op := "adding group " + group.Name
	return s.withTx(ctx, op, func(tx *sql.Tx) error {
		id, err := s.txNodeID(tx, group.Name, group.Class)
		if err != nil {
			return s.fault(op, err)
		}
		if id != 0 {
			return conflictf("group %s already exists", group.Name)
		}
		if _, err := s.txInsertNode(tx, group.Name, group.Class); err != nil {
			return s.fault(op, err)
		}
		return nil
	})
}

// EnsureNode creates a node if it does not already exist and returns its
// id either way.
func (s *GraphStore) EnsureNode(ctx context.Context, node Node) (int64, error) {
	op := "ensuring node " + node.Name
	var id int64
	err := s.withTx(ctx, op, func(tx *sql.Tx) error {
		existing, err := s.txNodeID(tx, node.Name, node.Class)
		if err != nil {
			return s.fault(op, err)
		}
		if existing != 0 {
			id = existing
			return nil
		}
		created, err := s.txInsertNode(tx, node.Name, node.Class)
		if err != nil {
			return s.fault(op, err)
		}
		id = created
		return nil
	})
	return id, err
}

// AddMember adds the membership edge child→parent.
func (s *GraphStore) AddMember(ctx context.Context, parentID, childID int64, parentName, childName string) error {
	op := "adding " + childName + " to group " + parentName
	return s.withTx(ctx, op, func(tx *sql.Tx) error {
		var existing int64
		err := tx.QueryRow(
			`SELECT member_id FROM group_members WHERE group_id = $1 AND member_id = $2`,
			parentID, childID).Scan(&existing)
		if err == nil {
			return conflictf("group %s already has member %s", parentName, childName)
		}
		if err != sql.ErrNoRows {
			return s.fault(op, err)
		}
		if _, err := tx.Exec(
			`INSERT INTO group_members (group_id, member_id) VALUES ($1, $2)`,
			parentID, childID); err != nil {
			return s.fault(op, err)
		}
		return nil
	})
}

// RemoveMember removes the membership edge child→parent.
func (s *GraphStore) RemoveMember(ctx context.Context, parentID, childID int64, parentName, childName string) error {
	op := "removing " + childName + " from group " + parentName
	return s.withTx(ctx, op, func(tx *sql.Tx) error {
		var existing int64
		err := tx.QueryRow(
			`SELECT member_id FROM group_members WHERE group_id = $1 AND member_id = $2`,
			parentID, childID).Scan(&existing)
		if err == sql.ErrNoRows {
			return conflictf("group %s does not have member %s", parentName, childName)
		}
		if err != nil {
			return s.fault(op, err)
		}
		if _, err := tx.Exec(
			`DELETE FROM group_members WHERE group_id = $1 AND member_id = $2`,
			parentID, childID); err != nil {
			return s.fault(op, err)
		}
		return nil
	})
}

// InsertGrant attaches a grant row to a node. Implication pre-checks belong
// to the engine; this is the raw write.
func (s *GraphStore) InsertGrant(ctx context.Context, nodeID int64, perm Permission) error {
	op := "granting " + perm.Render()
	return s.withTx(ctx, op, func(tx *sql.Tx) error {
		if _, err := tx.Exec(
			`INSERT INTO node_permissions (node_id, kind, name, actions) VALUES ($1, $2, $3, $4)`,
			nodeID, perm.Kind(), perm.StoredName(), perm.Actions); err != nil {
			return s.fault(op, err)
		}
		return nil
	})
}

// DeleteGrant removes a grant row matching perm exactly. Removing a grant
// that was never written in that exact form is a conflict.
func (s *GraphStore) DeleteGrant(ctx context.Context, nodeID int64, perm Permission) error {
	op := "revoking " + perm.Render()
	return s.withTx(ctx, op, func(tx *sql.Tx) error {
		var res sql.Result
		var err error
		if perm.Match == MatchAll {
			res, err = tx.Exec(
				`DELETE FROM node_permissions WHERE node_id = $1 AND kind = $2`,
				nodeID, KindAll)
		} else {
			res, err = tx.Exec(
				`DELETE FROM node_permissions WHERE node_id = $1 AND kind = $2 AND name = $3 AND actions = $4`,
				nodeID, perm.Kind(), perm.StoredName(), perm.Actions)
		}
		if err != nil {
			return s.fault(op, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return s.fault(op, err)
		}
		if n == 0 {
			return conflictf("that permission wasn't explicitly assigned in the form you attempted to revoke; try the find permission command to locate it")
		}
		return nil
	})
}

// RootUser returns the root name a user resolves to: the parent group
// that is some user's own group (created alongside that user). Ordinary
// group memberships don't count. A user bound to zero or several user
// groups indicates graph corruption and is surfaced as a store fault.
func (s *GraphStore) RootUser(ctx context.Context, userName string) (string, error) {
	op := "fetching root user for " + userName
	userID, err := s.NodeID(ctx, userName, ClassUser)
	if err != nil {
		return "", err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT g.name FROM group_members gm
		 JOIN nodes g ON g.id = gm.group_id AND g.class = $1
		 JOIN nodes u ON u.name_folded = g.name_folded AND u.class = $2
		 WHERE gm.member_id = $3`,
		int(ClassUserGroup), int(ClassUser), userID)
	if err != nil {
		return "", s.fault(op, err)
	}
	defer rows.Close()

	var roots []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return "", s.fault(op, err)
		}
		roots = append(roots, name)
	}
	if err := rows.Err(); err != nil {
		return "", s.fault(op, err)
	}
	if len(roots) != 1 {
		return "", s.fault(op, conflictf("user %s resolves to %d root users, expected exactly 1", userName, len(roots)))
	}
	return roots[0], nil
}

// RecordPlugin durably records a plugin's source locator so reload can
// recover it later.
func (s *GraphStore) RecordPlugin(ctx context.Context, name, source string) error {
	op := "recording plugin " + name
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO plugins (name, source) VALUES ($1, $2)
		 ON CONFLICT (name) DO UPDATE SET source = EXCLUDED.source`,
		FoldName(name), source)
	if err != nil {
		return s.fault(op, err)
	}
	return nil
}

// PluginSource returns the recorded source locator for a plugin.
func (s *GraphStore) PluginSource(ctx context.Context, name string) (string, error) {
	var source string
	err := s.db.QueryRowContext(ctx,
		`SELECT source FROM plugins WHERE name = $1`, FoldName(name)).Scan(&source)
	if err == sql.ErrNoRows {
		return "", &NotFoundError{Kind: "plugin", Name: name}
	}
	if err != nil {
		return "", s.fault("fetching plugin source for "+name, err)
	}
	return source, nil
}
