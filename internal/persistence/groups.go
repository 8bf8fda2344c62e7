package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Group mirrors §3's Group entity: a chat/folder binding plus the routing
// and sandbox knobs that apply to everything run against it.
type Group struct {
	Folder           string
	Name             string
	ChatJID          string
	TriggerPrefix    string
	RequiresTrigger  bool
	AdditionalMounts []string
	TimeoutMs        int
	IsMain           bool
	AddedAt          time.Time
}

const groupColumns = `folder, name, chat_jid, trigger_prefix, requires_trigger,
	additional_mounts, timeout_ms, is_main, added_at`

func scanGroup(row interface {
	Scan(dest ...any) error
}) (Group, error) {
	var g Group
	var requiresTrigger, isMain int
	var mountsJSON, addedAt string

	if err := row.Scan(
		&g.Folder, &g.Name, &g.ChatJID, &g.TriggerPrefix, &requiresTrigger,
		&mountsJSON, &g.TimeoutMs, &isMain, &addedAt,
	); err != nil {
		return Group{}, err
	}
	g.RequiresTrigger = requiresTrigger != 0
	g.IsMain = isMain != 0

	var mounts []string
	if err := json.Unmarshal([]byte(mountsJSON), &mounts); err != nil {
		return Group{}, fmt.Errorf("parse additional_mounts: %w", err)
	}
	g.AdditionalMounts = mounts

	parsed, err := time.Parse(time.RFC3339Nano, addedAt)
	if err != nil {
		return Group{}, fmt.Errorf("parse added_at: %w", err)
	}
	g.AddedAt = parsed
	return g, nil
}

// CreateGroup inserts a new Group. folder is the primary key (I1: at most
// one group per folder).
func (s *Store) CreateGroup(ctx context.Context, g Group) error {
	if g.Folder == "" {
		return fmt.Errorf("persistence: group folder is required")
	}
	mounts := g.AdditionalMounts
	if mounts == nil {
		mounts = []string{}
	}
	mountsJSON, err := json.Marshal(mounts)
	if err != nil {
		return fmt.Errorf("marshal additional_mounts: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO groups (
			folder, name, chat_jid, trigger_prefix, requires_trigger,
			additional_mounts, timeout_ms, is_main, added_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?);
	`, g.Folder, g.Name, g.ChatJID, g.TriggerPrefix, boolToInt(g.RequiresTrigger),
		string(mountsJSON), g.TimeoutMs, boolToInt(g.IsMain), nowRFC3339())
	if err != nil {
		return fmt.Errorf("create group: %w", err)
	}
	return nil
}

// GetGroupByFolder returns the group at the given folder, or ErrNotFound.
func (s *Store) GetGroupByFolder(ctx context.Context, folder string) (Group, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+groupColumns+` FROM groups WHERE folder = ?;`, folder)
	g, err := scanGroup(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Group{}, ErrNotFound
	}
	if err != nil {
		return Group{}, fmt.Errorf("get group: %w", err)
	}
	return g, nil
}

// GetGroupByChatJID looks up the group bound to a given chat, or ErrNotFound.
func (s *Store) GetGroupByChatJID(ctx context.Context, chatJID string) (Group, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+groupColumns+` FROM groups WHERE chat_jid = ? LIMIT 1;`, chatJID)
	g, err := scanGroup(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Group{}, ErrNotFound
	}
	if err != nil {
		return Group{}, fmt.Errorf("get group by chat: %w", err)
	}
	return g, nil
}

// GetAllGroups returns every registered group, ordered by folder.
func (s *Store) GetAllGroups(ctx context.Context) ([]Group, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+groupColumns+` FROM groups ORDER BY folder ASC;`)
	if err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}
	defer rows.Close()

	var groups []Group
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, fmt.Errorf("scan group: %w", err)
		}
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

// UpdateGroup replaces the mutable fields of an existing group.
func (s *Store) UpdateGroup(ctx context.Context, g Group) error {
	mounts := g.AdditionalMounts
	if mounts == nil {
		mounts = []string{}
	}
	mountsJSON, err := json.Marshal(mounts)
	if err != nil {
		return fmt.Errorf("marshal additional_mounts: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE groups SET name = ?, chat_jid = ?, trigger_prefix = ?, requires_trigger = ?,
			additional_mounts = ?, timeout_ms = ?, is_main = ?
		WHERE folder = ?;
	`, g.Name, g.ChatJID, g.TriggerPrefix, boolToInt(g.RequiresTrigger),
		string(mountsJSON), g.TimeoutMs, boolToInt(g.IsMain), g.Folder)
	if err != nil {
		return fmt.Errorf("update group: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update group rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteGroup removes a group by folder. Associated tasks and heartbeat
// jobs are left in place (§3 does not name a cascading delete for groups).
func (s *Store) DeleteGroup(ctx context.Context, folder string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM groups WHERE folder = ?;`, folder)
	if err != nil {
		return fmt.Errorf("delete group: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete group rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
