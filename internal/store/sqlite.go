package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	_ "modernc.org/sqlite"

	"github.com/modelgate/modelgate/internal/governance"
)

const schema = `
CREATE TABLE IF NOT EXISTS conversations (
	id         TEXT PRIMARY KEY,
	title      TEXT NOT NULL,
	user_id    TEXT,
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
	id              TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL REFERENCES conversations(id),
	role            TEXT NOT NULL,
	content         TEXT NOT NULL,
	provider        TEXT,
	model           TEXT,
	tokens_input    INTEGER,
	tokens_output   INTEGER,
	created_at      TEXT NOT NULL,
	user_id         TEXT
);

CREATE INDEX IF NOT EXISTS idx_messages_user_created ON messages(user_id, created_at);

CREATE TABLE IF NOT EXISTS policies (
	id          TEXT PRIMARY KEY,
	name        TEXT NOT NULL,
	description TEXT,
	match_type  TEXT NOT NULL,
	pattern     TEXT NOT NULL,
	action      TEXT NOT NULL,
	applies_to  TEXT NOT NULL,
	enabled     INTEGER NOT NULL,
	created_at  TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS policy_hits (
	id          TEXT PRIMARY KEY,
	message_id  TEXT NOT NULL,
	policy_id   TEXT NOT NULL,
	policy_name TEXT NOT NULL,
	action      TEXT NOT NULL,
	created_at  TEXT NOT NULL
);
`

// SQLiteStore implements Store on a SQLite database in WAL mode, so
// concurrent request handlers read alongside the single writer.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if missing) the SQLite database at the
// given DSN, e.g. "file:./data/app.db" or "file::memory:".
func OpenSQLite(dsn string) (*SQLiteStore, error) {
	if path, ok := strings.CutPrefix(dsn, "file:"); ok && !strings.HasPrefix(path, ":memory:") {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create db dir: %w", err)
			}
		}
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if strings.Contains(dsn, ":memory:") {
		// Every pooled connection would otherwise see its own database.
		db.SetMaxOpenConns(1)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL;",
		"PRAGMA foreign_keys = ON;",
		"PRAGMA busy_timeout = 5000;",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply pragma: %w", err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// timeLayout is RFC3339 with fixed-width nanoseconds so string
// comparison in SQL orders correctly.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func now() string {
	return time.Now().UTC().Format(timeLayout)
}

func (s *SQLiteStore) EnsureConversation(ctx context.Context, id, title, userID string) error {
	if title == "" {
		title = "Untitled"
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO conversations (id, title, user_id, created_at)
		 VALUES (?, ?, ?, ?)`,
		id, title, nullable(userID), now(),
	)
	if err != nil {
		return fmt.Errorf("ensure conversation: %w", err)
	}
	return nil
}

func (s *SQLiteStore) InsertMessage(ctx context.Context, msg MessageInsert) (string, error) {
	id := msg.ID
	if id == "" {
		id = uuid.New().String()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages
		 (id, conversation_id, role, content, provider, model, tokens_input, tokens_output, created_at, user_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, msg.ConversationID, msg.Role, msg.Content,
		nullable(msg.Provider), nullable(msg.Model),
		nullableU32(msg.TokensInput), nullableU32(msg.TokensOutput),
		now(), nullable(msg.UserID),
	)
	if err != nil {
		return "", fmt.Errorf("insert message: %w", err)
	}
	return id, nil
}

func (s *SQLiteStore) RecordPolicyHits(ctx context.Context, hits []PolicyHitInsert) error {
	if len(hits) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin policy hits tx: %w", err)
	}
	defer tx.Rollback()

	for _, hit := range hits {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO policy_hits (id, message_id, policy_id, policy_name, action, created_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			uuid.New().String(), hit.MessageID, hit.PolicyID, hit.PolicyName, hit.Action, now(),
		)
		if err != nil {
			return fmt.Errorf("insert policy hit: %w", err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) ListPolicies(ctx context.Context) ([]governance.Policy, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, COALESCE(description, ''), match_type, pattern, action, applies_to, enabled, created_at
		 FROM policies
		 ORDER BY created_at DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("list policies: %w", err)
	}
	defer rows.Close()

	var policies []governance.Policy
	for rows.Next() {
		var p governance.Policy
		var enabled int
		if err := rows.Scan(&p.ID, &p.Name, &p.Description, &p.MatchType, &p.Pattern,
			&p.Action, &p.AppliesTo, &enabled, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan policy: %w", err)
		}
		p.Enabled = enabled != 0
		policies = append(policies, p)
	}
	return policies, rows.Err()
}

func (s *SQLiteStore) UpsertPolicy(ctx context.Context, policy governance.Policy) (governance.Policy, error) {
	if policy.ID == "" {
		policy.ID = uuid.New().String()
	}
	if policy.CreatedAt == "" {
		policy.CreatedAt = now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO policies (id, name, description, match_type, pattern, action, applies_to, enabled, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			name=excluded.name,
			description=excluded.description,
			match_type=excluded.match_type,
			pattern=excluded.pattern,
			action=excluded.action,
			applies_to=excluded.applies_to,
			enabled=excluded.enabled`,
		policy.ID, policy.Name, policy.Description, policy.MatchType, policy.Pattern,
		policy.Action, policy.AppliesTo, boolInt(policy.Enabled), policy.CreatedAt,
	)
	if err != nil {
		return governance.Policy{}, fmt.Errorf("upsert policy: %w", err)
	}
	return policy, nil
}

func (s *SQLiteStore) UsageSince(ctx context.Context, userID, sinceISO string) (UsageStats, error) {
	var stats UsageStats
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*),
			COALESCE(SUM(tokens_input), 0),
			COALESCE(SUM(tokens_output), 0)
		 FROM messages
		 WHERE user_id = ? AND created_at >= ?`,
		userID, sinceISO,
	).Scan(&stats.Requests, &stats.TokensInput, &stats.TokensOutput)
	if err != nil {
		return UsageStats{}, fmt.Errorf("usage since: %w", err)
	}
	return stats, nil
}

func (s *SQLiteStore) Counts(ctx context.Context) (Counts, error) {
	var c Counts
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM conversations`).Scan(&c.Conversations); err != nil {
		return Counts{}, fmt.Errorf("count conversations: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages`).Scan(&c.Messages); err != nil {
		return Counts{}, fmt.Errorf("count messages: %w", err)
	}
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(DISTINCT user_id) FROM conversations WHERE user_id IS NOT NULL`,
	).Scan(&c.Users); err != nil {
		return Counts{}, fmt.Errorf("count users: %w", err)
	}
	return c, nil
}

func (s *SQLiteStore) ModelUsage(ctx context.Context) ([]ModelUsage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT COALESCE(provider, 'unknown'), COALESCE(model, 'unknown'), COUNT(*)
		 FROM messages
		 WHERE role = 'assistant'
		 GROUP BY provider, model
		 ORDER BY COUNT(*) DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("model usage: %w", err)
	}
	defer rows.Close()

	var usage []ModelUsage
	for rows.Next() {
		var u ModelUsage
		if err := rows.Scan(&u.Provider, &u.Model, &u.Count); err != nil {
			return nil, fmt.Errorf("scan model usage: %w", err)
		}
		usage = append(usage, u)
	}
	return usage, rows.Err()
}

func (s *SQLiteStore) RecentMessages(ctx context.Context, limit int) ([]MessageRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, role, content,
			COALESCE(provider, ''), COALESCE(model, ''),
			tokens_input, tokens_output, COALESCE(user_id, ''), created_at
		 FROM messages
		 ORDER BY created_at DESC
		 LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("recent messages: %w", err)
	}
	defer rows.Close()

	var records []MessageRecord
	for rows.Next() {
		var r MessageRecord
		if err := rows.Scan(&r.ID, &r.ConversationID, &r.Role, &r.Content,
			&r.Provider, &r.Model, &r.TokensInput, &r.TokensOutput, &r.UserID, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

func (s *SQLiteStore) RecentPolicyHits(ctx context.Context, limit int) ([]PolicyHit, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, message_id, policy_id, policy_name, action, created_at
		 FROM policy_hits
		 ORDER BY created_at DESC
		 LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("recent policy hits: %w", err)
	}
	defer rows.Close()

	var hits []PolicyHit
	for rows.Next() {
		var h PolicyHit
		if err := rows.Scan(&h.ID, &h.MessageID, &h.PolicyID, &h.PolicyName, &h.Action, &h.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan policy hit: %w", err)
		}
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableU32(v *uint32) any {
	if v == nil {
		return nil
	}
	return int64(*v)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
