package persistence

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/MimeLyc/translation-orchestrator/internal/queue"
	"github.com/MimeLyc/translation-orchestrator/internal/translator"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// SQLiteStore persists queue items and saved translations. It implements
// queue.Store.
type SQLiteStore struct {
	db *sql.DB
}

var _ queue.Store = (*SQLiteStore)(nil)

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("db path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db}
	if err := store.init(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "PRAGMA journal_mode = WAL;"); err != nil {
		return fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "PRAGMA busy_timeout = 5000;"); err != nil {
		return fmt.Errorf("set busy timeout: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	entries, err := migrationFiles.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		version := migrationVersion(entry.Name())
		if version <= 0 {
			continue
		}
		var exists int
		if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_migrations WHERE version = ?`, version).Scan(&exists); err != nil {
			return fmt.Errorf("check migration %s: %w", entry.Name(), err)
		}
		if exists > 0 {
			continue
		}
		// embed.FS paths always use forward slashes.
		content, err := migrationFiles.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("read migration %s: %w", entry.Name(), err)
		}
		if _, err := s.db.ExecContext(ctx, string(content)); err != nil {
			return fmt.Errorf("apply migration %s: %w", entry.Name(), err)
		}
		if _, err := s.db.ExecContext(ctx, `INSERT INTO schema_migrations (version) VALUES (?)`, version); err != nil {
			return fmt.Errorf("record migration %s: %w", entry.Name(), err)
		}
	}
	return nil
}

// migrationVersion extracts the leading integer from a migration filename (e.g. "001_init.sql" → 1).
func migrationVersion(name string) int {
	for i, c := range name {
		if c < '0' || c > '9' {
			if i == 0 {
				return 0
			}
			n, _ := strconv.Atoi(name[:i])
			return n
		}
	}
	n, _ := strconv.Atoi(name)
	return n
}

// LoadItems returns every queue item in insertion order.
func (s *SQLiteStore) LoadItems(ctx context.Context) ([]*queue.Item, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, payload_json
		 FROM queue_items
		 ORDER BY added_at ASC, id ASC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ret := make([]*queue.Item, 0)
	for rows.Next() {
		var id, payload string
		if err := rows.Scan(&id, &payload); err != nil {
			return nil, err
		}
		var item queue.Item
		if err := json.Unmarshal([]byte(payload), &item); err != nil {
			return nil, fmt.Errorf("decode queue item %s: %w", id, err)
		}
		item.ID = id
		ret = append(ret, &item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return ret, nil
}

// UpsertItem stores item. A stale row of the same video under another id is
// replaced.
func (s *SQLiteStore) UpsertItem(ctx context.Context, item *queue.Item) (err error) {
	if item == nil {
		return fmt.Errorf("queue item is nil")
	}
	payload, err := json.Marshal(item)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `DELETE FROM queue_items WHERE video_key = ? AND id <> ?`, item.VideoKey, item.ID); err != nil {
		return err
	}
	_, err = tx.ExecContext(
		ctx,
		`INSERT INTO queue_items (id, video_key, status, payload_json, added_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			video_key=excluded.video_key,
			status=excluded.status,
			payload_json=excluded.payload_json,
			updated_at=excluded.updated_at`,
		item.ID,
		item.VideoKey,
		string(item.Status),
		string(payload),
		item.AddedAt.UTC(),
		time.Now().UTC(),
	)
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) DeleteItem(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM queue_items WHERE id = ?`, id)
	return err
}

// GetTranslation returns nil without error when nothing is saved.
func (s *SQLiteStore) GetTranslation(ctx context.Context, videoKey string) (*queue.SavedTranslation, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT video_key, text, ranges_json, is_partial, language, updated_at
		 FROM saved_translations
		 WHERE video_key = ?`,
		videoKey,
	)

	var ret queue.SavedTranslation
	var rangesJSON string
	var isPartial int
	if err := row.Scan(&ret.VideoKey, &ret.Text, &rangesJSON, &isPartial, &ret.Language, &ret.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	if err := json.Unmarshal([]byte(rangesJSON), &ret.CompletedRanges); err != nil {
		return nil, fmt.Errorf("decode ranges of %s: %w", videoKey, err)
	}
	ret.Partial = isPartial == 1
	return &ret, nil
}

func (s *SQLiteStore) SaveTranslation(ctx context.Context, t *queue.SavedTranslation) error {
	if t == nil {
		return fmt.Errorf("translation is nil")
	}
	ranges := t.CompletedRanges
	if ranges == nil {
		ranges = []translator.Range{}
	}
	rangesJSON, err := json.Marshal(ranges)
	if err != nil {
		return err
	}
	updatedAt := t.UpdatedAt.UTC()
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}
	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO saved_translations (video_key, text, ranges_json, is_partial, language, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(video_key) DO UPDATE SET
			text=excluded.text,
			ranges_json=excluded.ranges_json,
			is_partial=excluded.is_partial,
			language=excluded.language,
			updated_at=excluded.updated_at`,
		t.VideoKey,
		t.Text,
		string(rangesJSON),
		boolToInt(t.Partial),
		t.Language,
		updatedAt,
	)
	return err
}

func (s *SQLiteStore) DeleteTranslation(ctx context.Context, videoKey string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM saved_translations WHERE video_key = ?`, videoKey)
	return err
}

// Stats counts queue items per status and saved translations.
func (s *SQLiteStore) Stats(ctx context.Context) (Stats, error) {
	ret := Stats{ByStatus: make(map[queue.Status]int)}
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM queue_items GROUP BY status`)
	if err != nil {
		return ret, err
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return ret, err
		}
		ret.ByStatus[queue.Status(status)] = n
		ret.Items += n
	}
	if err := rows.Err(); err != nil {
		return ret, err
	}

	row := s.db.QueryRowContext(ctx, `SELECT COUNT(*), COALESCE(SUM(is_partial), 0) FROM saved_translations`)
	if err := row.Scan(&ret.Translations, &ret.PartialTranslations); err != nil {
		return ret, err
	}
	return ret, nil
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
