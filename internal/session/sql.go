package session

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/nao1215/edgegate/pkg/migration"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrations embed.FS

// SQLBackend はdatabase/sqlを使うBackend実装。SQLiteとPostgreSQLに対応する。
type SQLBackend struct {
	// db はデータベース接続。
	db *sql.DB
	// dialect はSQL方言。
	dialect migration.Dialect
	// owned はClose時にdbを閉じるかどうか。
	owned bool
}

var _ Backend = (*SQLBackend)(nil)

// OpenSQLBackend はDSNからデータベースを開き、スキーマを適用したSQLBackendを返す。
// dialectはmigration.SQLiteまたはmigration.Postgres。
func OpenSQLBackend(ctx context.Context, dialect migration.Dialect, dsn string, log *zap.Logger) (*SQLBackend, error) {
	driver := "sqlite"
	if dialect == migration.Postgres {
		driver = "postgres"
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("データベース接続に失敗: %w", err)
	}
	if dialect == migration.SQLite {
		// SQLiteは書き込みを1接続に限定する。:memory: の場合は接続ごとに別DBになる。
		db.SetMaxOpenConns(1)
	}

	b, err := NewSQLBackend(ctx, db, dialect, log)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	b.owned = true
	return b, nil
}

// NewSQLBackend は既存の接続にスキーマを適用したSQLBackendを返す。
func NewSQLBackend(ctx context.Context, db *sql.DB, dialect migration.Dialect, log *zap.Logger) (*SQLBackend, error) {
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("データベースへの疎通確認に失敗: %w", err)
	}
	if err := migration.Run(ctx, db, dialect, migrations, "migrations", log); err != nil {
		return nil, fmt.Errorf("セッションスキーマの適用に失敗: %w", err)
	}
	return &SQLBackend{db: db, dialect: dialect}, nil
}

// Close はOpenSQLBackendで開いた接続を閉じる。
func (b *SQLBackend) Close() error {
	if !b.owned {
		return nil
	}
	return b.db.Close()
}

// Load はレコードを返す。
func (b *SQLBackend) Load(ctx context.Context, key string) (*Record, error) {
	var (
		rec       Record
		data      string
		createdAt int64
		updatedAt int64
	)
	err := b.db.QueryRowContext(ctx,
		b.dialect.Rebind("SELECT id, data, created_at, updated_at FROM sessions WHERE session_key = ?"),
		key,
	).Scan(&rec.ID, &data, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("セッションの取得に失敗: %w", err)
	}

	rec.Data = []byte(data)
	rec.CreatedAt = time.Unix(0, createdAt).UTC()
	rec.UpdatedAt = time.Unix(0, updatedAt).UTC()
	return &rec, nil
}

// Save はレコードを保存する。
func (b *SQLBackend) Save(ctx context.Context, key string, rec *Record) error {
	_, err := b.db.ExecContext(ctx, b.dialect.Rebind(`
		INSERT INTO sessions (session_key, id, data, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (session_key) DO UPDATE SET
			id = excluded.id,
			data = excluded.data,
			created_at = excluded.created_at,
			updated_at = excluded.updated_at
	`), key, rec.ID, string(rec.Data), rec.CreatedAt.UnixNano(), rec.UpdatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("セッションの保存に失敗: %w", err)
	}
	return nil
}

// Remove はレコードを削除する。
func (b *SQLBackend) Remove(ctx context.Context, key string) error {
	_, err := b.db.ExecContext(ctx, b.dialect.Rebind("DELETE FROM sessions WHERE session_key = ?"), key)
	if err != nil {
		return fmt.Errorf("セッションの削除に失敗: %w", err)
	}
	return nil
}
