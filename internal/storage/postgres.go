// internal/storage/postgres.go
// Package storage provides PostgreSQL implementation of the Store interface.
// This implementation is intended for production use with persistent data storage.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/RegistryAccord/registryaccord-market-go/internal/model"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// dbtx is the query surface shared by the pool and an open transaction.
type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// postgres provides persistent storage for users, videos, sales and the token ledger.
type postgres struct {
	db *pgxpool.Pool // Connection pool to PostgreSQL database
}

// NewPostgres creates a new PostgreSQL storage implementation.
// It establishes a connection pool to the database and initializes the schema.
// Parameters:
//   - dsn: Database connection string in PostgreSQL format
//
// Returns:
//   - Store: Implementation of the storage interface
//   - error: Any error that occurred during initialization
func NewPostgres(dsn string) (Store, error) {
	// Parse the database connection string
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("invalid database DSN: %w", err)
	}

	// Configure connection pool settings
	config.MaxConns = 20
	config.MinConns = 5
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = time.Minute * 30
	config.HealthCheckPeriod = time.Minute

	// Establish connection with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", mapError(err))
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &postgres{db: pool}, nil
}

// initSchema creates all required tables and indexes if they don't already exist.
func initSchema(ctx context.Context, db *pgxpool.Pool) error {
	schema := `
		-- Users; every user owns exactly one wallet
		CREATE TABLE IF NOT EXISTS users (
		    id TEXT PRIMARY KEY,
		    username TEXT NOT NULL,
		    wallet_address TEXT NOT NULL UNIQUE CHECK (wallet_address <> ''),
		    created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		);

		-- Videos and their current owner
		CREATE TABLE IF NOT EXISTS videos (
		    id TEXT PRIMARY KEY,
		    title TEXT NOT NULL,
		    description TEXT NOT NULL DEFAULT '',
		    thumbnail_url TEXT NOT NULL DEFAULT '',
		    owner_id TEXT NOT NULL REFERENCES users(id),
		    created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
		    updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_videos_owner_id ON videos(owner_id);

		-- Listing of a video; presence means for sale
		CREATE TABLE IF NOT EXISTS sales_info (
		    video_id TEXT PRIMARY KEY REFERENCES videos(id),
		    price NUMERIC(20, 2) NOT NULL,
		    unit TEXT NOT NULL,
		    created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		);

		-- Buyer reservation of a video
		CREATE TABLE IF NOT EXISTS sales_lock_info (
		    video_id TEXT PRIMARY KEY REFERENCES videos(id),
		    locked_by TEXT NOT NULL REFERENCES users(id),
		    lock_until TIMESTAMP WITH TIME ZONE NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_sales_lock_info_lock_until ON sales_lock_info(lock_until);

		-- Immutable sale records
		CREATE TABLE IF NOT EXISTS transaction_history (
		    id TEXT PRIMARY KEY,
		    tx_hash TEXT NOT NULL,
		    value TEXT NOT NULL,
		    video_id TEXT NOT NULL REFERENCES videos(id),
		    from_id TEXT NOT NULL REFERENCES users(id),
		    to_id TEXT NOT NULL REFERENCES users(id),
		    created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_transaction_history_video_id ON transaction_history(video_id, created_at);

		-- Append-only token ledger; balance is the signed sum of value
		CREATE TABLE IF NOT EXISTS token_history (
		    id TEXT PRIMARY KEY,
		    user_id TEXT NOT NULL REFERENCES users(id),
		    video_id TEXT NOT NULL DEFAULT '',
		    value NUMERIC(30, 8) NOT NULL,
		    type TEXT NOT NULL,
		    timestamp TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_token_history_user_timestamp ON token_history(user_id, timestamp DESC);

		-- Outbox of post-sale rewards
		CREATE TABLE IF NOT EXISTS pending_rewards (
		    id TEXT PRIMARY KEY,
		    transaction_id TEXT NOT NULL UNIQUE,
		    user_id TEXT NOT NULL REFERENCES users(id),
		    video_id TEXT NOT NULL,
		    amount NUMERIC(30, 8) NOT NULL,
		    status TEXT NOT NULL,
		    attempts INTEGER NOT NULL DEFAULT 0,
		    last_error TEXT NOT NULL DEFAULT '',
		    created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
		    updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_pending_rewards_status ON pending_rewards(status, created_at);
	`

	_, err := db.Exec(ctx, schema)
	return err
}

// mapError folds driver errors into the storage sentinel errors.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if errors.Is(err, pgx.ErrTxClosed) {
		return ErrTxDone
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return ErrConflict
		case "23503":
			return ErrNotFound
		case "40001", "40P01":
			return fmt.Errorf("%w: %s", ErrSerialization, pgErr.Message)
		}
	}
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return err
}

// Close closes the database connection pool
func (p *postgres) Close() {
	p.db.Close()
}

func (p *postgres) Ping(ctx context.Context) error {
	return mapError(p.db.Ping(ctx))
}

// Begin opens a READ COMMITTED transaction; sale paths rely on explicit row locks.
func (p *postgres) Begin(ctx context.Context) (Tx, error) {
	tx, err := p.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return nil, mapError(err)
	}
	return &pgTx{tx: tx}, nil
}

// CreateUser creates a new user in the database
func (p *postgres) CreateUser(ctx context.Context, user model.User) error {
	if user.Wallet.Address == "" {
		return ErrWalletRequired
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	query := `INSERT INTO users (id, username, wallet_address, created_at) VALUES ($1, $2, $3, $4)`
	_, err := p.db.Exec(ctx, query, user.ID, user.Username, user.Wallet.Address, user.CreatedAt)
	if err != nil {
		if err = mapError(err); errors.Is(err, ErrConflict) {
			return err
		}
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

// CreateVideo inserts a video together with its optional listing and lock.
func (p *postgres) CreateVideo(ctx context.Context, video model.Video) error {
	now := time.Now().UTC()
	if video.CreatedAt.IsZero() {
		video.CreatedAt = now
	}
	if video.UpdatedAt.IsZero() {
		video.UpdatedAt = video.CreatedAt
	}

	return WithTx(ctx, p, func(tx Tx) error {
		t := tx.(*pgTx)
		query := `INSERT INTO videos (id, title, description, thumbnail_url, owner_id, created_at, updated_at)
		          VALUES ($1, $2, $3, $4, $5, $6, $7)`
		if _, err := t.tx.Exec(ctx, query,
			video.ID,
			video.Title,
			video.Description,
			video.ThumbnailURL,
			video.OwnerID,
			video.CreatedAt,
			video.UpdatedAt); err != nil {
			return mapError(err)
		}
		if video.SalesInfo != nil {
			info := *video.SalesInfo
			info.VideoID = video.ID
			if err := t.UpsertSalesInfo(ctx, info); err != nil {
				return err
			}
		}
		if video.SalesLock != nil {
			lock := *video.SalesLock
			lock.VideoID = video.ID
			if err := t.UpsertSalesLock(ctx, lock); err != nil {
				return err
			}
		}
		return nil
	})
}

func (p *postgres) GetUser(ctx context.Context, id string) (*model.User, error) {
	return getUser(ctx, p.db, id)
}

func (p *postgres) GetVideo(ctx context.Context, id string) (*model.Video, error) {
	return getVideo(ctx, p.db, id, false)
}

func (p *postgres) TokenBalance(ctx context.Context, userID string) (decimal.Decimal, error) {
	return tokenBalance(ctx, p.db, userID)
}

// ListTransactionHistory returns the sale records of a video in creation order.
// An empty videoID lists every record.
func (p *postgres) ListTransactionHistory(ctx context.Context, videoID string) ([]model.TransactionHistory, error) {
	query := `SELECT id, tx_hash, value, video_id, from_id, to_id, created_at
	          FROM transaction_history WHERE ($1 = '' OR video_id = $1) ORDER BY created_at ASC, id ASC`
	rows, err := p.db.Query(ctx, query, videoID)
	if err != nil {
		return nil, fmt.Errorf("failed to list transaction history: %w", mapError(err))
	}
	defer rows.Close()

	result := make([]model.TransactionHistory, 0)
	for rows.Next() {
		var h model.TransactionHistory
		if err := rows.Scan(&h.ID, &h.TxHash, &h.Value, &h.VideoID, &h.FromID, &h.ToID, &h.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan transaction history: %w", err)
		}
		result = append(result, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating transaction history: %w", err)
	}
	return result, nil
}

// ListTokenHistory returns a page of the user's ledger joined with video metadata, newest first.
func (p *postgres) ListTokenHistory(ctx context.Context, userID string, offset, limit int) ([]model.TokenHistoryItem, int, error) {
	var total int
	if err := p.db.QueryRow(ctx, `SELECT COUNT(*) FROM token_history WHERE user_id = $1`, userID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count token history: %w", mapError(err))
	}

	query := `SELECT th.id, th.user_id, th.video_id, th.value::text, th.type, th.timestamp,
	                 v.id, v.title, v.thumbnail_url
	          FROM token_history th
	          LEFT JOIN videos v ON v.id = th.video_id
	          WHERE th.user_id = $1
	          ORDER BY th.timestamp DESC, th.id DESC
	          OFFSET $2 LIMIT $3`
	rows, err := p.db.Query(ctx, query, userID, offset, limit)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list token history: %w", mapError(err))
	}
	defer rows.Close()

	items := make([]model.TokenHistoryItem, 0, limit)
	for rows.Next() {
		var (
			item                         model.TokenHistoryItem
			value, entryType             string
			videoID, title, thumbnailURL *string
		)
		if err := rows.Scan(
			&item.ID,
			&item.UserID,
			&item.VideoID,
			&value,
			&entryType,
			&item.Timestamp,
			&videoID,
			&title,
			&thumbnailURL,
		); err != nil {
			return nil, 0, fmt.Errorf("failed to scan token history: %w", err)
		}
		if item.Value, err = decimal.NewFromString(value); err != nil {
			return nil, 0, fmt.Errorf("invalid token value %q: %w", value, err)
		}
		item.Type = model.TokenHistoryType(entryType)
		if videoID != nil {
			item.Video = &model.VideoSummary{ID: *videoID, Title: deref(title), ThumbnailURL: deref(thumbnailURL)}
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("error iterating token history: %w", err)
	}
	return items, total, nil
}

func (p *postgres) ListPendingRewards(ctx context.Context, limit int) ([]model.PendingReward, error) {
	query := `SELECT id, transaction_id, user_id, video_id, amount::text, status, attempts, last_error, created_at, updated_at
	          FROM pending_rewards WHERE status = $1 ORDER BY created_at ASC LIMIT $2`
	rows, err := p.db.Query(ctx, query, string(model.RewardPending), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending rewards: %w", mapError(err))
	}
	defer rows.Close()

	result := make([]model.PendingReward, 0)
	for rows.Next() {
		r, err := scanPendingReward(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating pending rewards: %w", err)
	}
	return result, nil
}

// DeleteExpiredLocks removes reservations whose lock_until is not after now.
// Rows held by an in-flight sale are skipped and reaped on a later sweep.
func (p *postgres) DeleteExpiredLocks(ctx context.Context, now time.Time) (int, error) {
	query := `DELETE FROM sales_lock_info WHERE video_id IN (
	              SELECT video_id FROM sales_lock_info WHERE lock_until <= $1 FOR UPDATE SKIP LOCKED)`
	tag, err := p.db.Exec(ctx, query, now)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired locks: %w", mapError(err))
	}
	return int(tag.RowsAffected()), nil
}

func (p *postgres) CountSalesLocks(ctx context.Context) (int, error) {
	var n int
	if err := p.db.QueryRow(ctx, `SELECT COUNT(*) FROM sales_lock_info`).Scan(&n); err != nil {
		return 0, mapError(err)
	}
	return n, nil
}

// pgTx is a unit of work backed by a database transaction.
type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) Commit(ctx context.Context) error {
	return mapError(t.tx.Commit(ctx))
}

func (t *pgTx) Rollback(ctx context.Context) error {
	return mapError(t.tx.Rollback(ctx))
}

func (t *pgTx) GetUser(ctx context.Context, id string) (*model.User, error) {
	return getUser(ctx, t.tx, id)
}

func (t *pgTx) GetVideo(ctx context.Context, id string) (*model.Video, error) {
	return getVideo(ctx, t.tx, id, false)
}

func (t *pgTx) TokenBalance(ctx context.Context, userID string) (decimal.Decimal, error) {
	return tokenBalance(ctx, t.tx, userID)
}

// LockVideo takes FOR UPDATE on the video row, then re-reads its child rows.
func (t *pgTx) LockVideo(ctx context.Context, videoID string) (*model.Video, error) {
	return getVideo(ctx, t.tx, videoID, true)
}

func (t *pgTx) LockUser(ctx context.Context, userID string) error {
	var id string
	err := t.tx.QueryRow(ctx, `SELECT id FROM users WHERE id = $1 FOR UPDATE`, userID).Scan(&id)
	return mapError(err)
}

func (t *pgTx) LockPendingReward(ctx context.Context, id string) (*model.PendingReward, error) {
	query := `SELECT id, transaction_id, user_id, video_id, amount::text, status, attempts, last_error, created_at, updated_at
	          FROM pending_rewards WHERE id = $1 FOR UPDATE`
	r, err := scanPendingReward(t.tx.QueryRow(ctx, query, id))
	if err != nil {
		return nil, mapError(err)
	}
	return r, nil
}

func (t *pgTx) UpsertSalesInfo(ctx context.Context, info model.SalesInfo) error {
	query := `INSERT INTO sales_info (video_id, price, unit, created_at) VALUES ($1, $2::numeric, $3, $4)
	          ON CONFLICT (video_id) DO UPDATE SET price = EXCLUDED.price, unit = EXCLUDED.unit, created_at = EXCLUDED.created_at`
	_, err := t.tx.Exec(ctx, query, info.VideoID, info.Price.String(), info.Unit, info.CreatedAt)
	return mapError(err)
}

func (t *pgTx) DeleteSalesInfo(ctx context.Context, videoID string) error {
	_, err := t.tx.Exec(ctx, `DELETE FROM sales_info WHERE video_id = $1`, videoID)
	return mapError(err)
}

func (t *pgTx) UpsertSalesLock(ctx context.Context, lock model.SalesLockInfo) error {
	query := `INSERT INTO sales_lock_info (video_id, locked_by, lock_until) VALUES ($1, $2, $3)
	          ON CONFLICT (video_id) DO UPDATE SET locked_by = EXCLUDED.locked_by, lock_until = EXCLUDED.lock_until`
	_, err := t.tx.Exec(ctx, query, lock.VideoID, lock.LockedBy, lock.LockUntil)
	return mapError(err)
}

func (t *pgTx) DeleteSalesLock(ctx context.Context, videoID string) error {
	_, err := t.tx.Exec(ctx, `DELETE FROM sales_lock_info WHERE video_id = $1`, videoID)
	return mapError(err)
}

func (t *pgTx) UpdateVideoOwner(ctx context.Context, videoID, expectedOwnerID, newOwnerID string, at time.Time) error {
	query := `UPDATE videos SET owner_id = $1, updated_at = $2 WHERE id = $3 AND owner_id = $4`
	tag, err := t.tx.Exec(ctx, query, newOwnerID, at, videoID, expectedOwnerID)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := t.tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM videos WHERE id = $1)`, videoID).Scan(&exists); err != nil {
			return mapError(err)
		}
		if !exists {
			return ErrNotFound
		}
		return ErrConflict
	}
	return nil
}

func (t *pgTx) CreateTransactionHistory(ctx context.Context, h model.TransactionHistory) error {
	query := `INSERT INTO transaction_history (id, tx_hash, value, video_id, from_id, to_id, created_at)
	          VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err := t.tx.Exec(ctx, query, h.ID, h.TxHash, h.Value, h.VideoID, h.FromID, h.ToID, h.CreatedAt)
	return mapError(err)
}

func (t *pgTx) AppendTokenHistory(ctx context.Context, entry model.TokenHistory) error {
	query := `INSERT INTO token_history (id, user_id, video_id, value, type, timestamp)
	          VALUES ($1, $2, $3, $4::numeric, $5, $6)`
	_, err := t.tx.Exec(ctx, query,
		entry.ID,
		entry.UserID,
		entry.VideoID,
		entry.Value.String(),
		string(entry.Type),
		entry.Timestamp)
	return mapError(err)
}

func (t *pgTx) CreatePendingReward(ctx context.Context, r model.PendingReward) error {
	query := `INSERT INTO pending_rewards (id, transaction_id, user_id, video_id, amount, status, attempts, last_error, created_at, updated_at)
	          VALUES ($1, $2, $3, $4, $5::numeric, $6, $7, $8, $9, $10)`
	_, err := t.tx.Exec(ctx, query,
		r.ID,
		r.TransactionID,
		r.UserID,
		r.VideoID,
		r.Amount.String(),
		string(r.Status),
		r.Attempts,
		r.LastError,
		r.CreatedAt,
		r.UpdatedAt)
	return mapError(err)
}

func (t *pgTx) UpdatePendingReward(ctx context.Context, r model.PendingReward) error {
	query := `UPDATE pending_rewards SET status = $1, attempts = $2, last_error = $3, updated_at = $4 WHERE id = $5`
	tag, err := t.tx.Exec(ctx, query, string(r.Status), r.Attempts, r.LastError, r.UpdatedAt, r.ID)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func getUser(ctx context.Context, db dbtx, id string) (*model.User, error) {
	query := `SELECT id, username, wallet_address, created_at FROM users WHERE id = $1`
	var user model.User
	err := db.QueryRow(ctx, query, id).Scan(&user.ID, &user.Username, &user.Wallet.Address, &user.CreatedAt)
	if err != nil {
		if err = mapError(err); errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return &user, nil
}

// getVideo reads a video with its listing and lock in one round trip.
// With forUpdate the video row stays locked until the transaction ends.
func getVideo(ctx context.Context, db dbtx, id string, forUpdate bool) (*model.Video, error) {
	query := `SELECT v.id, v.title, v.description, v.thumbnail_url, v.owner_id, v.created_at, v.updated_at,
	                 s.price::text, s.unit, s.created_at,
	                 l.locked_by, l.lock_until
	          FROM videos v
	          LEFT JOIN sales_info s ON s.video_id = v.id
	          LEFT JOIN sales_lock_info l ON l.video_id = v.id
	          WHERE v.id = $1`
	if forUpdate {
		query += ` FOR UPDATE OF v`
	}

	var (
		video       model.Video
		price, unit *string
		listedAt    *time.Time
		lockedBy    *string
		lockUntil   *time.Time
	)
	err := db.QueryRow(ctx, query, id).Scan(
		&video.ID,
		&video.Title,
		&video.Description,
		&video.ThumbnailURL,
		&video.OwnerID,
		&video.CreatedAt,
		&video.UpdatedAt,
		&price,
		&unit,
		&listedAt,
		&lockedBy,
		&lockUntil,
	)
	if err != nil {
		if err = mapError(err); errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to get video: %w", err)
	}

	if price != nil {
		amount, err := decimal.NewFromString(*price)
		if err != nil {
			return nil, fmt.Errorf("invalid price %q: %w", *price, err)
		}
		video.SalesInfo = &model.SalesInfo{VideoID: video.ID, Price: amount, Unit: deref(unit)}
		if listedAt != nil {
			video.SalesInfo.CreatedAt = *listedAt
		}
	}
	if lockedBy != nil && lockUntil != nil {
		video.SalesLock = &model.SalesLockInfo{VideoID: video.ID, LockedBy: *lockedBy, LockUntil: *lockUntil}
	}
	return &video, nil
}

func tokenBalance(ctx context.Context, db dbtx, userID string) (decimal.Decimal, error) {
	var sum string
	err := db.QueryRow(ctx, `SELECT COALESCE(SUM(value), 0)::text FROM token_history WHERE user_id = $1`, userID).Scan(&sum)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to sum token history: %w", mapError(err))
	}
	balance, err := decimal.NewFromString(sum)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid token balance %q: %w", sum, err)
	}
	return balance, nil
}

func scanPendingReward(row pgx.Row) (*model.PendingReward, error) {
	var (
		r              model.PendingReward
		amount, status string
	)
	if err := row.Scan(
		&r.ID,
		&r.TransactionID,
		&r.UserID,
		&r.VideoID,
		&amount,
		&status,
		&r.Attempts,
		&r.LastError,
		&r.CreatedAt,
		&r.UpdatedAt,
	); err != nil {
		return nil, err
	}
	var err error
	if r.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("invalid reward amount %q: %w", amount, err)
	}
	r.Status = model.PendingRewardStatus(status)
	return &r, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
