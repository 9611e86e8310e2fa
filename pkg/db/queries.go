package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var (
	ErrUserIDRequired     = errors.New("user_id is required")
	ErrConnectionNotFound = errors.New("connection not found")
)

// CreateConnection inserts a connection row with sealed credentials.
func (d *Database) CreateConnection(ctx context.Context, c Connection) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO connections (
			id, user_id, exchange_name, label,
			credentials_ciphertext, credentials_iv, credentials_salt,
			status, error_message
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		c.ID, c.UserID, c.ExchangeName, c.Label,
		c.Credentials.Ciphertext, c.Credentials.IV, c.Credentials.Salt,
		c.Status, c.ErrorMessage,
	)
	return err
}

// GetConnection loads one connection scoped to its owner.
func (d *Database) GetConnection(ctx context.Context, userID, id string) (*Connection, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}
	row := d.DB.QueryRowContext(ctx, `
		SELECT id, user_id, exchange_name, label,
		       credentials_ciphertext, credentials_iv, credentials_salt,
		       status, last_sync_at, error_message, created_at, updated_at
		FROM connections WHERE id = ? AND user_id = ?
	`, id, userID)
	return scanConnection(row)
}

// GetConnectionsByUser lists a user's connections, newest first.
func (d *Database) GetConnectionsByUser(ctx context.Context, userID string) ([]Connection, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, user_id, exchange_name, label,
		       credentials_ciphertext, credentials_iv, credentials_salt,
		       status, last_sync_at, error_message, created_at, updated_at
		FROM connections WHERE user_id = ? ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Connection
	for rows.Next() {
		c, err := scanConnection(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConnection(row rowScanner) (*Connection, error) {
	var c Connection
	var lastSync sql.NullTime
	err := row.Scan(
		&c.ID, &c.UserID, &c.ExchangeName, &c.Label,
		&c.Credentials.Ciphertext, &c.Credentials.IV, &c.Credentials.Salt,
		&c.Status, &lastSync, &c.ErrorMessage, &c.CreatedAt, &c.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrConnectionNotFound
	}
	if err != nil {
		return nil, err
	}
	if lastSync.Valid {
		c.LastSyncAt = &lastSync.Time
	}
	return &c, nil
}

// UpdateConnectionStatus moves a connection through its state machine and
// records the user-visible error message, if any.
func (d *Database) UpdateConnectionStatus(ctx context.Context, id, status, errorMessage string) error {
	_, err := d.DB.ExecContext(ctx, `
		UPDATE connections
		SET status = ?, error_message = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, status, errorMessage, id)
	return err
}

// TouchLastSync stamps a successful sync.
func (d *Database) TouchLastSync(ctx context.Context, id string, at time.Time) error {
	_, err := d.DB.ExecContext(ctx, `
		UPDATE connections
		SET last_sync_at = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, at, id)
	return err
}

// ExistingTradeIDs loads every exchange trade id already persisted for a
// connection. Loaded once per sync; the dedup pass is in-memory.
func (d *Database) ExistingTradeIDs(ctx context.Context, connectionID string) (map[string]struct{}, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT exchange_trade_id FROM trades WHERE connection_id = ?
	`, connectionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := make(map[string]struct{})
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids[id] = struct{}{}
	}
	return ids, rows.Err()
}

// InsertTradesTx writes a batch of trades inside one transaction. The
// schema's UNIQUE(connection_id, exchange_trade_id) backstops the
// at-most-once invariant; INSERT OR IGNORE keeps redelivery harmless.
func (d *Database) InsertTradesTx(ctx context.Context, trades []Trade) error {
	if len(trades) == 0 {
		return nil
	}
	tx, err := d.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin trade batch: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO trades (
			id, user_id, connection_id, exchange_trade_id, symbol, side,
			quantity, price, fee, fee_currency, executed_at,
			exchange_timestamp, platform, order_id, pnl, net_pnl, raw_data
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("prepare trade insert: %w", err)
	}
	defer stmt.Close()

	for _, t := range trades {
		if _, err := stmt.ExecContext(ctx,
			t.ID, t.UserID, t.ConnectionID, t.ExchangeTradeID, t.Symbol, t.Side,
			t.Quantity, t.Price, t.Fee, t.FeeCurrency, t.ExecutedAt,
			t.ExchangeTimestamp, t.Platform, t.OrderID, t.PnL, t.NetPnL, t.RawData,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("insert trade %s: %w", t.ExchangeTradeID, err)
		}
	}
	return tx.Commit()
}

// GetTradesByConnection lists persisted trades for a connection, oldest
// first, the order the FIFO matcher expects.
func (d *Database) GetTradesByConnection(ctx context.Context, connectionID string) ([]Trade, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, user_id, connection_id, exchange_trade_id, symbol, side,
		       quantity, price, fee, fee_currency, executed_at,
		       exchange_timestamp, platform, order_id, pnl, net_pnl, raw_data, created_at
		FROM trades WHERE connection_id = ? ORDER BY executed_at ASC
	`, connectionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTrades(rows)
}

// GetTradesByUser lists a user's trades across connections, newest first.
func (d *Database) GetTradesByUser(ctx context.Context, userID string, limit int) ([]Trade, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}
	if limit <= 0 {
		limit = 500
	}
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, user_id, connection_id, exchange_trade_id, symbol, side,
		       quantity, price, fee, fee_currency, executed_at,
		       exchange_timestamp, platform, order_id, pnl, net_pnl, raw_data, created_at
		FROM trades WHERE user_id = ? ORDER BY executed_at DESC LIMIT ?
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTrades(rows)
}

func collectTrades(rows *sql.Rows) ([]Trade, error) {
	var out []Trade
	for rows.Next() {
		var t Trade
		if err := rows.Scan(
			&t.ID, &t.UserID, &t.ConnectionID, &t.ExchangeTradeID, &t.Symbol, &t.Side,
			&t.Quantity, &t.Price, &t.Fee, &t.FeeCurrency, &t.ExecutedAt,
			&t.ExchangeTimestamp, &t.Platform, &t.OrderID, &t.PnL, &t.NetPnL, &t.RawData, &t.CreatedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// CreateSyncSession opens a session row in the running state.
func (d *Database) CreateSyncSession(ctx context.Context, s SyncSession) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO sync_sessions (id, connection_id, sync_type, status)
		VALUES (?, ?, ?, ?)
	`, s.ID, s.ConnectionID, s.SyncType, SessionRunning)
	return err
}

// FinishSyncSession moves a session to its terminal state. Sessions are
// never mutated after completion.
func (d *Database) FinishSyncSession(ctx context.Context, id, status string, synced, skipped int, errorMessage string) error {
	_, err := d.DB.ExecContext(ctx, `
		UPDATE sync_sessions
		SET status = ?, trades_synced = ?, trades_skipped = ?, error_message = ?,
		    completed_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = ?
	`, status, synced, skipped, errorMessage, id, SessionRunning)
	return err
}

// GetSyncSessions lists sessions for a connection, newest first.
func (d *Database) GetSyncSessions(ctx context.Context, connectionID string, limit int) ([]SyncSession, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, connection_id, sync_type, status, trades_synced,
		       trades_skipped, error_message, started_at, completed_at
		FROM sync_sessions WHERE connection_id = ?
		ORDER BY started_at DESC LIMIT ?
	`, connectionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SyncSession
	for rows.Next() {
		var s SyncSession
		var completed sql.NullTime
		if err := rows.Scan(
			&s.ID, &s.ConnectionID, &s.SyncType, &s.Status, &s.TradesSynced,
			&s.TradesSkipped, &s.ErrorMessage, &s.StartedAt, &completed,
		); err != nil {
			return nil, err
		}
		if completed.Valid {
			s.CompletedAt = &completed.Time
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// CreateUser inserts a user row.
func (d *Database) CreateUser(ctx context.Context, u User) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO users (id, email, password_hash) VALUES (?, ?, ?)
	`, u.ID, u.Email, u.PasswordHash)
	return err
}

// GetUserByEmail returns a user, or nil when the email is unknown.
func (d *Database) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	var u User
	err := d.DB.QueryRowContext(ctx, `
		SELECT id, email, password_hash, created_at, updated_at
		FROM users WHERE email = ?
	`, email).Scan(&u.ID, &u.Email, &u.PasswordHash, &u.CreatedAt, &u.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}
