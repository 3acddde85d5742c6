package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/character-exchange/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// inTx runs fn inside a transaction, committing when fn returns nil.
func (s *PostgresStore) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err := tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
			slog.Error("rollback failed", "err", err)
		}
	}()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// --- Characters ---

const characterColumns = `id, name, crew, bounty, current_price::TEXT, market_cap::TEXT,
	weekly_change::TEXT, sentiment_score, description, image_url, is_active, created_at, updated_at`

func (s *PostgresStore) CreateCharacter(ctx context.Context, c *model.Character) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO characters (id, name, crew, bounty, current_price, market_cap, weekly_change,
		                         sentiment_score, description, image_url, is_active, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8, $9, $10, $11, $12, $13)`,
		c.ID, c.Name, c.Crew, c.Bounty,
		c.CurrentPrice.String(), c.MarketCap.String(), c.WeeklyChange.String(),
		c.SentimentScore, c.Description, c.ImageURL, c.IsActive, c.CreatedAt, c.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("character %q: %w", c.Name, ErrConflict)
	}
	return err
}

func (s *PostgresStore) GetCharacter(ctx context.Context, id string) (*model.Character, error) {
	c, err := scanCharacter(s.pool.QueryRow(ctx,
		`SELECT `+characterColumns+` FROM characters WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "character "+id)
	}
	return c, nil
}

var characterSortColumns = map[string]string{
	"name":          "name",
	"current_price": "current_price",
	"bounty":        "bounty",
	"weekly_change": "weekly_change",
	"created_at":    "created_at",
}

func (s *PostgresStore) ListCharacters(ctx context.Context, f model.CharacterFilter) ([]model.Character, int, error) {
	var (
		where []string
		args  []any
	)
	if f.Crew != "" {
		args = append(args, f.Crew)
		where = append(where, fmt.Sprintf("LOWER(crew) = LOWER($%d)", len(args)))
	}
	if f.IsActive != nil {
		args = append(args, *f.IsActive)
		where = append(where, fmt.Sprintf("is_active = $%d", len(args)))
	}
	cond := ""
	if len(where) > 0 {
		cond = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM characters`+cond, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count characters: %w", err)
	}

	col, ok := characterSortColumns[f.SortBy]
	if !ok {
		col = "name"
	}
	dir := "ASC"
	if f.SortDesc {
		dir = "DESC"
	}
	query := `SELECT ` + characterColumns + ` FROM characters` + cond +
		fmt.Sprintf(" ORDER BY %s %s, id ASC", col, dir)
	if f.PageSize > 0 {
		page := f.Page
		if page < 1 {
			page = 1
		}
		args = append(args, f.PageSize, (page-1)*f.PageSize)
		query += fmt.Sprintf(" LIMIT $%d OFFSET $%d", len(args)-1, len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list characters: %w", err)
	}
	defer rows.Close()

	var out []model.Character
	for rows.Next() {
		c, err := scanCharacter(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, *c)
	}
	return out, total, rows.Err()
}

func (s *PostgresStore) UpdateCharacter(ctx context.Context, id string, fn func(c *model.Character) error) (*model.Character, error) {
	var updated *model.Character
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		c, err := scanCharacter(tx.QueryRow(ctx,
			`SELECT `+characterColumns+` FROM characters WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			return notFound(err, "character "+id)
		}
		if err := fn(c); err != nil {
			return err
		}
		_, err = tx.Exec(ctx,
			`UPDATE characters
			 SET name = $2, crew = $3, bounty = $4, current_price = $5::NUMERIC, market_cap = $6::NUMERIC,
			     weekly_change = $7::NUMERIC, sentiment_score = $8, description = $9, image_url = $10,
			     is_active = $11, updated_at = $12
			 WHERE id = $1`,
			c.ID, c.Name, c.Crew, c.Bounty,
			c.CurrentPrice.String(), c.MarketCap.String(), c.WeeklyChange.String(),
			c.SentimentScore, c.Description, c.ImageURL, c.IsActive, c.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("update character %s: %w", id, err)
		}
		updated = c
		return nil
	})
	return updated, err
}

// --- Accounts ---

func (s *PostgresStore) CreateAccount(ctx context.Context, a *model.Account) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO accounts (user_id, balance, created_at, updated_at)
		 VALUES ($1, $2::NUMERIC, $3, $4)`,
		a.UserID, a.Balance.String(), a.CreatedAt, a.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("account %s: %w", a.UserID, ErrConflict)
	}
	return err
}

func (s *PostgresStore) GetAccount(ctx context.Context, userID string) (*model.Account, error) {
	a, err := scanAccount(s.pool.QueryRow(ctx,
		`SELECT user_id, balance::TEXT, created_at, updated_at FROM accounts WHERE user_id = $1`, userID))
	if err != nil {
		return nil, notFound(err, "account "+userID)
	}
	return a, nil
}

func (s *PostgresStore) ApplyEntry(ctx context.Context, userID, ref string, delta decimal.Decimal) (*model.Account, error) {
	var out *model.Account
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		a, err := scanAccount(tx.QueryRow(ctx,
			`SELECT user_id, balance::TEXT, created_at, updated_at
			 FROM accounts WHERE user_id = $1 FOR UPDATE`, userID))
		if err != nil {
			return notFound(err, "account "+userID)
		}

		tag, err := tx.Exec(ctx,
			`INSERT INTO account_entries (user_id, ref, amount) VALUES ($1, $2, $3::NUMERIC)
			 ON CONFLICT (user_id, ref) DO NOTHING`,
			userID, ref, delta.String())
		if err != nil {
			return fmt.Errorf("insert account entry: %w", err)
		}
		if tag.RowsAffected() == 0 {
			out = a
			return nil
		}

		next := a.Balance.Add(delta)
		if next.IsNegative() {
			return fmt.Errorf("account %s: %w", userID, ErrInsufficientFunds)
		}
		a.Balance = next
		a.UpdatedAt = time.Now().UTC()
		if _, err := tx.Exec(ctx,
			`UPDATE accounts SET balance = $2::NUMERIC, updated_at = $3 WHERE user_id = $1`,
			userID, a.Balance.String(), a.UpdatedAt); err != nil {
			return fmt.Errorf("update balance: %w", err)
		}
		out = a
		return nil
	})
	return out, err
}

// --- Holdings & trades ---

const holdingColumns = `user_id, character_id, quantity, average_price::TEXT, total_invested::TEXT, created_at, updated_at`

const tradeColumns = `id, user_id, character_id, trade_type, quantity, price::TEXT, total_amount::TEXT, status, created_at`

func (s *PostgresStore) GetHolding(ctx context.Context, userID, characterID string) (*model.Holding, error) {
	h, err := scanHolding(s.pool.QueryRow(ctx,
		`SELECT `+holdingColumns+` FROM holdings WHERE user_id = $1 AND character_id = $2`,
		userID, characterID))
	if err != nil {
		return nil, notFound(err, "holding "+userID+"/"+characterID)
	}
	return h, nil
}

func (s *PostgresStore) ListHoldings(ctx context.Context, userID string) ([]model.Holding, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+holdingColumns+` FROM holdings WHERE user_id = $1 ORDER BY character_id`, userID)
	if err != nil {
		return nil, fmt.Errorf("list holdings: %w", err)
	}
	defer rows.Close()

	var out []model.Holding
	for rows.Next() {
		h, err := scanHolding(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *h)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CommitTrade(ctx context.Context, t model.Trade) (model.Holding, bool, error) {
	var (
		next    model.Holding
		removed bool
	)
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		cur, err := scanHolding(tx.QueryRow(ctx,
			`SELECT `+holdingColumns+` FROM holdings
			 WHERE user_id = $1 AND character_id = $2 FOR UPDATE`,
			t.UserID, t.CharacterID))
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("lock holding: %w", err)
		}

		switch t.Type {
		case model.Buy:
			next, err = model.ApplyBuy(cur, t.UserID, t.CharacterID, t.Quantity, t.Price, t.CreatedAt)
			if err != nil {
				return err
			}
			_, err = tx.Exec(ctx,
				`INSERT INTO holdings (user_id, character_id, quantity, average_price, total_invested, created_at, updated_at)
				 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6, $7)
				 ON CONFLICT (user_id, character_id) DO UPDATE
				 SET quantity = EXCLUDED.quantity, average_price = EXCLUDED.average_price,
				     total_invested = EXCLUDED.total_invested, updated_at = EXCLUDED.updated_at`,
				next.UserID, next.CharacterID, next.Quantity,
				next.AveragePrice.String(), next.TotalInvested.String(), next.CreatedAt, next.UpdatedAt)
		case model.Sell:
			if cur == nil {
				return model.ErrInsufficientShares
			}
			next, removed, err = model.ApplySell(*cur, t.Quantity, t.CreatedAt)
			if err != nil {
				return err
			}
			if removed {
				_, err = tx.Exec(ctx,
					`DELETE FROM holdings WHERE user_id = $1 AND character_id = $2`,
					t.UserID, t.CharacterID)
			} else {
				_, err = tx.Exec(ctx,
					`UPDATE holdings SET quantity = $3, total_invested = $4::NUMERIC, updated_at = $5
					 WHERE user_id = $1 AND character_id = $2`,
					t.UserID, t.CharacterID, next.Quantity, next.TotalInvested.String(), next.UpdatedAt)
			}
		default:
			return fmt.Errorf("unknown trade type %q", t.Type)
		}
		if err != nil {
			return fmt.Errorf("write holding: %w", err)
		}

		return insertTrade(ctx, tx, t)
	})
	if err != nil {
		return model.Holding{}, false, err
	}
	return next, removed, nil
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func insertTrade(ctx context.Context, db execer, t model.Trade) error {
	_, err := db.Exec(ctx,
		`INSERT INTO trades (id, user_id, character_id, trade_type, quantity, price, total_amount, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8, $9)`,
		t.ID, t.UserID, t.CharacterID, string(t.Type), t.Quantity,
		t.Price.String(), t.TotalAmount.String(), string(t.Status), t.CreatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("trade %s: %w", t.ID, ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("insert trade: %w", err)
	}
	return nil
}

func (s *PostgresStore) InsertTrade(ctx context.Context, t model.Trade) error {
	return insertTrade(ctx, s.pool, t)
}

func (s *PostgresStore) GetTrade(ctx context.Context, id string) (*model.Trade, error) {
	t, err := scanTrade(s.pool.QueryRow(ctx, `SELECT `+tradeColumns+` FROM trades WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "trade "+id)
	}
	return t, nil
}

func (s *PostgresStore) UpdateTradeStatus(ctx context.Context, id string, from, to model.TradeStatus) (*model.Trade, error) {
	t, err := scanTrade(s.pool.QueryRow(ctx,
		`UPDATE trades SET status = $3 WHERE id = $1 AND status = $2 RETURNING `+tradeColumns,
		id, string(from), string(to)))
	if err == nil {
		return t, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("update trade status: %w", err)
	}
	if _, err := s.GetTrade(ctx, id); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("trade %s: %w", id, ErrStatusConflict)
}

func (s *PostgresStore) ListTrades(ctx context.Context, userID string, limit, offset int) ([]model.Trade, int, error) {
	var total int
	if err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM trades WHERE user_id = $1`, userID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count trades: %w", err)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT `+tradeColumns+` FROM trades WHERE user_id = $1
		 ORDER BY created_at DESC, id DESC LIMIT $2 OFFSET $3`,
		userID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list trades: %w", err)
	}
	defer rows.Close()

	trades, err := scanTrades(rows)
	return trades, total, err
}

func (s *PostgresStore) ListTradesBetween(ctx context.Context, from, to time.Time) ([]model.Trade, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+tradeColumns+` FROM trades
		 WHERE created_at >= $1 AND created_at < $2 ORDER BY created_at, id`, from, to)
	if err != nil {
		return nil, fmt.Errorf("list trades between: %w", err)
	}
	defer rows.Close()
	return scanTrades(rows)
}

func (s *PostgresStore) TradeStats(ctx context.Context, since time.Time) (model.TradeStats, error) {
	var (
		st     model.TradeStats
		volume string
	)
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*), COALESCE(SUM(total_amount), 0)::TEXT, COALESCE(SUM(quantity), 0),
		        COUNT(DISTINCT user_id)
		 FROM trades WHERE status = 'COMPLETED' AND created_at >= $1`, since).
		Scan(&st.Count, &volume, &st.Shares, &st.ActiveTraders)
	if err != nil {
		return model.TradeStats{}, fmt.Errorf("trade stats: %w", err)
	}
	st.Volume = numeric(volume)
	return st, nil
}

// --- Scanning helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCharacter(row rowScanner) (*model.Character, error) {
	var c model.Character
	var price, mcap, weekly string
	if err := row.Scan(&c.ID, &c.Name, &c.Crew, &c.Bounty, &price, &mcap, &weekly,
		&c.SentimentScore, &c.Description, &c.ImageURL, &c.IsActive, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	c.CurrentPrice = numeric(price)
	c.MarketCap = numeric(mcap)
	c.WeeklyChange = numeric(weekly)
	return &c, nil
}

func scanAccount(row rowScanner) (*model.Account, error) {
	var a model.Account
	var balance string
	if err := row.Scan(&a.UserID, &balance, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	a.Balance = numeric(balance)
	return &a, nil
}

func scanHolding(row rowScanner) (*model.Holding, error) {
	var h model.Holding
	var avg, invested string
	if err := row.Scan(&h.UserID, &h.CharacterID, &h.Quantity, &avg, &invested, &h.CreatedAt, &h.UpdatedAt); err != nil {
		return nil, err
	}
	h.AveragePrice = numeric(avg)
	h.TotalInvested = numeric(invested)
	return &h, nil
}

func scanTrade(row rowScanner) (*model.Trade, error) {
	var t model.Trade
	var typ, status, price, total string
	if err := row.Scan(&t.ID, &t.UserID, &t.CharacterID, &typ, &t.Quantity, &price, &total, &status, &t.CreatedAt); err != nil {
		return nil, err
	}
	t.Type = model.TradeType(typ)
	t.Status = model.TradeStatus(status)
	t.Price = numeric(price)
	t.TotalAmount = numeric(total)
	return &t, nil
}

func scanTrades(rows pgx.Rows) ([]model.Trade, error) {
	var out []model.Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// numeric parses a NUMERIC column read as TEXT.
func numeric(s string) decimal.Decimal {
	d, _ := decimal.NewFromString(s)
	return d
}

func notFound(err error, what string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return fmt.Errorf("%s: %w", what, err)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
