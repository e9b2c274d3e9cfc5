package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/lifecycle-engine/internal/ledger"
	"github.com/atmx/lifecycle-engine/internal/model"
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

// Migrate creates the tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, Schema)
	return err
}

// --- Users, risk profiles and affiliates ---

func (s *PostgresStore) GetRiskProfile(ctx context.Context, userID string) (*model.RiskProfile, error) {
	var p model.RiskProfile
	var risk, lev, channel string

	err := s.pool.QueryRow(ctx,
		`SELECT user_id, risk_percent::TEXT, leverage::TEXT, max_concurrent, preferred_exchange, funding_channel
		 FROM risk_profiles WHERE user_id = $1`, userID).
		Scan(&p.UserID, &risk, &lev, &p.MaxConcurrentPositions, &p.PreferredExchange, &channel)
	if err != nil {
		return nil, wrapNoRows(fmt.Sprintf("risk profile %s", userID), err)
	}
	p.RiskPercentPerTrade, _ = decimal.NewFromString(risk)
	p.Leverage, _ = decimal.NewFromString(lev)
	p.FundingChannel = model.Channel(channel)
	return &p, nil
}

func (s *PostgresStore) PutRiskProfile(ctx context.Context, p *model.RiskProfile) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO risk_profiles (user_id, risk_percent, leverage, max_concurrent, preferred_exchange, funding_channel)
		 VALUES ($1, $2::NUMERIC, $3::NUMERIC, $4, $5, $6)
		 ON CONFLICT (user_id) DO UPDATE
		 SET risk_percent = EXCLUDED.risk_percent, leverage = EXCLUDED.leverage,
		     max_concurrent = EXCLUDED.max_concurrent, preferred_exchange = EXCLUDED.preferred_exchange,
		     funding_channel = EXCLUDED.funding_channel`,
		p.UserID, p.RiskPercentPerTrade.String(), p.Leverage.String(),
		p.MaxConcurrentPositions, p.PreferredExchange, string(p.FundingChannel),
	)
	return err
}

func (s *PostgresStore) PutAffiliate(ctx context.Context, a *model.AffiliateAccount) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO affiliates (user_id, tier, commission_rate, accrued_total)
		 VALUES ($1, $2, $3::NUMERIC, 0)
		 ON CONFLICT (user_id) DO UPDATE
		 SET tier = EXCLUDED.tier, commission_rate = EXCLUDED.commission_rate`,
		a.UserID, string(a.Tier), a.CommissionRate.String(),
	)
	return err
}

func (s *PostgresStore) GetAffiliate(ctx context.Context, affiliateID string) (*model.AffiliateAccount, error) {
	a, err := scanAffiliate(s.pool.QueryRow(ctx,
		`SELECT user_id, tier, commission_rate::TEXT, accrued_total::TEXT
		 FROM affiliates WHERE user_id = $1`, affiliateID))
	if err != nil {
		return nil, wrapNoRows(fmt.Sprintf("affiliate %s", affiliateID), err)
	}
	return a, nil
}

func (s *PostgresStore) PutReferral(ctx context.Context, r model.Referral) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO referrals (user_id, affiliate_id) VALUES ($1, $2)
		 ON CONFLICT (user_id) DO UPDATE SET affiliate_id = EXCLUDED.affiliate_id`,
		r.UserID, r.AffiliateID,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23503" { // foreign_key_violation
		return fmt.Errorf("affiliate %s: %w", r.AffiliateID, ErrNotFound)
	}
	return err
}

func (s *PostgresStore) GetReferrer(ctx context.Context, userID string) (*model.AffiliateAccount, error) {
	a, err := scanAffiliate(s.pool.QueryRow(ctx,
		`SELECT a.user_id, a.tier, a.commission_rate::TEXT, a.accrued_total::TEXT
		 FROM referrals r JOIN affiliates a ON a.user_id = r.affiliate_id
		 WHERE r.user_id = $1`, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return a, err
}

func scanAffiliate(row pgx.Row) (*model.AffiliateAccount, error) {
	var a model.AffiliateAccount
	var tier, rate, accrued string
	if err := row.Scan(&a.UserID, &tier, &rate, &accrued); err != nil {
		return nil, err
	}
	a.Tier = model.Tier(tier)
	a.CommissionRate, _ = decimal.NewFromString(rate)
	a.AccruedTotal, _ = decimal.NewFromString(accrued)
	return &a, nil
}

// --- Balances ---

func (s *PostgresStore) GetBalance(ctx context.Context, userID, asset string, ch model.Channel) (model.Balance, error) {
	b := model.Balance{UserID: userID, Asset: asset, Channel: ch}
	var free, locked string

	err := s.pool.QueryRow(ctx,
		`SELECT free::TEXT, locked::TEXT FROM balances
		 WHERE user_id = $1 AND asset = $2 AND channel = $3`,
		userID, asset, string(ch)).Scan(&free, &locked)
	if errors.Is(err, pgx.ErrNoRows) {
		return b, nil
	}
	if err != nil {
		return b, err
	}
	b.Free, _ = decimal.NewFromString(free)
	b.Locked, _ = decimal.NewFromString(locked)
	return b, nil
}

func (s *PostgresStore) ListBalances(ctx context.Context, userID string) ([]model.Balance, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT user_id, asset, channel, free::TEXT, locked::TEXT FROM balances
		 WHERE user_id = $1 ORDER BY asset, channel`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var balances []model.Balance
	for rows.Next() {
		var b model.Balance
		var channel, free, locked string
		if err := rows.Scan(&b.UserID, &b.Asset, &channel, &free, &locked); err != nil {
			return nil, err
		}
		b.Channel = model.Channel(channel)
		b.Free, _ = decimal.NewFromString(free)
		b.Locked, _ = decimal.NewFromString(locked)
		balances = append(balances, b)
	}
	return balances, rows.Err()
}

func (s *PostgresStore) Deposit(ctx context.Context, userID, asset string, ch model.Channel, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("deposit amount must be positive, got %s", amount)
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO balances (user_id, asset, channel, free, locked)
		 VALUES ($1, $2, $3, $4::NUMERIC, 0)
		 ON CONFLICT (user_id, asset, channel) DO UPDATE SET free = balances.free + EXCLUDED.free`,
		userID, asset, string(ch), amount.String(),
	)
	return err
}

// LockBalance uses a guarded UPDATE so concurrent locks can never drive
// free below zero.
func (s *PostgresStore) LockBalance(ctx context.Context, userID, asset string, ch model.Channel, amount decimal.Decimal) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE balances SET free = free - $4::NUMERIC, locked = locked + $4::NUMERIC
		 WHERE user_id = $1 AND asset = $2 AND channel = $3 AND free >= $4::NUMERIC`,
		userID, asset, string(ch), amount.String(),
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: need %s of %s/%s", ErrInsufficientFunds, amount, asset, ch)
	}
	return nil
}

func (s *PostgresStore) UnlockBalance(ctx context.Context, userID, asset string, ch model.Channel, amount decimal.Decimal) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE balances SET free = free + $4::NUMERIC, locked = locked - $4::NUMERIC
		 WHERE user_id = $1 AND asset = $2 AND channel = $3 AND locked >= $4::NUMERIC`,
		userID, asset, string(ch), amount.String(),
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: release %s of %s/%s", ErrLockMismatch, amount, asset, ch)
	}
	return nil
}

// --- Positions ---

const positionColumns = `id, signal_id, user_id, symbol, asset, direction, channel,
	entry_price::TEXT, quantity::TEXT, notional::TEXT, leverage::TEXT,
	take_profit::TEXT, stop_loss::TEXT, state, reject_reason, close_reason, exchange_order_id,
	opened_at, closing_at, closed_at, exit_price::TEXT, realized_pnl::TEXT, settle_attempts`

func (s *PostgresStore) CreatePosition(ctx context.Context, p *model.Position) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO positions (id, signal_id, user_id, symbol, asset, direction, channel,
		                        entry_price, quantity, notional, leverage, take_profit, stop_loss,
		                        state, reject_reason, close_reason, exchange_order_id,
		                        opened_at, closing_at, closed_at, exit_price, realized_pnl, settle_attempts)
		 VALUES ($1, $2, $3, $4, $5, $6, $7,
		         $8::NUMERIC, $9::NUMERIC, $10::NUMERIC, $11::NUMERIC, $12::NUMERIC, $13::NUMERIC,
		         $14, $15, $16, $17, $18, $19, $20, $21::NUMERIC, $22::NUMERIC, $23)`,
		p.ID, p.SignalID, p.UserID, p.Symbol, p.Asset, string(p.Direction), string(p.Channel),
		p.EntryPrice.String(), p.Quantity.String(), p.Notional.String(), p.Leverage.String(),
		nullDec(p.TakeProfit), nullDec(p.StopLoss),
		string(p.State), string(p.RejectReason), string(p.CloseReason), p.ExchangeOrderID,
		p.OpenedAt, p.ClosingAt, p.ClosedAt, nullDec(p.ExitPrice), nullDec(p.RealizedPnL), p.SettleAttempts,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" { // unique_violation
		return fmt.Errorf("position %s: %w", p.ID, ErrDuplicate)
	}
	return err
}

func (s *PostgresStore) UpdatePosition(ctx context.Context, p *model.Position) error {
	tag, err := s.pool.Exec(ctx, updatePositionSQL, updatePositionArgs(p)...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		var state string
		err := s.pool.QueryRow(ctx, `SELECT state FROM positions WHERE id = $1`, p.ID).Scan(&state)
		if err != nil {
			return wrapNoRows(fmt.Sprintf("position %s", p.ID), err)
		}
		return fmt.Errorf("position %s: %w", p.ID, ErrAlreadySettled)
	}
	return nil
}

const updatePositionSQL = `UPDATE positions
	SET state = $2, reject_reason = $3, close_reason = $4, exchange_order_id = $5,
	    take_profit = $6::NUMERIC, stop_loss = $7::NUMERIC,
	    closing_at = $8, closed_at = $9, exit_price = $10::NUMERIC, realized_pnl = $11::NUMERIC,
	    settle_attempts = $12
	WHERE id = $1 AND state <> 'CLOSED'`

func updatePositionArgs(p *model.Position) []any {
	return []any{
		p.ID, string(p.State), string(p.RejectReason), string(p.CloseReason), p.ExchangeOrderID,
		nullDec(p.TakeProfit), nullDec(p.StopLoss),
		p.ClosingAt, p.ClosedAt, nullDec(p.ExitPrice), nullDec(p.RealizedPnL), p.SettleAttempts,
	}
}

func (s *PostgresStore) GetPosition(ctx context.Context, id string) (*model.Position, error) {
	p, err := scanPosition(s.pool.QueryRow(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE id = $1`, id))
	if err != nil {
		return nil, wrapNoRows(fmt.Sprintf("position %s", id), err)
	}
	return p, nil
}

func (s *PostgresStore) ListUserPositions(ctx context.Context, userID string) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE user_id = $1 ORDER BY opened_at DESC, id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPositions(rows)
}

func (s *PostgresStore) ListPositionsByState(ctx context.Context, states ...model.State) ([]model.Position, error) {
	names := make([]string, len(states))
	for i, st := range states {
		names[i] = string(st)
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE state = ANY($1) ORDER BY opened_at DESC, id`, names)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPositions(rows)
}

func (s *PostgresStore) CountActivePositions(ctx context.Context, userID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM positions WHERE user_id = $1 AND state IN ('OPENED', 'MONITORING')`,
		userID).Scan(&n)
	return n, err
}

func scanPositions(rows pgx.Rows) ([]model.Position, error) {
	var positions []model.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, *p)
	}
	return positions, rows.Err()
}

func scanPosition(row pgx.Row) (*model.Position, error) {
	var p model.Position
	var direction, channel, state, reject, closeReason string
	var entry, qty, notional, lev string
	var tp, sl, exit, pnl *string

	if err := row.Scan(&p.ID, &p.SignalID, &p.UserID, &p.Symbol, &p.Asset, &direction, &channel,
		&entry, &qty, &notional, &lev,
		&tp, &sl, &state, &reject, &closeReason, &p.ExchangeOrderID,
		&p.OpenedAt, &p.ClosingAt, &p.ClosedAt, &exit, &pnl, &p.SettleAttempts); err != nil {
		return nil, err
	}

	p.Direction = model.Direction(direction)
	p.Channel = model.Channel(channel)
	p.State = model.State(state)
	p.RejectReason = model.Reason(reject)
	p.CloseReason = model.CloseReason(closeReason)
	p.EntryPrice, _ = decimal.NewFromString(entry)
	p.Quantity, _ = decimal.NewFromString(qty)
	p.Notional, _ = decimal.NewFromString(notional)
	p.Leverage, _ = decimal.NewFromString(lev)
	p.TakeProfit = parseNullDec(tp)
	p.StopLoss = parseNullDec(sl)
	p.ExitPrice = parseNullDec(exit)
	p.RealizedPnL = parseNullDec(pnl)
	return &p, nil
}

// --- Cooldowns ---

func (s *PostgresStore) GetCooldown(ctx context.Context, userID, symbol string) (*model.CooldownRecord, error) {
	c := model.CooldownRecord{UserID: userID, Symbol: symbol}
	err := s.pool.QueryRow(ctx,
		`SELECT blocked_until FROM cooldowns WHERE user_id = $1 AND symbol = $2`,
		userID, symbol).Scan(&c.BlockedUntil)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *PostgresStore) ListCooldowns(ctx context.Context, userID string) ([]model.CooldownRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT user_id, symbol, blocked_until FROM cooldowns WHERE user_id = $1 ORDER BY symbol`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.CooldownRecord
	for rows.Next() {
		var c model.CooldownRecord
		if err := rows.Scan(&c.UserID, &c.Symbol, &c.BlockedUntil); err != nil {
			return nil, err
		}
		result = append(result, c)
	}
	return result, rows.Err()
}

// --- Settlement and immutable ledger ---

// ApplySettlement writes the whole batch in one transaction. The position
// row is locked first so a concurrent retry of the same settlement blocks
// and then observes CLOSED.
func (s *PostgresStore) ApplySettlement(ctx context.Context, b *ledger.Batch, closed *model.Position, cd model.CooldownRecord) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin settlement: %w", err)
	}
	defer tx.Rollback(ctx)

	var state string
	err = tx.QueryRow(ctx, `SELECT state FROM positions WHERE id = $1 FOR UPDATE`, b.PositionID).Scan(&state)
	if err != nil {
		return wrapNoRows(fmt.Sprintf("position %s", b.PositionID), err)
	}
	if model.State(state) == model.StateClosed {
		return ErrAlreadySettled
	}
	var settled bool
	if err := tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM ledger_entries WHERE position_id = $1)`, b.PositionID).Scan(&settled); err != nil {
		return err
	}
	if settled {
		return ErrAlreadySettled
	}

	tag, err := tx.Exec(ctx,
		`UPDATE balances SET locked = locked - $4::NUMERIC, free = free + $5::NUMERIC
		 WHERE user_id = $1 AND asset = $2 AND channel = $3 AND locked >= $4::NUMERIC`,
		b.UserID, b.Asset, string(b.Channel), b.Released.String(), b.FreeDelta.String())
	if err != nil {
		return fmt.Errorf("settle balance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: release %s of %s/%s", ErrLockMismatch, b.Released, b.Asset, b.Channel)
	}

	batch := &pgx.Batch{}
	for _, e := range b.Entries {
		batch.Queue(
			`INSERT INTO ledger_entries (id, position_id, user_id, type, amount, channel, created_at)
			 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6, $7)`,
			e.ID, e.PositionID, e.UserID, string(e.Type), e.Amount.String(), string(e.Channel), e.CreatedAt)
	}
	if b.AffiliateID != "" && b.AffiliateCommission.IsPositive() {
		batch.Queue(
			`UPDATE affiliates SET accrued_total = accrued_total + $2::NUMERIC WHERE user_id = $1`,
			b.AffiliateID, b.AffiliateCommission.String())
	}
	batch.Queue(updatePositionSQL, updatePositionArgs(closed)...)
	batch.Queue(
		`INSERT INTO cooldowns (user_id, symbol, blocked_until) VALUES ($1, $2, $3)
		 ON CONFLICT (user_id, symbol) DO UPDATE
		 SET blocked_until = GREATEST(cooldowns.blocked_until, EXCLUDED.blocked_until)`,
		cd.UserID, cd.Symbol, cd.BlockedUntil)

	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("settle batch: %w", err)
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) GetLedgerEntriesByPosition(ctx context.Context, positionID string) ([]model.LedgerEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, position_id, user_id, type, amount::TEXT, channel, created_at
		 FROM ledger_entries WHERE position_id = $1 ORDER BY created_at, id`, positionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanLedgerEntries(rows)
}

func (s *PostgresStore) GetLedgerEntriesByUser(ctx context.Context, userID string) ([]model.LedgerEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, position_id, user_id, type, amount::TEXT, channel, created_at
		 FROM ledger_entries WHERE user_id = $1 ORDER BY created_at, id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanLedgerEntries(rows)
}

// --- Signal audit ---

func (s *PostgresStore) RecordSignal(ctx context.Context, rec *model.SignalRecord) error {
	sig := rec.Signal
	_, err := s.pool.Exec(ctx,
		`INSERT INTO signal_records (signal_id, user_id, symbol, direction, received_at, source_price,
		                             admitted, reason, zone, degraded, position_id, decided_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7, $8, $9, $10, $11, $12)`,
		sig.ID, sig.UserID, sig.Symbol, string(sig.Direction), sig.ReceivedAt, sig.SourcePrice.String(),
		rec.Admitted, string(rec.Reason), string(rec.Zone), rec.Degraded, rec.PositionID, rec.DecidedAt,
	)
	return err
}

func (s *PostgresStore) ListSignals(ctx context.Context, userID string) ([]model.SignalRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT signal_id, user_id, symbol, direction, received_at, source_price::TEXT,
		        admitted, reason, zone, degraded, position_id, decided_at
		 FROM signal_records WHERE user_id = $1 ORDER BY decided_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.SignalRecord
	for rows.Next() {
		var rec model.SignalRecord
		var direction, price, reason, zone string
		if err := rows.Scan(&rec.Signal.ID, &rec.Signal.UserID, &rec.Signal.Symbol, &direction,
			&rec.Signal.ReceivedAt, &price, &rec.Admitted, &reason, &zone, &rec.Degraded,
			&rec.PositionID, &rec.DecidedAt); err != nil {
			return nil, err
		}
		rec.Signal.Direction = model.Direction(direction)
		rec.Signal.SourcePrice, _ = decimal.NewFromString(price)
		rec.Reason = model.Reason(reason)
		rec.Zone = model.Zone(zone)
		result = append(result, rec)
	}
	return result, rows.Err()
}

// scanLedgerEntries reads pgx rows into LedgerEntry slices.
type pgxRows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
}

func scanLedgerEntries(rows pgxRows) ([]model.LedgerEntry, error) {
	var entries []model.LedgerEntry
	for rows.Next() {
		var e model.LedgerEntry
		var typ, amount, channel string
		var created time.Time

		if err := rows.Scan(&e.ID, &e.PositionID, &e.UserID, &typ, &amount, &channel, &created); err != nil {
			return nil, err
		}

		e.Type = model.EntryType(typ)
		e.Amount, _ = decimal.NewFromString(amount)
		e.Channel = model.Channel(channel)
		e.CreatedAt = created

		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func nullDec(d decimal.NullDecimal) *string {
	if !d.Valid {
		return nil
	}
	s := d.Decimal.String()
	return &s
}

func parseNullDec(s *string) decimal.NullDecimal {
	if s == nil {
		return decimal.NullDecimal{}
	}
	d, err := decimal.NewFromString(*s)
	if err != nil {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(d)
}

func wrapNoRows(what string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return fmt.Errorf("%s: %w", what, err)
}
