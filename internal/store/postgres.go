package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/ruralpay/equb/internal/models"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const maxTxAttempts = 3

// PostgresStore runs every transaction at serializable isolation. Pool rows
// are locked with SELECT ... FOR UPDATE so that bids, winner selection and
// round advancement of one pool never interleave.
type PostgresStore struct {
	db     *sql.DB
	logger *zap.Logger
}

func NewPostgresStore(db *sql.DB, logger *zap.Logger) *PostgresStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostgresStore{db: db, logger: logger}
}

func (s *PostgresStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	var err error
	for attempt := 1; attempt <= maxTxAttempts; attempt++ {
		err = s.runTx(ctx, fn)
		if !isRetryable(err) {
			return err
		}
		s.logger.Warn("retrying serialization failure", zap.Int("attempt", attempt), zap.Error(err))
	}
	return err
}

func (s *PostgresStore) runTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// isRetryable matches serialization failures and deadlocks.
func isRetryable(err error) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	return pqErr.Code == "40001" || pqErr.Code == "40P01"
}

type pgTx struct {
	tx *sql.Tx
}

const poolColumns = `id, name, amount, max_members, cycle_seconds, creator_id, is_private,
	is_active, is_completed, is_in_payment_stage, created_at, start_date, end_date`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPool(row rowScanner) (*models.Pool, error) {
	var p models.Pool
	var cycleSeconds int64
	err := row.Scan(&p.ID, &p.Name, &p.Amount, &p.MaxMembers, &cycleSeconds, &p.CreatorID, &p.IsPrivate,
		&p.IsActive, &p.IsCompleted, &p.IsInPaymentStage, &p.CreatedAt, &p.StartDate, &p.EndDate)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	p.Cycle = time.Duration(cycleSeconds) * time.Second
	return &p, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func (t *pgTx) CreatePool(ctx context.Context, p *models.Pool) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO pools (id, name, amount, max_members, cycle_seconds, creator_id, is_private,
			is_active, is_completed, is_in_payment_stage, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, false, false, false, $8)`,
		p.ID, p.Name, p.Amount, p.MaxMembers, int64(p.Cycle/time.Second), p.CreatorID, p.IsPrivate, p.CreatedAt)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	if err != nil {
		return err
	}

	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO round_states (pool_id, finished_rounds) VALUES ($1, 0)`, p.ID)
	return err
}

func (t *pgTx) GetPool(ctx context.Context, poolID string) (*models.Pool, error) {
	return scanPool(t.tx.QueryRowContext(ctx, `SELECT `+poolColumns+` FROM pools WHERE id = $1`, poolID))
}

func (t *pgTx) LockPool(ctx context.Context, poolID string) (*models.Pool, error) {
	return scanPool(t.tx.QueryRowContext(ctx, `SELECT `+poolColumns+` FROM pools WHERE id = $1 FOR UPDATE`, poolID))
}

func (t *pgTx) PoolByName(ctx context.Context, name string) (*models.Pool, error) {
	return scanPool(t.tx.QueryRowContext(ctx, `SELECT `+poolColumns+` FROM pools WHERE name = $1`, name))
}

func (t *pgTx) UpdatePool(ctx context.Context, p *models.Pool) error {
	result, err := t.tx.ExecContext(ctx, `
		UPDATE pools
		SET is_active = $1, is_completed = $2, is_in_payment_stage = $3, start_date = $4, end_date = $5
		WHERE id = $6`,
		p.IsActive, p.IsCompleted, p.IsInPaymentStage, p.StartDate, p.EndDate, p.ID)
	if err != nil {
		return err
	}
	return expectOneRow(result)
}

func (t *pgTx) RunningPools(ctx context.Context) ([]models.Pool, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT `+poolColumns+`
		FROM pools
		WHERE is_active = true AND is_completed = false
		ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pools []models.Pool
	for rows.Next() {
		p, err := scanPool(rows)
		if err != nil {
			return nil, err
		}
		pools = append(pools, *p)
	}
	return pools, rows.Err()
}

func (t *pgTx) Members(ctx context.Context, poolID string) ([]models.Membership, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT pool_id, member_id, joined_at
		FROM pool_members
		WHERE pool_id = $1
		ORDER BY joined_at, member_id`, poolID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var members []models.Membership
	for rows.Next() {
		var m models.Membership
		if err := rows.Scan(&m.PoolID, &m.MemberID, &m.JoinedAt); err != nil {
			return nil, err
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

func (t *pgTx) AddMember(ctx context.Context, m models.Membership) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO pool_members (pool_id, member_id, joined_at) VALUES ($1, $2, $3)`,
		m.PoolID, m.MemberID, m.JoinedAt)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func (t *pgTx) RoundState(ctx context.Context, poolID string) (*models.RoundState, error) {
	rs := models.RoundState{PoolID: poolID}
	err := t.tx.QueryRowContext(ctx, `
		SELECT finished_rounds, current_round_start_date, last_managed
		FROM round_states
		WHERE pool_id = $1`, poolID).Scan(&rs.FinishedRounds, &rs.CurrentRoundStartDate, &rs.LastManaged)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	rows, err := t.tx.QueryContext(ctx, `
		SELECT pool_id, member_id, round, won_at
		FROM wins
		WHERE pool_id = $1
		ORDER BY round`, poolID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var w models.Win
		if err := rows.Scan(&w.PoolID, &w.MemberID, &w.Round, &w.Date); err != nil {
			return nil, err
		}
		rs.Wins = append(rs.Wins, w)
		rs.Received = append(rs.Received, w.MemberID)
	}
	return &rs, rows.Err()
}

func (t *pgTx) SaveRoundState(ctx context.Context, rs *models.RoundState) error {
	result, err := t.tx.ExecContext(ctx, `
		UPDATE round_states
		SET finished_rounds = $1, current_round_start_date = $2, last_managed = $3
		WHERE pool_id = $4`,
		rs.FinishedRounds, rs.CurrentRoundStartDate, rs.LastManaged, rs.PoolID)
	if err != nil {
		return err
	}
	return expectOneRow(result)
}

func (t *pgTx) InsertWin(ctx context.Context, w models.Win) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO wins (pool_id, member_id, round, won_at) VALUES ($1, $2, $3, $4)`,
		w.PoolID, w.MemberID, w.Round, w.Date)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func (t *pgTx) InsertBid(ctx context.Context, b *models.Bid) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO bids (id, pool_id, member_id, round, amount, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		b.ID, b.PoolID, b.MemberID, b.Round, b.Amount, b.CreatedAt)
	return err
}

func (t *pgTx) Bids(ctx context.Context, poolID string, round int) ([]models.Bid, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT id, pool_id, member_id, round, amount, created_at
		FROM bids
		WHERE pool_id = $1 AND round = $2
		ORDER BY created_at, id`, poolID, round)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var bids []models.Bid
	for rows.Next() {
		var b models.Bid
		if err := rows.Scan(&b.ID, &b.PoolID, &b.MemberID, &b.Round, &b.Amount, &b.CreatedAt); err != nil {
			return nil, err
		}
		bids = append(bids, b)
	}
	return bids, rows.Err()
}

func (t *pgTx) HighestBid(ctx context.Context, poolID string, round int) (*models.HighestBid, error) {
	h := models.HighestBid{PoolID: poolID, Round: round}
	var (
		bidID, memberID sql.NullString
		amount          decimal.NullDecimal
		createdAt       sql.NullTime
	)
	err := t.tx.QueryRowContext(ctx, `
		SELECT h.id, b.id, b.member_id, b.amount, b.created_at
		FROM highest_bids h
		LEFT JOIN bids b ON b.id = h.bid_id
		WHERE h.pool_id = $1 AND h.round = $2`, poolID, round).
		Scan(&h.ID, &bidID, &memberID, &amount, &createdAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if bidID.Valid {
		h.Bid = &models.Bid{
			ID:        bidID.String,
			PoolID:    poolID,
			MemberID:  memberID.String,
			Round:     round,
			Amount:    amount.Decimal,
			CreatedAt: createdAt.Time,
		}
	}
	return &h, nil
}

func (t *pgTx) CreateHighestBid(ctx context.Context, h *models.HighestBid) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO highest_bids (id, pool_id, round, bid_id) VALUES ($1, $2, $3, NULL)`,
		h.ID, h.PoolID, h.Round)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func (t *pgTx) SetHighestBid(ctx context.Context, highestBidID, bidID string) error {
	result, err := t.tx.ExecContext(ctx, `
		UPDATE highest_bids SET bid_id = $1 WHERE id = $2`, bidID, highestBidID)
	if err != nil {
		return err
	}
	return expectOneRow(result)
}

const confirmationColumns = `id, pool_id, round, sender_id, receiver_id, amount, payment_method, message, state, created_at`

func scanConfirmation(row rowScanner) (*models.PaymentConfirmationRequest, error) {
	var p models.PaymentConfirmationRequest
	err := row.Scan(&p.ID, &p.PoolID, &p.Round, &p.SenderID, &p.ReceiverID, &p.Amount,
		&p.Method, &p.Message, &p.State, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (t *pgTx) InsertConfirmation(ctx context.Context, p *models.PaymentConfirmationRequest) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO payment_confirmations (`+confirmationColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		p.ID, p.PoolID, p.Round, p.SenderID, p.ReceiverID, p.Amount, p.Method, p.Message, p.State, p.CreatedAt)
	return err
}

func (t *pgTx) Confirmation(ctx context.Context, id string) (*models.PaymentConfirmationRequest, error) {
	return scanConfirmation(t.tx.QueryRowContext(ctx,
		`SELECT `+confirmationColumns+` FROM payment_confirmations WHERE id = $1`, id))
}

func (t *pgTx) Confirmations(ctx context.Context, poolID string, round int) ([]models.PaymentConfirmationRequest, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT `+confirmationColumns+`
		FROM payment_confirmations
		WHERE pool_id = $1 AND round = $2
		ORDER BY created_at, id`, poolID, round)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.PaymentConfirmationRequest
	for rows.Next() {
		p, err := scanConfirmation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func (t *pgTx) SetConfirmationState(ctx context.Context, id string, from, to models.RequestState) error {
	result, err := t.tx.ExecContext(ctx, `
		UPDATE payment_confirmations SET state = $1 WHERE id = $2 AND state = $3`, to, id, from)
	if err != nil {
		return err
	}
	if err := expectOneRow(result); err != nil {
		return ErrStaleState
	}
	return nil
}

const requestColumns = `id, kind, sender_id, receiver_id, pool_id, state, created_at`

func scanRequest(row rowScanner) (*models.Request, error) {
	var r models.Request
	var poolID sql.NullString
	err := row.Scan(&r.ID, &r.Kind, &r.SenderID, &r.ReceiverID, &poolID, &r.State, &r.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	r.PoolID = poolID.String
	return &r, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func (t *pgTx) InsertRequest(ctx context.Context, r *models.Request) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO requests (`+requestColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		r.ID, r.Kind, r.SenderID, r.ReceiverID, nullString(r.PoolID), r.State, r.CreatedAt)
	return err
}

func (t *pgTx) Request(ctx context.Context, id string) (*models.Request, error) {
	return scanRequest(t.tx.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM requests WHERE id = $1`, id))
}

func (t *pgTx) SetRequestState(ctx context.Context, id string, from, to models.RequestState) error {
	result, err := t.tx.ExecContext(ctx, `
		UPDATE requests SET state = $1 WHERE id = $2 AND state = $3`, to, id, from)
	if err != nil {
		return err
	}
	if err := expectOneRow(result); err != nil {
		return ErrStaleState
	}
	return nil
}

func (t *pgTx) PendingRequests(ctx context.Context, kind models.RequestKind, poolID, senderID, receiverID string) ([]models.Request, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT `+requestColumns+`
		FROM requests
		WHERE kind = $1 AND state = 'pending'
			AND ($2 = '' OR pool_id = $2)
			AND ($3 = '' OR sender_id = $3)
			AND ($4 = '' OR receiver_id = $4)
		ORDER BY created_at`, kind, poolID, senderID, receiverID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Request
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func (t *pgTx) ExpirePoolRequests(ctx context.Context, poolID string) (int64, error) {
	result, err := t.tx.ExecContext(ctx, `
		UPDATE requests SET state = 'expired' WHERE pool_id = $1 AND state = 'pending'`, poolID)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (t *pgTx) AddFriendship(ctx context.Context, f models.Friendship) error {
	a, b := f.MemberID, f.FriendID
	if a > b {
		a, b = b, a
	}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO friendships (member_id, friend_id, created_at) VALUES ($1, $2, $3)`, a, b, f.Since)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func (t *pgTx) AreFriends(ctx context.Context, a, b string) (bool, error) {
	if a > b {
		a, b = b, a
	}
	var exists bool
	err := t.tx.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM friendships WHERE member_id = $1 AND friend_id = $2)`, a, b).Scan(&exists)
	return exists, err
}

func (t *pgTx) Friends(ctx context.Context, memberID string) ([]string, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT friend_id FROM friendships WHERE member_id = $1
		UNION
		SELECT member_id FROM friendships WHERE friend_id = $1
		ORDER BY 1`, memberID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func expectOneRow(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
