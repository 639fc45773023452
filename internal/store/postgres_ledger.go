package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ruralpay/equb/internal/models"
	"github.com/shopspring/decimal"
)

func (t *pgTx) ApplyLedgerEntry(ctx context.Context, e *models.LedgerEntry) error {
	balance, err := t.lockBalance(ctx, e.PoolID, e.MemberID)
	if err != nil {
		return err
	}

	now := time.Now()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.Balance = balance.Balance.Add(e.Amount)

	if err := t.createLedgerEntry(ctx, e); err != nil {
		return err
	}
	return t.updateMemberBalance(ctx, e.PoolID, e.MemberID, e.Balance, balance.Version, now)
}

// lockBalance locks the member's balance row, creating it at zero on first use.
func (t *pgTx) lockBalance(ctx context.Context, poolID, memberID string) (*models.MemberBalance, error) {
	balance := models.MemberBalance{PoolID: poolID, MemberID: memberID}
	err := t.tx.QueryRowContext(ctx, `
		SELECT balance, version, updated_at
		FROM member_balances
		WHERE pool_id = $1 AND member_id = $2
		FOR UPDATE`, poolID, memberID).Scan(&balance.Balance, &balance.Version, &balance.UpdatedAt)
	if err == sql.ErrNoRows {
		balance.Balance = decimal.Zero
		balance.UpdatedAt = time.Now()
		_, err = t.tx.ExecContext(ctx, `
			INSERT INTO member_balances (pool_id, member_id, balance, version, updated_at)
			VALUES ($1, $2, 0, 0, $3)`, poolID, memberID, balance.UpdatedAt)
		return &balance, err
	}
	return &balance, err
}

func (t *pgTx) createLedgerEntry(ctx context.Context, e *models.LedgerEntry) error {
	return t.tx.QueryRowContext(ctx, `
		INSERT INTO ledger_entries (pool_id, member_id, round, amount, entry_type, balance, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`,
		e.PoolID, e.MemberID, e.Round, e.Amount, e.EntryType, e.Balance, e.CreatedAt).Scan(&e.ID)
}

func (t *pgTx) updateMemberBalance(ctx context.Context, poolID, memberID string, newBalance decimal.Decimal, version int, now time.Time) error {
	result, err := t.tx.ExecContext(ctx, `
		UPDATE member_balances
		SET balance = $1, version = version + 1, updated_at = $2
		WHERE pool_id = $3 AND member_id = $4 AND version = $5`,
		newBalance, now, poolID, memberID, version)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rowsAffected == 0 {
		return fmt.Errorf("optimistic lock failed for member %s in pool %s: %w", memberID, poolID, ErrStaleState)
	}

	return nil
}

func (t *pgTx) Balances(ctx context.Context, poolID string) ([]models.MemberBalance, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT pool_id, member_id, balance, version, updated_at
		FROM member_balances
		WHERE pool_id = $1
		ORDER BY member_id`, poolID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.MemberBalance
	for rows.Next() {
		var b models.MemberBalance
		if err := rows.Scan(&b.PoolID, &b.MemberID, &b.Balance, &b.Version, &b.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (t *pgTx) LedgerEntries(ctx context.Context, poolID string) ([]models.LedgerEntry, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT id, pool_id, member_id, round, amount, entry_type, balance, created_at
		FROM ledger_entries
		WHERE pool_id = $1
		ORDER BY id`, poolID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.LedgerEntry
	for rows.Next() {
		var e models.LedgerEntry
		if err := rows.Scan(&e.ID, &e.PoolID, &e.MemberID, &e.Round, &e.Amount, &e.EntryType, &e.Balance, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
