package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"contractstream/internal/apperr"
	"contractstream/internal/contracts"
)

const uniqueViolation = "23505"

// Repository implements contracts.Persistence against a *DB.
type Repository struct {
	db *DB
}

// NewRepository wraps db as a contracts.Persistence.
func NewRepository(db *DB) *Repository {
	return &Repository{db: db}
}

var _ contracts.Persistence = (*Repository)(nil)

func (r *Repository) GetContract(ctx context.Context, id int64) (*contracts.Contract, error) {
	const query = `
		SELECT id, mint, condition1, condition2, is_completed, completion_reason, completed_at, created_at
		FROM contract WHERE id = $1
	`
	c := &contracts.Contract{}
	err := r.db.Pool.QueryRow(ctx, query, id).Scan(
		&c.ID, &c.Mint, &c.Condition1, &c.Condition2,
		&c.IsCompleted, &c.CompletionReason, &c.CompletedAt, &c.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.New(apperr.NotFound, fmt.Sprintf("contract %d not found", id))
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.Transient, "get contract", err)
	}
	return c, nil
}

func (r *Repository) ListPendingContracts(ctx context.Context) ([]*contracts.Contract, error) {
	const query = `
		SELECT id, mint, condition1, condition2, is_completed, completion_reason, completed_at, created_at
		FROM contract WHERE NOT is_completed
	`
	rows, err := r.db.Pool.Query(ctx, query)
	if err != nil {
		return nil, apperr.Wrap(apperr.Transient, "list pending contracts", err)
	}
	defer rows.Close()

	var out []*contracts.Contract
	for rows.Next() {
		c := &contracts.Contract{}
		if err := rows.Scan(
			&c.ID, &c.Mint, &c.Condition1, &c.Condition2,
			&c.IsCompleted, &c.CompletionReason, &c.CompletedAt, &c.CreatedAt,
		); err != nil {
			return nil, apperr.Wrap(apperr.Transient, "scan pending contract", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Wrap(apperr.Transient, "list pending contracts", err)
	}
	return out, nil
}

func (r *Repository) MarkContractCompleted(ctx context.Context, id int64, reason contracts.CompletionReason, at time.Time) error {
	const query = `
		UPDATE contract SET is_completed = TRUE, completion_reason = $2, completed_at = $3
		WHERE id = $1 AND is_completed = FALSE
	`
	tag, err := r.db.Pool.Exec(ctx, query, id, reason, at)
	if err != nil {
		return apperr.Wrap(apperr.Transient, "mark contract completed", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	// The guarded UPDATE matched nothing: either the contract doesn't
	// exist, or it was already completed by a concurrent write. Tell
	// these apart instead of reporting not-found for both.
	var exists bool
	if err := r.db.Pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM contract WHERE id = $1)`, id).Scan(&exists); err != nil {
		return apperr.Wrap(apperr.Transient, "check contract existence", err)
	}
	if !exists {
		return apperr.New(apperr.NotFound, fmt.Sprintf("contract %d not found", id))
	}
	return apperr.New(apperr.Conflict, fmt.Sprintf("contract %d already completed", id))
}

// MarkManuallyCompleted force-completes id with CompletionReasonManual.
// It shares MarkContractCompleted's already-completed guard so an
// operator force-completion racing the evaluator's own completion write
// reports Conflict rather than silently overwriting the reason/timestamp
// a concurrent evaluator path already wrote.
func (r *Repository) MarkManuallyCompleted(ctx context.Context, id int64, at time.Time) error {
	return r.MarkContractCompleted(ctx, id, contracts.CompletionReasonManual, at)
}

func (r *Repository) GetUserContract(ctx context.Context, contractID int64, addr string) (*contracts.UserContract, error) {
	const query = `
		SELECT contract_id, user_address, supply, status, signed_at
		FROM user_contract WHERE contract_id = $1 AND user_address = $2
	`
	uc := &contracts.UserContract{}
	err := r.db.Pool.QueryRow(ctx, query, contractID, addr).Scan(
		&uc.ContractID, &uc.UserAddress, &uc.Supply, &uc.Status, &uc.SignedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.New(apperr.NotFound, "user contract not found")
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.Transient, "get user contract", err)
	}
	return uc, nil
}

func (r *Repository) ListUserContractsByContract(ctx context.Context, contractID int64) ([]*contracts.UserContract, error) {
	const query = `
		SELECT contract_id, user_address, supply, status, signed_at
		FROM user_contract WHERE contract_id = $1
	`
	rows, err := r.db.Pool.Query(ctx, query, contractID)
	if err != nil {
		return nil, apperr.Wrap(apperr.Transient, "list user contracts", err)
	}
	defer rows.Close()

	var out []*contracts.UserContract
	for rows.Next() {
		uc := &contracts.UserContract{}
		if err := rows.Scan(&uc.ContractID, &uc.UserAddress, &uc.Supply, &uc.Status, &uc.SignedAt); err != nil {
			return nil, apperr.Wrap(apperr.Transient, "scan user contract", err)
		}
		out = append(out, uc)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Wrap(apperr.Transient, "list user contracts", err)
	}
	return out, nil
}

func (r *Repository) CreateUserContract(ctx context.Context, row *contracts.UserContract) error {
	const query = `
		INSERT INTO user_contract (contract_id, user_address, supply, status, signed_at)
		VALUES ($1, $2, $3, $4, $5)
	`
	_, err := r.db.Pool.Exec(ctx, query, row.ContractID, row.UserAddress, row.Supply, row.Status, row.SignedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return apperr.New(apperr.Conflict, "already signed")
		}
		return apperr.Wrap(apperr.Transient, "create user contract", err)
	}
	return nil
}

func (r *Repository) UpdateUserContractStatus(ctx context.Context, contractID int64, addr string, status contracts.UserContractStatus) error {
	const query = `
		UPDATE user_contract SET status = $3 WHERE contract_id = $1 AND user_address = $2
	`
	tag, err := r.db.Pool.Exec(ctx, query, contractID, addr, status)
	if err != nil {
		return apperr.Wrap(apperr.Transient, "update user contract status", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.New(apperr.NotFound, "user contract not found")
	}
	return nil
}

func (r *Repository) BulkUpdateStatus(ctx context.Context, contractID int64, from, to contracts.UserContractStatus) (int, error) {
	const query = `
		UPDATE user_contract SET status = $3 WHERE contract_id = $1 AND status = $2
	`
	tag, err := r.db.Pool.Exec(ctx, query, contractID, from, to)
	if err != nil {
		return 0, apperr.Wrap(apperr.Transient, "bulk update user contract status", err)
	}
	return int(tag.RowsAffected()), nil
}

func (r *Repository) GetUser(ctx context.Context, addr string) (*contracts.User, error) {
	const query = `SELECT address, raw_score, updated_at FROM "user" WHERE address = $1`
	u := &contracts.User{}
	err := r.db.Pool.QueryRow(ctx, query, addr).Scan(&u.Address, &u.RawScore, &u.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.New(apperr.NotFound, "user not found")
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.Transient, "get user", err)
	}
	return u, nil
}

func (r *Repository) UpsertUser(ctx context.Context, addr string) (*contracts.User, error) {
	const query = `
		INSERT INTO "user" (address, raw_score, updated_at) VALUES ($1, 0, now())
		ON CONFLICT (address) DO UPDATE SET address = EXCLUDED.address
		RETURNING address, raw_score, updated_at
	`
	u := &contracts.User{}
	err := r.db.Pool.QueryRow(ctx, query, addr).Scan(&u.Address, &u.RawScore, &u.UpdatedAt)
	if err != nil {
		return nil, apperr.Wrap(apperr.Transient, "upsert user", err)
	}
	return u, nil
}

func (r *Repository) UpdateUserScore(ctx context.Context, addr string, rawDelta float64) (*contracts.User, error) {
	const query = `
		INSERT INTO "user" (address, raw_score, updated_at) VALUES ($1, $2, now())
		ON CONFLICT (address) DO UPDATE SET raw_score = "user".raw_score + $2, updated_at = now()
		RETURNING address, raw_score, updated_at
	`
	u := &contracts.User{}
	err := r.db.Pool.QueryRow(ctx, query, addr, rawDelta).Scan(&u.Address, &u.RawScore, &u.UpdatedAt)
	if err != nil {
		return nil, apperr.Wrap(apperr.Transient, "update user score", err)
	}
	return u, nil
}
