// Package postgres implements the domain repositories on PostgreSQL.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/hszk-dev/tunecast/internal/domain/model"
	"github.com/hszk-dev/tunecast/internal/domain/repository"
)

// DBTX is an interface that abstracts pgxpool.Pool and pgx.Tx for testability.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// UserRepository implements repository.UserRepository using PostgreSQL.
type UserRepository struct {
	db DBTX
}

var _ repository.UserRepository = (*UserRepository)(nil)

func NewUserRepository(db DBTX) *UserRepository {
	return &UserRepository{db: db}
}

const userColumns = `id, source, upstream_id, nickname, avatar, vip_type, credential, token, created_at, last_login`

// GetByToken retrieves a user by their opaque legacy token.
func (r *UserRepository) GetByToken(ctx context.Context, source model.Source, token string) (*model.User, error) {
	const query = `
		SELECT ` + userColumns + `
		FROM users
		WHERE source = $1 AND token = $2
	`

	user, err := scanUser(r.db.QueryRow(ctx, query, source.String(), token))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to get user by token: %w", err)
	}
	return user, nil
}

// GetByID retrieves a user by numeric id.
func (r *UserRepository) GetByID(ctx context.Context, source model.Source, id int64) (*model.User, error) {
	const query = `
		SELECT ` + userColumns + `
		FROM users
		WHERE source = $1 AND id = $2
	`

	user, err := scanUser(r.db.QueryRow(ctx, query, source.String(), id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to get user by id: %w", err)
	}
	return user, nil
}

func scanUser(row pgx.Row) (*model.User, error) {
	var (
		user       model.User
		source     string
		nickname   *string
		avatar     *string
		credential *string
	)

	err := row.Scan(
		&user.ID,
		&source,
		&user.UpstreamID,
		&nickname,
		&avatar,
		&user.VIPType,
		&credential,
		&user.Token,
		&user.CreatedAt,
		&user.LastLogin,
	)
	if err != nil {
		return nil, err
	}

	user.Source = model.Source(source)
	if nickname != nil {
		user.Nickname = *nickname
	}
	if avatar != nil {
		user.Avatar = *avatar
	}
	if credential != nil {
		user.Credential = *credential
	}
	return &user, nil
}
