package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ProfileResolver supplies the denormalized user info carried by push events.
// Resolvers fall back to a bare Profile{UserID} for unknown users.
type ProfileResolver interface {
	Profile(ctx context.Context, userID string) (Profile, error)
}

// StaticProfiles is an in-memory ProfileResolver for dev mode and tests.
type StaticProfiles map[string]Profile

func (p StaticProfiles) Profile(_ context.Context, userID string) (Profile, error) {
	if prof, ok := p[userID]; ok {
		prof.UserID = userID
		return prof, nil
	}
	return Profile{UserID: userID}, nil
}

// PostgresProfiles reads profiles from the user_profiles table maintained by the user service.
type PostgresProfiles struct {
	pool   *pgxpool.Pool
	schema string
}

func NewPostgresProfiles(pool *pgxpool.Pool, schema string) (*PostgresProfiles, error) {
	if pool == nil {
		return nil, errors.New("chat: nil pool")
	}
	schema = strings.TrimSpace(schema)
	if schema == "" {
		schema = DefaultSchema
	}
	if !isValidPGIdent(schema) {
		return nil, errors.New("chat: invalid schema identifier")
	}
	return &PostgresProfiles{pool: pool, schema: schema}, nil
}

func (p *PostgresProfiles) Profile(ctx context.Context, userID string) (Profile, error) {
	prof := Profile{UserID: userID}
	err := p.pool.QueryRow(ctx, fmt.Sprintf(
		`SELECT name, avatar_url, verified FROM %s WHERE user_id = $1`,
		pgIdent(p.schema, "user_profiles"),
	), userID).Scan(&prof.Name, &prof.Avatar, &prof.Verified)
	if errors.Is(err, pgx.ErrNoRows) {
		return Profile{UserID: userID}, nil
	}
	if err != nil {
		return Profile{UserID: userID}, err
	}
	return prof, nil
}
