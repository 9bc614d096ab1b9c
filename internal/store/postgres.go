package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"reqorder/api/internal/ordering"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) EnsureUserByName(ctx context.Context, name string) (User, error) {
	const upsert = `
		INSERT INTO users (display_name) VALUES ($1)
		ON CONFLICT (display_name) DO UPDATE SET display_name = EXCLUDED.display_name
		RETURNING id, display_name, created_at
	`
	var user User
	if err := s.db.QueryRowContext(ctx, upsert, name).Scan(&user.ID, &user.DisplayName, &user.CreatedAt); err != nil {
		return User{}, fmt.Errorf("upsert user: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `SELECT id, display_name, created_at FROM users WHERE id = $1`, userID).
		Scan(&user.ID, &user.DisplayName, &user.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, fmt.Errorf("user %s: %w", userID, ErrNotFound)
	}
	if err != nil {
		return User{}, fmt.Errorf("get user: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) GetIteration(ctx context.Context, iterationID string) (Iteration, error) {
	const query = `SELECT id, model_name, COALESCE(order_parameter_type, ''), frozen FROM iterations WHERE id = $1`
	var it Iteration
	err := s.db.QueryRowContext(ctx, query, iterationID).Scan(&it.ID, &it.ModelName, &it.OrderParameterType, &it.Frozen)
	if errors.Is(err, sql.ErrNoRows) {
		return Iteration{}, fmt.Errorf("iteration %s: %w", iterationID, ErrNotFound)
	}
	if err != nil {
		return Iteration{}, fmt.Errorf("get iteration: %w", err)
	}
	return it, nil
}

func (s *PostgresStore) ListIterations(ctx context.Context) ([]Iteration, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, model_name, COALESCE(order_parameter_type, ''), frozen FROM iterations ORDER BY model_name, id`)
	if err != nil {
		return nil, fmt.Errorf("list iterations: %w", err)
	}
	defer rows.Close()

	var out []Iteration
	for rows.Next() {
		var it Iteration
		if err := rows.Scan(&it.ID, &it.ModelName, &it.OrderParameterType, &it.Frozen); err != nil {
			return nil, fmt.Errorf("scan iteration: %w", err)
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetParticipant(ctx context.Context, iterationID, userID string) (Participant, error) {
	const query = `
		SELECT id, iteration_id, user_id, role, COALESCE(domain_id, '')
		FROM participants
		WHERE iteration_id = $1 AND user_id = $2
	`
	var p Participant
	err := s.db.QueryRowContext(ctx, query, iterationID, userID).Scan(&p.ID, &p.IterationID, &p.UserID, &p.Role, &p.DomainID)
	if errors.Is(err, sql.ErrNoRows) {
		return Participant{}, fmt.Errorf("participant of %s in %s: %w", userID, iterationID, ErrNotFound)
	}
	if err != nil {
		return Participant{}, fmt.Errorf("get participant: %w", err)
	}
	return p, nil
}

// LoadSnapshot reads every item of the iteration together with its order
// value for the iteration's order parameter type.
func (s *PostgresStore) LoadSnapshot(ctx context.Context, iterationID string) (*ordering.Snapshot, error) {
	it, err := s.GetIteration(ctx, iterationID)
	if err != nil {
		return nil, err
	}

	const query = `
		SELECT i.id, i.kind, i.short_name, i.name,
			COALESCE(i.parent_id, i.iteration_id), COALESCE(i.group_id, ''),
			i.owner_domain, i.revision,
			ov.id, ov.value, ov.owner_domain, ov.revision
		FROM items i
		LEFT JOIN order_values ov ON ov.item_id = i.id AND ov.parameter_type = $2
		WHERE i.iteration_id = $1
		ORDER BY i.kind, i.short_name, i.id
	`
	rows, err := s.db.QueryContext(ctx, query, iterationID, it.OrderParameterType)
	if err != nil {
		return nil, fmt.Errorf("load items: %w", err)
	}
	defer rows.Close()

	var items []*ordering.Item
	for rows.Next() {
		var (
			item                   ordering.Item
			kind                   string
			ovID, ovValue, ovOwner sql.NullString
			ovRevision             sql.NullInt64
		)
		if err := rows.Scan(
			&item.ID, &kind, &item.ShortName, &item.Name,
			&item.ContainerID, &item.GroupID,
			&item.Owner, &item.Revision,
			&ovID, &ovValue, &ovOwner, &ovRevision,
		); err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		item.Kind = ordering.Kind(kind)
		if ovID.Valid {
			item.KeySource = &ordering.KeySource{
				ID:       ovID.String,
				ItemID:   item.ID,
				Value:    ovValue.String,
				Owner:    ovOwner.String,
				Revision: ovRevision.Int64,
			}
		}
		items = append(items, &item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate items: %w", err)
	}

	snap, err := ordering.NewSnapshot(it.ID, it.OrderParameterType, items)
	if err != nil {
		return nil, fmt.Errorf("build snapshot: %w", err)
	}
	return snap, nil
}

// ApplyMutations writes a mutation set in one transaction. Updates are fenced
// on the revision read into the snapshot; a row that moved on since fails the
// whole set with ErrStaleWrite.
func (s *PostgresStore) ApplyMutations(ctx context.Context, set ordering.MutationSet) error {
	if set.Empty() {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin mutation tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, m := range set.Keys {
		if err := applyKeyMutation(ctx, tx, set.ParameterType, m); err != nil {
			return err
		}
	}
	if c := set.Container; c != nil {
		if err := applyContainerMutation(ctx, tx, *c); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return classifyWriteError("commit mutations", err)
	}
	return nil
}

func applyKeyMutation(ctx context.Context, tx *sql.Tx, parameterType string, m ordering.KeyMutation) error {
	switch m.Op {
	case ordering.OpCreate:
		_, err := tx.ExecContext(ctx, `
			INSERT INTO order_values (id, item_id, parameter_type, value, owner_domain)
			VALUES ($1, $2, $3, $4, $5)
		`, m.Source.ID, m.Source.ItemID, parameterType, m.Source.Value, m.Source.Owner)
		if err != nil {
			return classifyWriteError("create order value "+m.Source.ItemID, err)
		}
		return nil
	case ordering.OpUpdate:
		res, err := tx.ExecContext(ctx, `
			UPDATE order_values
			SET value = $1, revision = revision + 1, updated_at = NOW()
			WHERE id = $2 AND revision = $3
		`, m.Source.Value, m.Source.ID, m.Source.Revision)
		if err != nil {
			return classifyWriteError("update order value "+m.Source.ID, err)
		}
		return requireOneRow(res, "order value "+m.Source.ID)
	default:
		return fmt.Errorf("unknown mutation op %q", m.Op)
	}
}

func applyContainerMutation(ctx context.Context, tx *sql.Tx, c ordering.ContainerMutation) error {
	var parentID sql.NullString
	if c.Kind != ordering.KindSpecification {
		parentID = sql.NullString{String: c.To.ContainerID, Valid: true}
	}
	var groupID sql.NullString
	if c.To.GroupID != "" {
		groupID = sql.NullString{String: c.To.GroupID, Valid: true}
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE items
		SET parent_id = $1, group_id = $2, revision = revision + 1, updated_at = NOW()
		WHERE id = $3 AND revision = $4
	`, parentID, groupID, c.ItemID, c.Revision)
	if err != nil {
		return classifyWriteError("move item "+c.ItemID, err)
	}
	return requireOneRow(res, "item "+c.ItemID)
}

func requireOneRow(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected for %s: %w", what, err)
	}
	if n != 1 {
		return fmt.Errorf("%s changed since it was read: %w", what, ErrStaleWrite)
	}
	return nil
}

// classifyWriteError maps Postgres failures onto the store's rejection errors.
func classifyWriteError(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "42501":
			return fmt.Errorf("%s: %s: %w", op, pgErr.Message, ErrWriteRejected)
		case "23505", "40001", "40P01":
			return fmt.Errorf("%s: %s: %w", op, pgErr.Message, ErrStaleWrite)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

func (s *PostgresStore) SaveIterationSession(ctx context.Context, sess IterationSession) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO iteration_sessions (user_id, iteration_id, participant_id, domain_id, role, opened_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (user_id, iteration_id) DO UPDATE SET
			participant_id = EXCLUDED.participant_id,
			domain_id = EXCLUDED.domain_id,
			role = EXCLUDED.role,
			opened_at = EXCLUDED.opened_at,
			expires_at = EXCLUDED.expires_at
	`, sess.UserID, sess.IterationID, sess.ParticipantID, sess.DomainID, sess.Role, sess.OpenedAt, sess.ExpiresAt)
	if err != nil {
		return fmt.Errorf("save iteration session: %w", err)
	}
	return nil
}

func (s *PostgresStore) LookupIterationSession(ctx context.Context, userID, iterationID string) (IterationSession, error) {
	const query = `
		SELECT user_id, iteration_id, participant_id, domain_id, role, opened_at, expires_at
		FROM iteration_sessions
		WHERE user_id = $1 AND iteration_id = $2 AND expires_at > NOW()
	`
	var sess IterationSession
	err := s.db.QueryRowContext(ctx, query, userID, iterationID).Scan(
		&sess.UserID, &sess.IterationID, &sess.ParticipantID, &sess.DomainID, &sess.Role, &sess.OpenedAt, &sess.ExpiresAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return IterationSession{}, ErrSessionNotFound
	}
	if err != nil {
		return IterationSession{}, fmt.Errorf("lookup iteration session: %w", err)
	}
	return sess, nil
}

func (s *PostgresStore) DeleteIterationSession(ctx context.Context, userID, iterationID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM iteration_sessions WHERE user_id = $1 AND iteration_id = $2`, userID, iterationID)
	if err != nil {
		return fmt.Errorf("delete iteration session: %w", err)
	}
	return nil
}

func (s *PostgresStore) CountIterations(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM iterations`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count iterations: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) InsertDomain(ctx context.Context, d Domain) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO domains (id, short_name, name) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO NOTHING
	`, d.ID, d.ShortName, d.Name)
	if err != nil {
		return fmt.Errorf("insert domain: %w", err)
	}
	return nil
}

func (s *PostgresStore) InsertIteration(ctx context.Context, it Iteration) error {
	var orderType sql.NullString
	if it.OrderParameterType != "" {
		orderType = sql.NullString{String: it.OrderParameterType, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO iterations (id, model_name, order_parameter_type, frozen) VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO NOTHING
	`, it.ID, it.ModelName, orderType, it.Frozen)
	if err != nil {
		return fmt.Errorf("insert iteration: %w", err)
	}
	return nil
}

func (s *PostgresStore) InsertParticipant(ctx context.Context, p Participant) error {
	var domain sql.NullString
	if p.DomainID != "" {
		domain = sql.NullString{String: p.DomainID, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO participants (id, iteration_id, user_id, role, domain_id) VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (iteration_id, user_id) DO UPDATE SET role = EXCLUDED.role, domain_id = EXCLUDED.domain_id
	`, p.ID, p.IterationID, p.UserID, p.Role, domain)
	if err != nil {
		return fmt.Errorf("insert participant: %w", err)
	}
	return nil
}

func (s *PostgresStore) InsertItem(ctx context.Context, item ItemRecord) error {
	var parentID, groupID sql.NullString
	if item.ParentID != "" {
		parentID = sql.NullString{String: item.ParentID, Valid: true}
	}
	if item.GroupID != "" {
		groupID = sql.NullString{String: item.GroupID, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO items (id, iteration_id, kind, short_name, name, parent_id, group_id, owner_domain)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING
	`, item.ID, item.IterationID, item.Kind, item.ShortName, item.Name, parentID, groupID, item.OwnerDomain)
	if err != nil {
		return fmt.Errorf("insert item %s: %w", item.ID, err)
	}
	return nil
}

func (s *PostgresStore) InsertOrderValue(ctx context.Context, v OrderValue) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO order_values (id, item_id, parameter_type, value, owner_domain)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (item_id, parameter_type) DO NOTHING
	`, v.ID, v.ItemID, v.ParameterType, v.Value, v.OwnerDomain)
	if err != nil {
		return fmt.Errorf("insert order value: %w", err)
	}
	return nil
}

func (s *PostgresStore) SetIterationFrozen(ctx context.Context, iterationID string, frozen bool) error {
	_, err := s.db.ExecContext(ctx, `UPDATE iterations SET frozen = $2 WHERE id = $1`, iterationID, frozen)
	if err != nil {
		return fmt.Errorf("set iteration frozen: %w", err)
	}
	return nil
}

// PurgeExpiredSessions removes iteration sessions that expired before now.
func (s *PostgresStore) PurgeExpiredSessions(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM iteration_sessions WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("purge iteration sessions: %w", err)
	}
	return res.RowsAffected()
}
