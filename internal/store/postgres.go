package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jogardn/allergy-notices/pkg/models"
	"github.com/lib/pq"
	"github.com/sirupsen/logrus"
)

type PostgresConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	Name     string
	SSLMode  string
}

func (c PostgresConfig) DSN() string {
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, sslMode)
}

// Postgres stores each notice as a JSONB body next to the columns the
// service filters and guards on.
type Postgres struct {
	db     *sql.DB
	logger *logrus.Logger
}

func OpenPostgres(ctx context.Context, config PostgresConfig, logger *logrus.Logger) (*Postgres, error) {
	db, err := sql.Open("postgres", config.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Wait for database to be ready
	var pingErr error
	for i := 0; i < 30; i++ {
		if pingErr = db.PingContext(ctx); pingErr == nil {
			logger.Info("Database connection established")
			break
		}
		logger.Info("Waiting for database...")
		select {
		case <-ctx.Done():
			db.Close()
			return nil, ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
	if pingErr != nil {
		db.Close()
		return nil, fmt.Errorf("database not reachable: %w", pingErr)
	}

	p := &Postgres{db: db, logger: logger}
	if err := p.createTables(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return p, nil
}

func (p *Postgres) Close() error {
	return p.db.Close()
}

func (p *Postgres) createTables(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS notices (
			id VARCHAR(64) PRIMARY KEY,
			restaurant_id VARCHAR(255) NOT NULL,
			user_id VARCHAR(255),
			status VARCHAR(50) NOT NULL,
			revision BIGINT NOT NULL,
			body JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_notices_restaurant_id ON notices(restaurant_id)`,
		`CREATE INDEX IF NOT EXISTS idx_notices_user_id ON notices(user_id)`,
	}

	for _, query := range queries {
		if _, err := p.db.ExecContext(ctx, query); err != nil {
			return err
		}
	}
	return nil
}

func (p *Postgres) Upsert(ctx context.Context, o *models.Order) error {
	body, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("failed to marshal notice: %w", err)
	}

	// A first write that loses an insert race is checked again against the
	// row that won.
	for attempt := 0; attempt < 2; attempt++ {
		done, err := p.upsert(ctx, o, body)
		if err != nil || done {
			return err
		}
	}
	return fmt.Errorf("%w: concurrent first writes", ErrConflict)
}

func (p *Postgres) upsert(ctx context.Context, o *models.Order, body []byte) (bool, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var stored *models.Order
	var storedBody []byte
	err = tx.QueryRowContext(ctx, `SELECT body FROM notices WHERE id = $1 FOR UPDATE`, o.ID).Scan(&storedBody)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return false, fmt.Errorf("failed to lock notice: %w", err)
	default:
		stored = &models.Order{}
		if err := json.Unmarshal(storedBody, stored); err != nil {
			return false, fmt.Errorf("failed to decode notice: %w", err)
		}
	}

	write, err := admit(stored, o)
	if err != nil {
		p.logger.WithFields(logrus.Fields{
			"notice_id":       o.ID,
			"revision":        o.Revision,
			"stored_revision": stored.Revision,
			"stored_status":   stored.Status,
		}).Warn("Refused conflicting notice write")
		return false, err
	}
	if !write {
		p.logger.WithFields(logrus.Fields{
			"notice_id": o.ID,
			"revision":  o.Revision,
		}).Info("Ignored duplicate notice write")
		return true, nil
	}

	args := []interface{}{o.ID, o.RestaurantID, o.UserID, string(o.Status),
		o.Revision, string(body), o.CreatedAt, o.UpdatedAt}
	if stored == nil {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO notices (id, restaurant_id, user_id, status, revision, body, created_at, updated_at)
			VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7, $8)
			ON CONFLICT (id) DO NOTHING
		`, args...)
		if err != nil {
			return false, fmt.Errorf("failed to insert notice: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return false, nil
		}
	} else {
		_, err := tx.ExecContext(ctx, `
			UPDATE notices SET
				restaurant_id = $2,
				user_id = NULLIF($3, ''),
				status = $4,
				revision = $5,
				body = $6,
				created_at = $7,
				updated_at = $8
			WHERE id = $1
		`, args...)
		if err != nil {
			return false, fmt.Errorf("failed to update notice: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit notice: %w", err)
	}
	return true, nil
}

func (p *Postgres) List(ctx context.Context, restaurantIDs []string) ([]models.Order, error) {
	query := `
		SELECT body FROM notices
		WHERE restaurant_id = ANY($1)
		ORDER BY created_at DESC
	`
	rows, err := p.db.QueryContext(ctx, query, pq.Array(restaurantIDs))
	if err != nil {
		return nil, fmt.Errorf("failed to query notices: %w", err)
	}
	defer rows.Close()

	var notices []models.Order
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("failed to scan notice: %w", err)
		}
		var o models.Order
		if err := json.Unmarshal(body, &o); err != nil {
			return nil, fmt.Errorf("failed to decode notice: %w", err)
		}
		notices = append(notices, o)
	}
	return notices, rows.Err()
}

func (p *Postgres) Get(ctx context.Context, id string) (*models.Order, error) {
	var body []byte
	err := p.db.QueryRowContext(ctx, `SELECT body FROM notices WHERE id = $1`, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get notice: %w", err)
	}

	var o models.Order
	if err := json.Unmarshal(body, &o); err != nil {
		return nil, fmt.Errorf("failed to decode notice: %w", err)
	}
	return &o, nil
}

func (p *Postgres) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}
