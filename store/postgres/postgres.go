package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/juju/errors"
	_ "github.com/lib/pq"

	"github.com/warriorguo/swarmflow/store"
)

var (
	_ store.Log = &pgLog{}
)

// Config holds PostgreSQL connection configuration
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string // disable, require, verify-ca, verify-full
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		Host:     "localhost",
		Port:     5432,
		User:     "postgres",
		Password: "postgres",
		Database: "swarmflow",
		SSLMode:  "disable",
	}
}

// DSN builds a PostgreSQL connection string from Config
func (c *Config) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Host == "" {
		return errors.New("host cannot be empty")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return errors.New("port must be between 1 and 65535")
	}
	if c.User == "" {
		return errors.New("user cannot be empty")
	}
	if c.Database == "" {
		return errors.New("database cannot be empty")
	}
	if c.SSLMode == "" {
		return errors.New("ssl mode cannot be empty")
	}
	return nil
}

/**
 * pgLog stores the event sequence in a PostgreSQL table. It can serve
 * as the primary log or as the replication mirror behind
 * store.Mirrored; positions are the table's serial ordinal rebased to
 * start at zero.
 */
type pgLog struct {
	db *sql.DB
}

// NewLog creates a PostgreSQL-backed log with the given configuration
func NewLog(config *Config) (store.Log, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}

	db, err := sql.Open("postgres", config.DSN())
	if err != nil {
		return nil, errors.Annotatef(err, "failed to open postgres connection")
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.Annotatef(err, "failed to ping postgres")
	}

	l := &pgLog{db: db}
	if err := l.initTable(context.Background()); err != nil {
		db.Close()
		return nil, errors.Annotatef(err, "failed to initialize table")
	}
	return l, nil
}

// NewLogWithDB creates a PostgreSQL-backed log on an existing connection
func NewLogWithDB(db *sql.DB) (store.Log, error) {
	if db == nil {
		return nil, errors.New("db cannot be nil")
	}

	l := &pgLog{db: db}
	if err := l.initTable(context.Background()); err != nil {
		return nil, errors.Annotatef(err, "failed to initialize table")
	}
	return l, nil
}

func (p *pgLog) initTable(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS swarmflow_events (
			ordinal BIGSERIAL PRIMARY KEY,
			record BYTEA NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		);
	`

	_, err := p.db.ExecContext(ctx, query)
	if err != nil {
		return errors.Annotatef(err, "failed to create table")
	}
	return nil
}

func (p *pgLog) Append(ctx context.Context, rec []byte) (int64, error) {
	query := `INSERT INTO swarmflow_events (record) VALUES ($1) RETURNING ordinal`

	var ordinal int64
	if err := p.db.QueryRowContext(ctx, query, rec).Scan(&ordinal); err != nil {
		return 0, errors.Annotatef(err, "failed to append record")
	}
	return ordinal - 1, nil
}

func (p *pgLog) Replay(ctx context.Context, from int64, iterator func(pos int64, rec []byte) bool) error {
	query := `SELECT ordinal, record FROM swarmflow_events WHERE ordinal >= $1 ORDER BY ordinal`

	rows, err := p.db.QueryContext(ctx, query, from+1)
	if err != nil {
		return errors.Annotatef(err, "failed to replay from %d", from)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			ordinal int64
			rec     []byte
		)
		if err := rows.Scan(&ordinal, &rec); err != nil {
			return errors.Annotatef(err, "failed to scan record")
		}
		if !iterator(ordinal-1, rec) {
			break
		}
	}

	if err := rows.Err(); err != nil {
		return errors.Annotatef(err, "error iterating rows")
	}
	return nil
}

// Close closes the database connection
func (p *pgLog) Close() error {
	if p.db != nil {
		return p.db.Close()
	}
	return nil
}
