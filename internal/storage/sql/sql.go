package sql

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/google/uuid"
	"github.com/uptrace/opentelemetry-go-extra/otelsql"
	"go.opentelemetry.io/otel/attribute"

	// import the postgres driver - "pgx"
	_ "github.com/jackc/pgx/v5/stdlib"

	// import the sqlite driver - "sqlite"
	_ "modernc.org/sqlite"

	"github.com/eval-hub/iteration-hub/internal/abstractions"
)

const (
	// These are the only drivers currently supported
	SQLITE_DRIVER   = "sqlite"
	POSTGRES_DRIVER = "pgx"

	TABLE_EXPERIMENTS     = "experiments"
	TABLE_PROMPT_VERSIONS = "prompt_versions"
	TABLE_MODEL_CONFIGS   = "model_configs"
	TABLE_JUDGE_CONFIGS   = "judge_configs"
	TABLE_DATASETS        = "datasets"
	TABLE_CASES           = "cases"
	TABLE_ITERATIONS      = "iterations"
	TABLE_MODEL_RUNS      = "model_runs"
	TABLE_OUTPUTS         = "outputs"
	TABLE_JUDGMENTS       = "judgments"
	TABLE_SUGGESTIONS     = "refinement_suggestions"
	TABLE_LEASES          = "leases"
)

// queryer is satisfied by both *sql.DB and *sql.Tx
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type SQLStorage struct {
	sqlConfig *SQLDatabaseConfig
	pool      *sql.DB
	logger    *slog.Logger
	ctx       context.Context
}

func NewStorage(config map[string]any, logger *slog.Logger) (abstractions.Storage, error) {
	var sqlConfig SQLDatabaseConfig
	err := mapstructure.Decode(config, &sqlConfig)
	if err != nil {
		return nil, err
	}

	// check that the driver is supported
	switch sqlConfig.Driver {
	case SQLITE_DRIVER:
		break
	case POSTGRES_DRIVER:
		break
	default:
		return nil, getUnsupportedDriverError(sqlConfig.Driver)
	}

	logger.Info("Creating SQL storage", "driver", sqlConfig.Driver, "database_name", sqlConfig.DatabaseName)

	pool, err := otelsql.Open(sqlConfig.Driver, sqlConfig.URL,
		otelsql.WithAttributes(attribute.String("db.system", sqlConfig.Driver)),
		otelsql.WithDBName(sqlConfig.DatabaseName),
	)
	if err != nil {
		return nil, err
	}

	if sqlConfig.ConnMaxLifetime != nil {
		pool.SetConnMaxLifetime(*sqlConfig.ConnMaxLifetime)
	}
	if sqlConfig.MaxIdleConns != nil {
		pool.SetMaxIdleConns(*sqlConfig.MaxIdleConns)
	}
	if sqlConfig.MaxOpenConns != nil {
		pool.SetMaxOpenConns(*sqlConfig.MaxOpenConns)
	}

	storage := &SQLStorage{
		sqlConfig: &sqlConfig,
		pool:      pool,
		logger:    logger,
		ctx:       context.Background(),
	}

	// ping the database to verify the DSN provided by the user is valid and the server is accessible
	logger.Info("Pinging SQL storage", "driver", sqlConfig.Driver)
	err = storage.Ping(1 * time.Second)
	if err != nil {
		return nil, err
	}

	// ensure the schemas are created
	logger.Info("Ensuring schemas are created", "driver", sqlConfig.Driver)
	if err := storage.ensureSchema(); err != nil {
		return nil, err
	}

	return storage, nil
}

func (s *SQLStorage) WithLogger(logger *slog.Logger) abstractions.Storage {
	return &SQLStorage{
		sqlConfig: s.sqlConfig,
		pool:      s.pool,
		logger:    logger,
		ctx:       s.ctx,
	}
}

func (s *SQLStorage) WithContext(ctx context.Context) abstractions.Storage {
	return &SQLStorage{
		sqlConfig: s.sqlConfig,
		pool:      s.pool,
		logger:    s.logger,
		ctx:       ctx,
	}
}

// Ping the database to verify DSN provided by the user is valid and the
// server accessible.
func (s *SQLStorage) Ping(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(s.ctx, timeout)
	defer cancel()

	return s.pool.PingContext(ctx)
}

func (s *SQLStorage) GetDatasourceName() string {
	return s.sqlConfig.Driver
}

func (s *SQLStorage) exec(q queryer, query string, args ...any) (sql.Result, error) {
	return q.ExecContext(s.ctx, rebind(s.sqlConfig.Driver, query), args...)
}

func (s *SQLStorage) query(q queryer, query string, args ...any) (*sql.Rows, error) {
	return q.QueryContext(s.ctx, rebind(s.sqlConfig.Driver, query), args...)
}

func (s *SQLStorage) queryRow(q queryer, query string, args ...any) *sql.Row {
	return q.QueryRowContext(s.ctx, rebind(s.sqlConfig.Driver, query), args...)
}

func (s *SQLStorage) ensureSchema() error {
	schemas, err := schemasForDriver(s.sqlConfig.Driver)
	if err != nil {
		return err
	}
	if _, err := s.pool.ExecContext(s.ctx, schemas); err != nil {
		return err
	}

	return nil
}

func (s *SQLStorage) generateID() string {
	return uuid.New().String()
}

func (s *SQLStorage) Close() error {
	return s.pool.Close()
}
