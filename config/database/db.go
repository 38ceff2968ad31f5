package database

import (
	"context"
	"database/sql"
	"time"

	"github.com/cenkalti/backoff/v4"
	_ "github.com/lib/pq"

	"satukolab/pkg/logger"
)

// Connect opens the Postgres pool and waits until it answers a ping,
// retrying a few times in case of temporary DNS or network blips.
func Connect(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := pingWithRetry(ctx, db, backoff.WithMaxRetries(backoff.NewConstantBackOff(2*time.Second), 4)); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func pingWithRetry(ctx context.Context, db *sql.DB, b backoff.BackOff) error {
	err := backoff.RetryNotify(func() error {
		return db.PingContext(ctx)
	}, backoff.WithContext(b, ctx), func(err error, wait time.Duration) {
		logger.Sugar.Infof("Database connection failed, retrying in %s... (%v)", wait, err)
	})
	if err != nil {
		logger.Sugar.Errorf("Could not connect to database after retries: %v", err)
		return err
	}
	logger.Sugar.Info("Successfully connected to the database")
	return nil
}
