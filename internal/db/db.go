package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Dhoini/Dunning-microservice/pkg/logger"
)

// DBClient представляет клиент для работы с базой данных.
type DBClient struct {
	pool *pgxpool.Pool
	log  *logger.Logger
}

// NewDBClient создает новый экземпляр DBClient.
func NewDBClient(dsn string, log *logger.Logger) (*DBClient, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		log.Errorw("Failed to create database pool", "error", err)
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		log.Errorw("Failed to ping database", "error", err)
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DBClient{pool: pool, log: log}, nil
}

// DB возвращает пул соединений для репозиториев.
func (dc *DBClient) DB() *pgxpool.Pool {
	return dc.pool
}

// Close закрывает соединение с базой данных.
func (dc *DBClient) Close() error {
	dc.pool.Close()
	dc.log.Infow("Database connection pool closed")
	return nil
}
