// Package journal 记录每轮已提交的跟单订单，便于事后审计。
package journal

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"copy-trader-go/order"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS copy_orders (
    pass_id      TEXT        NOT NULL,
    cloid        TEXT        NOT NULL,
    started_at   TIMESTAMPTZ NOT NULL,
    coin         TEXT        NOT NULL,
    side         TEXT        NOT NULL,
    size         TEXT        NOT NULL,
    limit_price  TEXT        NOT NULL,
    reduce_only  BOOLEAN     NOT NULL,
    current_size DOUBLE PRECISION NOT NULL,
    target_size  DOUBLE PRECISION NOT NULL,
    status       TEXT        NOT NULL,
    error        TEXT        NOT NULL DEFAULT '',
    PRIMARY KEY (pass_id, cloid)
)`

const insertSQL = `
INSERT INTO copy_orders (
    pass_id, cloid, started_at, coin, side, size, limit_price,
    reduce_only, current_size, target_size, status, error
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
ON CONFLICT (pass_id, cloid) DO NOTHING`

type db interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// PG 基于 Postgres 的审计日志，实现 order.PassRecorder。
type PG struct {
	db      db
	close   func()
	timeout time.Duration
}

// Open 连接数据库并建表。
func Open(ctx context.Context, dsn string) (*PG, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("journal connect: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("journal ping: %w", err)
	}
	j := &PG{db: pool, close: pool.Close, timeout: 4 * time.Second}
	if err := j.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return j, nil
}

// EnsureSchema 建表（幂等）。
func (j *PG) EnsureSchema(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, j.timeout)
	defer cancel()
	if _, err := j.db.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("journal schema: %w", err)
	}
	return nil
}

// RecordPass 每笔订单一行；批量失败时所有订单记为 BATCH_FAILED。
func (j *PG) RecordPass(ctx context.Context, p order.Pass) error {
	if len(p.Orders) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, j.timeout)
	defer cancel()

	b := &pgx.Batch{}
	for i, o := range p.Orders {
		status, reason := rowStatus(p, i)
		b.Queue(insertSQL,
			p.ID, o.ClientID, p.StartedAt, o.Coin, o.Side(), o.Size, o.LimitPrice,
			o.ReduceOnly, o.CurrentSize, o.TargetSize, status, reason,
		)
	}
	res := j.db.SendBatch(ctx, b)
	for range p.Orders {
		if _, err := res.Exec(); err != nil {
			_ = res.Close()
			return fmt.Errorf("journal insert: %w", err)
		}
	}
	return res.Close()
}

func rowStatus(p order.Pass, i int) (string, string) {
	if p.Err != nil {
		return "BATCH_FAILED", p.Err.Error()
	}
	if i < len(p.Acks) {
		return string(p.Acks[i].Status), p.Acks[i].Error
	}
	return "UNKNOWN", ""
}

// Close 关闭连接池。
func (j *PG) Close() {
	if j.close != nil {
		j.close()
	}
}

// Nop 未配置数据库时使用。
type Nop struct{}

func (Nop) RecordPass(context.Context, order.Pass) error { return nil }
