package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"hookd/pkg/model"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

const nodeColumns = `id::text, ip_address, status, score, chunks_processed_count, time_of_last_chunk, created_at`

// PostgresStore 基于 hook_nodes 表的 NodeStore。
// 每个修改都是一条 UPDATE ... RETURNING，行级原子性由数据库保证。
type PostgresStore struct {
	pool *pgxpool.Pool
}

// ConnectPostgres creates a connection pool to PostgreSQL.
func ConnectPostgres(ctx context.Context, databaseURL string, maxConns int) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}

	if maxConns > 0 {
		cfg.MaxConns = int32(maxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return pool, nil
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (p *PostgresStore) Close() error {
	p.pool.Close()
	return nil
}

func (p *PostgresStore) CreateNode(ctx context.Context, node *model.Node) error {
	tag, err := p.pool.Exec(ctx, `
		INSERT INTO hook_nodes (id, ip_address, status, score, chunks_processed_count, time_of_last_chunk, created_at)
		VALUES ($1::uuid, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (ip_address) DO NOTHING`,
		node.ID, node.Address, string(node.Status), node.Score, node.ChunksProcessed,
		toTimestamptz(node.LastChunkAt), node.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create node %s: %w", node.Address, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("create node %s: %w", node.Address, ErrDuplicateAddress)
	}
	return nil
}

func (p *PostgresStore) GetNode(ctx context.Context, address string) (*model.Node, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+nodeColumns+` FROM hook_nodes WHERE ip_address = $1`, address)
	return scanNode(row, address)
}

func (p *PostgresStore) GetNodeByID(ctx context.Context, id string) (*model.Node, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+nodeColumns+` FROM hook_nodes WHERE id::text = $1`, id)
	n, err := scanNode(row, id)
	if err != nil {
		return nil, fmt.Errorf("node id: %w", err)
	}
	return n, nil
}

func (p *PostgresStore) ListNodes(ctx context.Context) ([]*model.Node, error) {
	rows, err := p.pool.Query(ctx, `SELECT `+nodeColumns+` FROM hook_nodes ORDER BY ip_address`)
	if err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}
	defer rows.Close()

	var nodes []*model.Node
	for rows.Next() {
		n, err := scanNode(rows, "")
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}

func (p *PostgresStore) DeleteNode(ctx context.Context, address string) error {
	tag, err := p.pool.Exec(ctx, `DELETE FROM hook_nodes WHERE ip_address = $1`, address)
	if err != nil {
		return fmt.Errorf("delete node %s: %w", address, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("node %s: %w", address, ErrNodeNotFound)
	}
	return nil
}

func (p *PostgresStore) AdjustScore(ctx context.Context, address string, delta int64) (*model.Node, error) {
	return p.updateNode(ctx, address, `score = score + $2`, delta)
}

func (p *PostgresStore) IncrementChunks(ctx context.Context, address string, count int64) (*model.Node, error) {
	return p.updateNode(ctx, address, `chunks_processed_count = chunks_processed_count + $2`, count)
}

func (p *PostgresStore) TouchLastChunk(ctx context.Context, address string, ts time.Time) (*model.Node, error) {
	return p.updateNode(ctx, address, `time_of_last_chunk = $2`, ts)
}

func (p *PostgresStore) RecordSuccess(ctx context.Context, address string, count int64, ts time.Time) (*model.Node, error) {
	row := p.pool.QueryRow(ctx, `
		UPDATE hook_nodes
		SET score = score + 1,
			chunks_processed_count = chunks_processed_count + $2,
			time_of_last_chunk = $3,
			updated_at = NOW()
		WHERE ip_address = $1
		RETURNING `+nodeColumns,
		address, count, ts,
	)
	return scanNode(row, address)
}

func (p *PostgresStore) SetStatus(ctx context.Context, address string, status model.NodeStatus) (*model.Node, error) {
	return p.updateNode(ctx, address, `status = $2`, string(status))
}

func (p *PostgresStore) CompareAndSwapStatus(ctx context.Context, address string, from, to model.NodeStatus) (*model.Node, error) {
	row := p.pool.QueryRow(ctx, `
		UPDATE hook_nodes SET status = $3, updated_at = NOW()
		WHERE ip_address = $1 AND status = $2
		RETURNING `+nodeColumns,
		address, string(from), string(to),
	)
	n, err := scanNode(row, address)
	if err == nil {
		return n, nil
	}
	if !errors.Is(err, ErrNodeNotFound) {
		return nil, err
	}

	// 没有行被更新：要么节点不存在，要么状态已经变了
	current, getErr := p.GetNode(ctx, address)
	if getErr != nil {
		return nil, getErr
	}
	return nil, fmt.Errorf("node %s is %s, want %s: %w", address, current.Status, from, ErrStatusConflict)
}

func (p *PostgresStore) updateNode(ctx context.Context, address, set string, arg any) (*model.Node, error) {
	row := p.pool.QueryRow(ctx, `
		UPDATE hook_nodes SET `+set+`, updated_at = NOW()
		WHERE ip_address = $1
		RETURNING `+nodeColumns,
		address, arg,
	)
	return scanNode(row, address)
}

func scanNode(row pgx.Row, key string) (*model.Node, error) {
	var (
		n      model.Node
		status string
		last   pgtype.Timestamptz
	)
	err := row.Scan(&n.ID, &n.Address, &status, &n.Score, &n.ChunksProcessed, &last, &n.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("node %s: %w", key, ErrNodeNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scan node: %w", err)
	}
	n.Status = model.NodeStatus(status)
	if last.Valid {
		t := last.Time
		n.LastChunkAt = &t
	}
	return &n, nil
}

func toTimestamptz(t *time.Time) pgtype.Timestamptz {
	if t == nil {
		return pgtype.Timestamptz{}
	}
	return pgtype.Timestamptz{Time: *t, Valid: true}
}
