package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/infermesh/infermesh/internal/auth"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	cipher *auth.Cipher // encrypts node secrets at rest; nil stores plaintext
}

// NewSQLite creates a new SQLite store. Use ":memory:" for an in-memory
// database, or a file path for persistent storage.
func NewSQLite(dsn string, cipher *auth.Cipher) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite allows one writer; a single connection keeps ClaimNext and
	// receipt appends serializable.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	if dsn != ":memory:" {
		if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enable WAL: %w", err)
		}
	}

	s := &SQLiteStore{db: db, cipher: cipher}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS nodes (
			id TEXT PRIMARY KEY,
			models TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'unseen',
			region TEXT NOT NULL DEFAULT '',
			runtime TEXT NOT NULL DEFAULT '',
			secret TEXT NOT NULL,
			secret_hash TEXT NOT NULL,
			last_seen DATETIME,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			model TEXT NOT NULL,
			messages TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			node_id TEXT,
			response TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS receipts (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			inference_id TEXT NOT NULL,
			node_id TEXT,
			model TEXT NOT NULL,
			request_hash TEXT NOT NULL,
			response_hash TEXT NOT NULL,
			previous_hash TEXT,
			block_hash TEXT NOT NULL,
			block_number INTEGER NOT NULL,
			status TEXT NOT NULL DEFAULT 'completed',
			processing_ms INTEGER NOT NULL DEFAULT 0,
			token_count INTEGER NOT NULL DEFAULT 0,
			timestamp DATETIME NOT NULL,
			timestamp_iso TEXT NOT NULL,
			UNIQUE (user_id, block_number)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_user_id ON jobs(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_receipts_user_id ON receipts(user_id, block_number)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("execute migration: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Jobs ---

func (s *SQLiteStore) CreateJob(ctx context.Context, job *Job) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, user_id, model, messages, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.UserID, job.Model, string(job.Messages), job.Status, job.CreatedAt, job.UpdatedAt)
	return err
}

func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*Job, error) {
	return scanJob(s.db.QueryRowContext(ctx,
		`SELECT id, user_id, model, messages, status, node_id, response, error, created_at, updated_at
		 FROM jobs WHERE id = ?`, id))
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	job := &Job{}
	var messages string
	err := row.Scan(&job.ID, &job.UserID, &job.Model, &messages, &job.Status,
		&job.NodeID, &job.Response, &job.Error, &job.CreatedAt, &job.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	job.Messages = []byte(messages)
	return job, nil
}

func (s *SQLiteStore) ListJobs(ctx context.Context, filter JobFilter) ([]*Job, error) {
	query := `SELECT id, user_id, model, messages, status, node_id, response, error, created_at, updated_at
	          FROM jobs WHERE 1=1`
	args := []any{}

	if filter.UserID != "" {
		query += " AND user_id = ?"
		args = append(args, filter.UserID)
	}
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, filter.Status)
	}
	if filter.Model != "" {
		query += " AND model = ?"
		args = append(args, filter.Model)
	}

	query += " ORDER BY created_at DESC"

	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}
	if filter.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (s *SQLiteStore) ClaimNext(ctx context.Context, nodeID string, models []string) (*Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	// Oldest pending job the node can serve; FIFO by creation, ties by id.
	query := `SELECT id, user_id, model, messages, status, node_id, response, error, created_at, updated_at
	          FROM jobs WHERE status = 'pending'`
	args := []any{}
	if len(models) > 0 {
		query += " AND model IN (?" + strings.Repeat(",?", len(models)-1) + ")"
		for _, m := range models {
			args = append(args, m)
		}
	}
	query += " ORDER BY created_at, id LIMIT 1"

	job, err := scanJob(tx.QueryRowContext(ctx, query, args...))
	if err != nil {
		return nil, err
	}

	// Conditional update guards against a concurrent claim of the same job.
	res, err := tx.ExecContext(ctx,
		`UPDATE jobs SET status = ?, node_id = ?, updated_at = ? WHERE id = ? AND status = 'pending'`,
		JobStatusAssigned, nodeID, time.Now(), job.ID)
	if err != nil {
		return nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, ErrNotFound
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	job.Status = JobStatusAssigned
	job.NodeID = &nodeID
	return job, nil
}

func (s *SQLiteStore) AssignJob(ctx context.Context, jobID, nodeID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, node_id = ?, updated_at = ? WHERE id = ? AND status = 'pending'`,
		JobStatusAssigned, nodeID, time.Now(), jobID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) UpdateJobStatus(ctx context.Context, id string, status JobStatus, response, errMsg string) error {
	var res sql.Result
	var err error
	now := time.Now()

	if status.Terminal() {
		res, err = s.db.ExecContext(ctx,
			`UPDATE jobs SET status = ?, response = ?, error = ?, updated_at = ?
			 WHERE id = ? AND status NOT IN ('completed', 'failed')`,
			status, response, errMsg, now, id)
	} else {
		res, err = s.db.ExecContext(ctx,
			`UPDATE jobs SET status = ?, updated_at = ?
			 WHERE id = ? AND status NOT IN ('completed', 'failed')`,
			status, now, id)
	}
	if err != nil {
		return err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// Distinguish missing from frozen.
		if _, err := s.GetJob(ctx, id); err != nil {
			return err
		}
		return ErrTerminal
	}
	return nil
}

// --- Nodes ---

func (s *SQLiteStore) UpsertNode(ctx context.Context, node *Node, secret []byte) error {
	stored := string(secret)
	if s.cipher != nil {
		enc, err := s.cipher.Encrypt(stored)
		if err != nil {
			return fmt.Errorf("encrypt secret: %w", err)
		}
		stored = enc
	}

	models := strings.Join(node.Models, ",")
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO nodes (id, models, status, region, runtime, secret, secret_hash, last_seen, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			models = excluded.models,
			status = excluded.status,
			region = excluded.region,
			runtime = excluded.runtime,
			secret = excluded.secret,
			secret_hash = excluded.secret_hash,
			last_seen = excluded.last_seen`,
		node.ID, models, node.Status, node.Region, node.Runtime, stored,
		node.SecretHash, node.LastSeen, node.CreatedAt)
	return err
}

func (s *SQLiteStore) GetNode(ctx context.Context, id string) (*Node, error) {
	node := &Node{}
	var models string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, models, status, region, runtime, secret_hash, last_seen, created_at
		 FROM nodes WHERE id = ?`, id).Scan(
		&node.ID, &models, &node.Status, &node.Region, &node.Runtime,
		&node.SecretHash, &node.LastSeen, &node.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if models != "" {
		node.Models = strings.Split(models, ",")
	}
	return node, nil
}

func (s *SQLiteStore) ListNodes(ctx context.Context, filter NodeFilter) ([]*Node, error) {
	query := `SELECT id, models, status, region, runtime, secret_hash, last_seen, created_at
	          FROM nodes WHERE 1=1`
	args := []any{}

	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, filter.Status)
	}
	if filter.Region != "" {
		query += " AND region = ?"
		args = append(args, filter.Region)
	}
	if filter.Runtime != "" {
		query += " AND runtime = ?"
		args = append(args, filter.Runtime)
	}

	query += " ORDER BY created_at DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var nodes []*Node
	for rows.Next() {
		node := &Node{}
		var models string
		if err := rows.Scan(&node.ID, &models, &node.Status, &node.Region, &node.Runtime,
			&node.SecretHash, &node.LastSeen, &node.CreatedAt); err != nil {
			return nil, err
		}
		if models != "" {
			node.Models = strings.Split(models, ",")
		}
		// Model filtering happens on the comma-joined list in Go; SQLite has
		// no set column type.
		if filter.Model != "" && !hasModel(node.Models, filter.Model) {
			continue
		}
		nodes = append(nodes, node)
	}
	return nodes, rows.Err()
}

func hasModel(models []string, model string) bool {
	for _, m := range models {
		if m == model {
			return true
		}
	}
	return false
}

func (s *SQLiteStore) UpdateNodeHeartbeat(ctx context.Context, id string, models []string, region, runtime string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE nodes SET models = ?, region = ?, runtime = ?, last_seen = ? WHERE id = ?`,
		strings.Join(models, ","), region, runtime, time.Now(), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) UpdateNodeStatus(ctx context.Context, id string, status NodeStatus) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE nodes SET status = ? WHERE id = ?`, status, id)
	return err
}

func (s *SQLiteStore) DeleteNode(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM nodes WHERE id = ?`, id)
	return err
}

func (s *SQLiteStore) NodeSecret(ctx context.Context, id string) ([]byte, error) {
	var stored string
	err := s.db.QueryRowContext(ctx, `SELECT secret FROM nodes WHERE id = ?`, id).Scan(&stored)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if s.cipher != nil {
		dec, err := s.cipher.Decrypt(stored)
		if err != nil {
			return nil, fmt.Errorf("decrypt secret: %w", err)
		}
		stored = dec
	}
	return []byte(stored), nil
}

// --- Receipts ---

func (s *SQLiteStore) AppendReceipt(ctx context.Context, r *Receipt) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO receipts (id, user_id, inference_id, node_id, model, request_hash, response_hash,
		                       previous_hash, block_hash, block_number, status, processing_ms, token_count,
		                       timestamp, timestamp_iso)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.UserID, r.InferenceID, r.NodeID, r.Model, r.RequestHash, r.ResponseHash,
		r.PreviousHash, r.BlockHash, r.BlockNumber, r.Status, r.ProcessingMs, r.TokenCount,
		r.Timestamp, r.TimestampISO)
	return err
}

func (s *SQLiteStore) LatestReceipt(ctx context.Context, userID string) (*Receipt, error) {
	return scanReceipt(s.db.QueryRowContext(ctx,
		`SELECT id, user_id, inference_id, node_id, model, request_hash, response_hash,
		        previous_hash, block_hash, block_number, status, processing_ms, token_count,
		        timestamp, timestamp_iso
		 FROM receipts WHERE user_id = ? ORDER BY block_number DESC LIMIT 1`, userID))
}

func scanReceipt(row rowScanner) (*Receipt, error) {
	r := &Receipt{}
	err := row.Scan(&r.ID, &r.UserID, &r.InferenceID, &r.NodeID, &r.Model, &r.RequestHash,
		&r.ResponseHash, &r.PreviousHash, &r.BlockHash, &r.BlockNumber, &r.Status,
		&r.ProcessingMs, &r.TokenCount, &r.Timestamp, &r.TimestampISO)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (s *SQLiteStore) ListReceipts(ctx context.Context, userID string, limit, offset int) ([]*Receipt, error) {
	query := `SELECT id, user_id, inference_id, node_id, model, request_hash, response_hash,
	                 previous_hash, block_hash, block_number, status, processing_ms, token_count,
	                 timestamp, timestamp_iso
	          FROM receipts WHERE user_id = ? ORDER BY block_number`
	args := []any{userID}

	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	if offset > 0 {
		query += " OFFSET ?"
		args = append(args, offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var receipts []*Receipt
	for rows.Next() {
		r, err := scanReceipt(rows)
		if err != nil {
			return nil, err
		}
		receipts = append(receipts, r)
	}
	return receipts, rows.Err()
}
