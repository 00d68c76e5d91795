package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DeployStatus is the outcome of one deploy cycle.
type DeployStatus string

const (
	DeploySuccess DeployStatus = "SUCCESS"
	DeployFailed  DeployStatus = "FAILED"
)

// DeployRecord is one row of the deploy log.
type DeployRecord struct {
	ID         string       `json:"id"`
	Branches   []string     `json:"branches"`
	Status     DeployStatus `json:"status"`
	CommitHash string       `json:"commit_hash,omitempty"`
	Error      string       `json:"error,omitempty"`
	CreatedAt  time.Time    `json:"created_at"`
}

// Conflict records a merge conflict encountered during a deploy cycle.
type Conflict struct {
	ID         string    `json:"id"`
	BranchA    string    `json:"branch_a"`
	BranchB    string    `json:"branch_b"`
	FilePath   string    `json:"file_path,omitempty"`
	Status     string    `json:"status"`
	Resolution string    `json:"resolution,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// AppendDeployRecord inserts a deploy log row and returns its id.
func (s *Store) AppendDeployRecord(ctx context.Context, branches []string, status DeployStatus, commitHash, errMsg string) (string, error) {
	if branches == nil {
		branches = []string{}
	}
	branchesJSON, err := json.Marshal(branches)
	if err != nil {
		return "", fmt.Errorf("marshal branches: %w", err)
	}
	id := uuid.NewString()
	err = retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO deploy_log (id, branches, status, commit_hash, error)
			VALUES (?, ?, ?, ?, ?);
		`, id, string(branchesJSON), status, commitHash, errMsg)
		if err != nil {
			return fmt.Errorf("insert deploy record: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// ListDeployRecords returns the most recent deploy log rows, newest first.
func (s *Store) ListDeployRecords(ctx context.Context, limit int) ([]*DeployRecord, error) {
	if limit <= 0 || limit > 1000 {
		limit = 50
	}
	var records []*DeployRecord
	err := retryOnBusy(ctx, 5, func() error {
		records = records[:0]
		rows, err := s.db.QueryContext(ctx, `
			SELECT id, branches, status, commit_hash, error, created_at
			FROM deploy_log ORDER BY created_at DESC, id DESC LIMIT ?;
		`, limit)
		if err != nil {
			return fmt.Errorf("query deploy_log: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var rec DeployRecord
			var branchesJSON string
			if err := rows.Scan(&rec.ID, &branchesJSON, &rec.Status, &rec.CommitHash, &rec.Error, &rec.CreatedAt); err != nil {
				return fmt.Errorf("scan deploy record: %w", err)
			}
			if err := json.Unmarshal([]byte(branchesJSON), &rec.Branches); err != nil {
				return fmt.Errorf("unmarshal branches: %w", err)
			}
			records = append(records, &rec)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// RecordConflict inserts an OPEN conflict row and returns its id.
func (s *Store) RecordConflict(ctx context.Context, branchA, branchB, filePath string) (string, error) {
	id := uuid.NewString()
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO conflicts (id, branch_a, branch_b, file_path, status)
			VALUES (?, ?, ?, ?, 'OPEN');
		`, id, branchA, branchB, filePath)
		if err != nil {
			return fmt.Errorf("insert conflict: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// ResolveConflict marks a conflict RESOLVED with the given resolution note.
func (s *Store) ResolveConflict(ctx context.Context, conflictID, resolution string) error {
	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE conflicts SET status = 'RESOLVED', resolution = ?
			WHERE id = ? AND status = 'OPEN';
		`, resolution, conflictID)
		if err != nil {
			return fmt.Errorf("resolve conflict: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		if affected != 1 {
			return fmt.Errorf("conflict %s not found or already resolved", conflictID)
		}
		return nil
	})
}

// ListConflicts returns conflicts, optionally filtered to OPEN ones.
func (s *Store) ListConflicts(ctx context.Context, openOnly bool) ([]*Conflict, error) {
	query := `
		SELECT id, branch_a, branch_b, file_path, status, resolution, created_at
		FROM conflicts ORDER BY created_at DESC, id DESC;
	`
	if openOnly {
		query = `
			SELECT id, branch_a, branch_b, file_path, status, resolution, created_at
			FROM conflicts WHERE status = 'OPEN' ORDER BY created_at DESC, id DESC;
		`
	}
	var conflicts []*Conflict
	err := retryOnBusy(ctx, 5, func() error {
		conflicts = conflicts[:0]
		rows, err := s.db.QueryContext(ctx, query)
		if err != nil {
			return fmt.Errorf("query conflicts: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var c Conflict
			if err := rows.Scan(&c.ID, &c.BranchA, &c.BranchB, &c.FilePath, &c.Status, &c.Resolution, &c.CreatedAt); err != nil {
				return fmt.Errorf("scan conflict: %w", err)
			}
			conflicts = append(conflicts, &c)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return conflicts, nil
}

// Vision returns the project vision, empty if never set.
func (s *Store) Vision(ctx context.Context) (string, error) {
	var vision string
	err := retryOnBusy(ctx, 5, func() error {
		return s.db.QueryRowContext(ctx, `SELECT vision FROM master WHERE id = 1;`).Scan(&vision)
	})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("read vision: %w", err)
	}
	return vision, nil
}

// SetVision updates the project vision singleton.
func (s *Store) SetVision(ctx context.Context, vision string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO master (id, vision, updated_at)
			VALUES (1, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(id) DO UPDATE SET vision = excluded.vision, updated_at = CURRENT_TIMESTAMP;
		`, vision)
		if err != nil {
			return fmt.Errorf("set vision: %w", err)
		}
		return nil
	})
}
