package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/khufu-labs/hemiunu/internal/bus"
	"github.com/khufu-labs/hemiunu/internal/shared"
)

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	// StatusTodo is the initial state: created, not yet picked up.
	StatusTodo TaskStatus = "TODO"
	// StatusWorking means an agent run is in progress.
	StatusWorking TaskStatus = "WORKING"
	// StatusGreen means the agent finished and tests passed; eligible for deploy.
	StatusGreen TaskStatus = "GREEN"
	// StatusRed means the attempt failed. Terminal for this attempt.
	StatusRed TaskStatus = "RED"
	// StatusSplit means the task was decomposed into subtasks. Terminal.
	StatusSplit TaskStatus = "SPLIT"
	// StatusDeployed means the task's branch was merged and pushed. Terminal.
	StatusDeployed TaskStatus = "DEPLOYED"
)

// allowedTransitions is the closed transition table. Anything absent here
// is an illegal transition and is rejected loudly.
var allowedTransitions = map[TaskStatus]map[TaskStatus]struct{}{
	StatusTodo: {
		StatusWorking: {},
		StatusRed:     {},
	},
	StatusWorking: {
		StatusGreen: {},
		StatusRed:   {},
		StatusSplit: {},
	},
	StatusGreen: {
		StatusDeployed: {},
		StatusRed:      {},
	},
}

func canTransition(from, to TaskStatus) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

// Task is one unit of verifiable work.
type Task struct {
	ID           string     `json:"id"`
	ParentID     string     `json:"parent_id,omitempty"`
	Description  string     `json:"description"`
	CLITest      string     `json:"cli_test,omitempty"`
	Status       TaskStatus `json:"status"`
	WorkerStatus string     `json:"worker_status,omitempty"`
	TesterStatus string     `json:"tester_status,omitempty"`
	Branch       string     `json:"branch,omitempty"`
	CodePath     string     `json:"code_path,omitempty"`
	TestPath     string     `json:"test_path,omitempty"`
	Error        string     `json:"error,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Subtask is the payload for splitting a task.
type Subtask struct {
	Description string `json:"description"`
	CLITest     string `json:"cli_test,omitempty"`
}

const taskColumns = `id, parent_id, description, cli_test, status, worker_status,
	tester_status, branch, code_path, test_path, error, created_at, updated_at`

func scanTask(scanFn func(dest ...any) error, task *Task) error {
	var parentID sql.NullString
	if err := scanFn(
		&task.ID,
		&parentID,
		&task.Description,
		&task.CLITest,
		&task.Status,
		&task.WorkerStatus,
		&task.TesterStatus,
		&task.Branch,
		&task.CodePath,
		&task.TestPath,
		&task.Error,
		&task.CreatedAt,
		&task.UpdatedAt,
	); err != nil {
		return err
	}
	if parentID.Valid {
		task.ParentID = parentID.String
	}
	return nil
}

// CreateTask inserts a new TODO task.
func (s *Store) CreateTask(ctx context.Context, description, cliTest string) (*Task, error) {
	description = strings.TrimSpace(description)
	if description == "" {
		return nil, fmt.Errorf("create task: empty description")
	}

	task := &Task{
		ID:          uuid.NewString(),
		Description: description,
		CLITest:     strings.TrimSpace(cliTest),
		Status:      StatusTodo,
	}

	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin create task: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO tasks (id, description, cli_test, status)
			VALUES (?, ?, ?, ?);
		`, task.ID, task.Description, task.CLITest, task.Status); err != nil {
			return fmt.Errorf("insert task: %w", err)
		}
		if err := s.appendTaskEventTx(ctx, tx, task.ID, "", task.Status, "task.created", "{}"); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}

	created, err := s.GetTask(ctx, task.ID)
	if err != nil {
		return nil, err
	}
	s.publish(bus.TopicTaskCreated, bus.TaskStateChangedEvent{
		TaskID:    task.ID,
		NewStatus: string(StatusTodo),
	})
	return created, nil
}

func (s *Store) appendTaskEventTx(ctx context.Context, tx *sql.Tx, taskID string, from, to TaskStatus, eventType, payload string) error {
	if payload == "" {
		payload = "{}"
	}
	traceID := shared.TraceID(ctx)
	_, err := tx.ExecContext(ctx, `
		INSERT INTO task_events (task_id, trace_id, event_type, state_from, state_to, payload_json, created_at)
		VALUES (?, ?, ?, NULLIF(?, ''), ?, ?, CURRENT_TIMESTAMP);
	`, taskID, traceID, eventType, string(from), string(to), payload)
	if err != nil {
		return fmt.Errorf("insert task_event: %w", err)
	}
	return nil
}

// transitionTaskTx performs a guarded state transition inside tx. It
// re-reads the current status, validates against the transition table,
// updates the row, and appends an audit event. An illegal transition
// returns an error wrapping ErrInvalidTransition.
func (s *Store) transitionTaskTx(ctx context.Context, tx *sql.Tx, taskID string, to TaskStatus, eventType string, errMsg *string) (TaskStatus, error) {
	var current TaskStatus
	if err := tx.QueryRowContext(ctx, `
		SELECT status FROM tasks WHERE id = ?;
	`, taskID).Scan(&current); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
		}
		return "", fmt.Errorf("select task for transition: %w", err)
	}
	if !canTransition(current, to) {
		return "", fmt.Errorf("%w: illegal transition %s -> %s", ErrInvalidTransition, current, to)
	}

	errValue := sql.NullString{}
	if errMsg != nil {
		errValue.Valid = true
		errValue.String = *errMsg
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE tasks
		SET status = ?,
			error = CASE WHEN ? THEN ? ELSE error END,
			updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = ?;
	`, to, errValue.Valid, errValue.String, taskID, current)
	if err != nil {
		return "", fmt.Errorf("update task transition: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return "", fmt.Errorf("transition rows affected: %w", err)
	}
	if affected != 1 {
		return "", fmt.Errorf("%w: illegal transition %s -> %s", ErrInvalidTransition, current, to)
	}
	if err := s.appendTaskEventTx(ctx, tx, taskID, current, to, eventType, "{}"); err != nil {
		return "", err
	}
	return current, nil
}

// transition runs one guarded transition as its own transaction and
// publishes the state-change event on success.
func (s *Store) transition(ctx context.Context, taskID string, to TaskStatus, eventType string, errMsg *string) error {
	var from TaskStatus
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin transition: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		from, err = s.transitionTaskTx(ctx, tx, taskID, to, eventType, errMsg)
		if err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return err
	}
	s.publish(bus.TopicTaskStateChanged, bus.TaskStateChangedEvent{
		TaskID:    taskID,
		OldStatus: string(from),
		NewStatus: string(to),
	})
	return nil
}

// StartTask moves a task TODO -> WORKING.
func (s *Store) StartTask(ctx context.Context, taskID string) error {
	return s.transition(ctx, taskID, StatusWorking, "task.started", nil)
}

// ApproveTask moves a task WORKING -> GREEN.
func (s *Store) ApproveTask(ctx context.Context, taskID string) error {
	return s.transition(ctx, taskID, StatusGreen, "task.approved", nil)
}

// RejectTask moves a task to RED from any non-terminal state, recording
// the failure reason.
func (s *Store) RejectTask(ctx context.Context, taskID, reason string) error {
	return s.transition(ctx, taskID, StatusRed, "task.rejected", &reason)
}

// DeployTask moves a task GREEN -> DEPLOYED.
func (s *Store) DeployTask(ctx context.Context, taskID string) error {
	return s.transition(ctx, taskID, StatusDeployed, "task.deployed", nil)
}

// SplitTask atomically moves a WORKING task to SPLIT and creates one
// TODO child per subtask, each with parent_id set.
func (s *Store) SplitTask(ctx context.Context, taskID string, subtasks []Subtask) ([]*Task, error) {
	if len(subtasks) == 0 {
		return nil, fmt.Errorf("split task: no subtasks given")
	}
	for i, st := range subtasks {
		if strings.TrimSpace(st.Description) == "" {
			return nil, fmt.Errorf("split task: subtask %d has empty description", i)
		}
	}

	childIDs := make([]string, 0, len(subtasks))
	var from TaskStatus
	err := retryOnBusy(ctx, 5, func() error {
		childIDs = childIDs[:0]
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin split: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		from, err = s.transitionTaskTx(ctx, tx, taskID, StatusSplit, "task.split", nil)
		if err != nil {
			return err
		}
		for _, st := range subtasks {
			childID := uuid.NewString()
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO tasks (id, parent_id, description, cli_test, status)
				VALUES (?, ?, ?, ?, ?);
			`, childID, taskID, strings.TrimSpace(st.Description), strings.TrimSpace(st.CLITest), StatusTodo); err != nil {
				return fmt.Errorf("insert subtask: %w", err)
			}
			if err := s.appendTaskEventTx(ctx, tx, childID, "", StatusTodo, "task.created", "{}"); err != nil {
				return err
			}
			childIDs = append(childIDs, childID)
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}

	s.publish(bus.TopicTaskStateChanged, bus.TaskStateChangedEvent{
		TaskID:    taskID,
		OldStatus: string(from),
		NewStatus: string(StatusSplit),
	})
	s.publish(bus.TopicTaskSplit, bus.TaskSplitEvent{ParentID: taskID, ChildIDs: childIDs})

	children := make([]*Task, 0, len(childIDs))
	for _, id := range childIDs {
		child, err := s.GetTask(ctx, id)
		if err != nil {
			return nil, err
		}
		children = append(children, child)
	}
	return children, nil
}

// GetTask returns the task with the given id.
func (s *Store) GetTask(ctx context.Context, taskID string) (*Task, error) {
	var task Task
	err := retryOnBusy(ctx, 5, func() error {
		row := s.db.QueryRowContext(ctx, `
			SELECT `+taskColumns+`
			FROM tasks WHERE id = ?;
		`, taskID)
		return scanTask(row.Scan, &task)
	})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
		}
		return nil, fmt.Errorf("get task: %w", err)
	}
	return &task, nil
}

// ListTasks returns all tasks in creation order.
func (s *Store) ListTasks(ctx context.Context) ([]*Task, error) {
	return s.listTasks(ctx, `
		SELECT `+taskColumns+`
		FROM tasks ORDER BY created_at, id;
	`)
}

// ListTasksByStatus returns tasks with the given status in creation order.
func (s *Store) ListTasksByStatus(ctx context.Context, status TaskStatus) ([]*Task, error) {
	return s.listTasks(ctx, `
		SELECT `+taskColumns+`
		FROM tasks WHERE status = ? ORDER BY created_at, id;
	`, status)
}

// ListChildren returns the direct subtasks of a task in creation order.
func (s *Store) ListChildren(ctx context.Context, parentID string) ([]*Task, error) {
	return s.listTasks(ctx, `
		SELECT `+taskColumns+`
		FROM tasks WHERE parent_id = ? ORDER BY created_at, id;
	`, parentID)
}

// NextTodoTask returns the oldest TODO task, or nil if none exist.
func (s *Store) NextTodoTask(ctx context.Context) (*Task, error) {
	tasks, err := s.listTasks(ctx, `
		SELECT `+taskColumns+`
		FROM tasks WHERE status = ? ORDER BY created_at, id LIMIT 1;
	`, StatusTodo)
	if err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		return nil, nil
	}
	return tasks[0], nil
}

func (s *Store) listTasks(ctx context.Context, query string, args ...any) ([]*Task, error) {
	var tasks []*Task
	err := retryOnBusy(ctx, 5, func() error {
		tasks = tasks[:0]
		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("query tasks: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var task Task
			if err := scanTask(rows.Scan, &task); err != nil {
				return fmt.Errorf("scan task: %w", err)
			}
			tasks = append(tasks, &task)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return tasks, nil
}

// SetTaskBranch records the git branch an agent run works on.
func (s *Store) SetTaskBranch(ctx context.Context, taskID, branch string) error {
	return s.updateTaskField(ctx, taskID, "branch", branch)
}

// SetWorkerStatus records free-form worker progress for observability.
func (s *Store) SetWorkerStatus(ctx context.Context, taskID, status string) error {
	return s.updateTaskField(ctx, taskID, "worker_status", status)
}

// SetTesterStatus records free-form tester progress for observability.
func (s *Store) SetTesterStatus(ctx context.Context, taskID, status string) error {
	return s.updateTaskField(ctx, taskID, "tester_status", status)
}

// SetArtifacts records the primary code and test file paths produced by a run.
func (s *Store) SetArtifacts(ctx context.Context, taskID, codePath, testPath string) error {
	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE tasks SET code_path = ?, test_path = ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ?;
		`, codePath, testPath, taskID)
		if err != nil {
			return fmt.Errorf("set artifacts: %w", err)
		}
		return requireOneRow(res, taskID)
	})
}

func (s *Store) updateTaskField(ctx context.Context, taskID, column, value string) error {
	// column is always a compile-time constant from the callers above.
	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE tasks SET `+column+` = ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ?;
		`, value, taskID)
		if err != nil {
			return fmt.Errorf("update %s: %w", column, err)
		}
		return requireOneRow(res, taskID)
	})
}

func requireOneRow(res sql.Result, taskID string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected != 1 {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	return nil
}
