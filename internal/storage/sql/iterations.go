package sql

import (
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	jsonpatch "gopkg.in/evanphx/json-patch.v4"

	"github.com/eval-hub/iteration-hub/internal/messages"
	"github.com/eval-hub/iteration-hub/internal/serviceerrors"
	"github.com/eval-hub/iteration-hub/pkg/api"
)

//#######################################################################
// Iteration operations
//#######################################################################

const selectIterationColumns = `SELECT id, experiment_id, prompt_version_id, number, status, metrics, total_tokens, total_cost, started_at, finished_at FROM iterations`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanIteration(row rowScanner) (*api.Iteration, error) {
	iteration := &api.Iteration{}
	var status, metricsJSON, startedAt string
	var finishedAt sql.NullString
	err := row.Scan(&iteration.ID, &iteration.ExperimentID, &iteration.PromptVersionID, &iteration.Number, &status,
		&metricsJSON, &iteration.TotalTokens, &iteration.TotalCost, &startedAt, &finishedAt)
	if err != nil {
		return nil, err
	}
	iteration.Status = api.IterationStatus(status)
	if err := json.Unmarshal([]byte(metricsJSON), &iteration.Metrics); err != nil {
		return nil, err
	}
	if iteration.StartedAt, err = parseTime(startedAt); err != nil {
		return nil, err
	}
	if iteration.FinishedAt, err = parseNullTime(finishedAt); err != nil {
		return nil, err
	}
	return iteration, nil
}

func (s *SQLStorage) GetMaxIterationNumber(experimentID string) (int, error) {
	var number int
	err := s.queryRow(s.pool, `SELECT COALESCE(MAX(number), 0) FROM iterations WHERE experiment_id = ?;`, experimentID).Scan(&number)
	if err != nil {
		return 0, serviceerrors.NewServiceError(messages.QueryFailed, "Type", "iterations", "Error", err.Error())
	}
	return number, nil
}

func (s *SQLStorage) CreateIteration(iteration *api.Iteration, runs []api.ModelRun) error {
	if iteration.ID == "" {
		iteration.ID = s.generateID()
	}
	metricsJSON, err := json.Marshal(iteration.Metrics)
	if err != nil {
		return err
	}
	err = s.withTransaction("create iteration", iteration.ID, func(txn *sql.Tx) error {
		_, err := s.exec(txn, `INSERT INTO iterations (id, experiment_id, prompt_version_id, number, status, metrics, total_tokens, total_cost, started_at, finished_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
			iteration.ID, iteration.ExperimentID, iteration.PromptVersionID, iteration.Number, string(iteration.Status),
			string(metricsJSON), iteration.TotalTokens, iteration.TotalCost, formatTime(iteration.StartedAt), formatNullTime(iteration.FinishedAt))
		if err != nil {
			return err
		}
		now := formatTime(time.Now())
		for i := range runs {
			run := &runs[i]
			if run.ID == "" {
				run.ID = s.generateID()
			}
			run.IterationID = iteration.ID
			_, err := s.exec(txn, `INSERT INTO model_runs (id, iteration_id, model_config_id, dataset_id, status, error, tokens_used, cost, created_at, started_at, finished_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
				run.ID, run.IterationID, run.ModelConfigID, run.DatasetID, string(run.Status), run.Error, run.TokensUsed, run.Cost,
				now, formatNullTime(run.StartedAt), formatNullTime(run.FinishedAt))
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		s.logger.Error("Failed to create iteration", "id", iteration.ID, "experiment_id", iteration.ExperimentID, "error", err)
		return dbError("iteration", iteration.ID, err)
	}
	s.logger.Info("Created iteration", "id", iteration.ID, "experiment_id", iteration.ExperimentID, "number", iteration.Number, "runs", len(runs))
	return nil
}

func (s *SQLStorage) GetIteration(id string) (*api.Iteration, error) {
	iteration, err := scanIteration(s.queryRow(s.pool, selectIterationColumns+` WHERE id = ?;`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, notFound("iteration", id)
		}
		s.logger.Error("Failed to get iteration", "id", id, "error", err)
		return nil, dbError("iteration", id, err)
	}
	return iteration, nil
}

func (s *SQLStorage) GetPreviousIterations(experimentID string, number int, limit int) ([]api.Iteration, error) {
	if limit <= 0 {
		return []api.Iteration{}, nil
	}
	rows, err := s.query(s.pool, selectIterationColumns+` WHERE experiment_id = ? AND number < ? ORDER BY number DESC LIMIT ?;`, experimentID, number, limit)
	if err != nil {
		return nil, serviceerrors.NewServiceError(messages.QueryFailed, "Type", "iterations", "Error", err.Error())
	}
	defer rows.Close()

	items := []api.Iteration{}
	for rows.Next() {
		iteration, err := scanIteration(rows)
		if err != nil {
			return nil, serviceerrors.NewServiceError(messages.QueryFailed, "Type", "iterations", "Error", err.Error())
		}
		items = append(items, *iteration)
	}
	if err := rows.Err(); err != nil {
		return nil, serviceerrors.NewServiceError(messages.QueryFailed, "Type", "iterations", "Error", err.Error())
	}
	return items, nil
}

// UpdateIterationStatus is a compare and swap on the status column so that
// concurrent callbacks observe exactly one winner for each transition.
func (s *SQLStorage) UpdateIterationStatus(id string, from api.IterationStatus, to api.IterationStatus, finishedAt *time.Time) (bool, error) {
	result, err := s.exec(s.pool, `UPDATE iterations SET status = ?, finished_at = COALESCE(?, finished_at) WHERE id = ? AND status = ?;`,
		string(to), formatNullTime(finishedAt), id, string(from))
	if err != nil {
		s.logger.Error("Failed to update iteration status", "id", id, "from", from, "to", to, "error", err)
		return false, dbError("iteration", id, err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, dbError("iteration", id, err)
	}
	if rowsAffected == 0 {
		return false, nil
	}
	s.logger.Info("Updated iteration status", "id", id, "from", from, "to", to)
	return true, nil
}

// MergeIterationMetrics applies the set fields of metrics as a JSON merge patch
// on the stored metrics so that keys written by earlier stages are kept.
func (s *SQLStorage) MergeIterationMetrics(id string, metrics *api.IterationMetrics) (*api.IterationMetrics, error) {
	patchJSON, err := json.Marshal(metrics)
	if err != nil {
		return nil, err
	}
	merged := &api.IterationMetrics{}
	err = s.withTransaction("merge iteration metrics", id, func(txn *sql.Tx) error {
		var current string
		if err := s.queryRow(txn, `SELECT metrics FROM iterations WHERE id = ?;`, id).Scan(&current); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return notFound("iteration", id)
			}
			return err
		}
		mergedJSON, err := jsonpatch.MergePatch([]byte(current), patchJSON)
		if err != nil {
			return err
		}
		if _, err := s.exec(txn, `UPDATE iterations SET metrics = ? WHERE id = ?;`, string(mergedJSON), id); err != nil {
			return err
		}
		return json.Unmarshal(mergedJSON, merged)
	})
	if err != nil {
		if serviceerrors.IsNotFound(err) {
			return nil, err
		}
		s.logger.Error("Failed to merge iteration metrics", "id", id, "error", err)
		return nil, dbError("iteration", id, err)
	}
	return merged, nil
}

func (s *SQLStorage) AddIterationUsage(id string, tokens int64, cost float64) error {
	result, err := s.exec(s.pool, `UPDATE iterations SET total_tokens = total_tokens + ?, total_cost = total_cost + ? WHERE id = ?;`, tokens, cost, id)
	if err != nil {
		s.logger.Error("Failed to add iteration usage", "id", id, "error", err)
		return dbError("iteration", id, err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return dbError("iteration", id, err)
	}
	if rowsAffected == 0 {
		return notFound("iteration", id)
	}
	return nil
}

func (s *SQLStorage) GetExperimentUsage(experimentID string) (*api.Usage, error) {
	statement, err := createUsageStatement(s.sqlConfig.Driver)
	if err != nil {
		return nil, err
	}
	usage := &api.Usage{}
	if err := s.queryRow(s.pool, statement, experimentID).Scan(&usage.TotalCost, &usage.TotalTokens); err != nil {
		return nil, serviceerrors.NewServiceError(messages.QueryFailed, "Type", "experiment usage", "Error", err.Error())
	}
	return usage, nil
}
