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
// Model run and output operations
//#######################################################################

const selectModelRunColumns = `SELECT id, iteration_id, model_config_id, dataset_id, status, error, tokens_used, cost, started_at, finished_at FROM model_runs`

func scanModelRun(row rowScanner) (*api.ModelRun, error) {
	run := &api.ModelRun{}
	var status string
	var startedAt, finishedAt sql.NullString
	err := row.Scan(&run.ID, &run.IterationID, &run.ModelConfigID, &run.DatasetID, &status, &run.Error, &run.TokensUsed, &run.Cost, &startedAt, &finishedAt)
	if err != nil {
		return nil, err
	}
	run.Status = api.RunStatus(status)
	if run.StartedAt, err = parseNullTime(startedAt); err != nil {
		return nil, err
	}
	if run.FinishedAt, err = parseNullTime(finishedAt); err != nil {
		return nil, err
	}
	return run, nil
}

func (s *SQLStorage) GetModelRun(id string) (*api.ModelRun, error) {
	run, err := scanModelRun(s.queryRow(s.pool, selectModelRunColumns+` WHERE id = ?;`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, notFound("model run", id)
		}
		return nil, dbError("model run", id, err)
	}
	return run, nil
}

func (s *SQLStorage) GetModelRuns(iterationID string) ([]api.ModelRun, error) {
	rows, err := s.query(s.pool, selectModelRunColumns+` WHERE iteration_id = ? ORDER BY created_at, id;`, iterationID)
	if err != nil {
		return nil, serviceerrors.NewServiceError(messages.QueryFailed, "Type", "model runs", "Error", err.Error())
	}
	defer rows.Close()

	items := []api.ModelRun{}
	for rows.Next() {
		run, err := scanModelRun(rows)
		if err != nil {
			return nil, serviceerrors.NewServiceError(messages.QueryFailed, "Type", "model runs", "Error", err.Error())
		}
		items = append(items, *run)
	}
	if err := rows.Err(); err != nil {
		return nil, serviceerrors.NewServiceError(messages.QueryFailed, "Type", "model runs", "Error", err.Error())
	}
	return items, nil
}

func (s *SQLStorage) UpdateModelRun(run *api.ModelRun) error {
	result, err := s.exec(s.pool, `UPDATE model_runs SET status = ?, error = ?, tokens_used = ?, cost = ?, started_at = ?, finished_at = ? WHERE id = ?;`,
		string(run.Status), run.Error, run.TokensUsed, run.Cost, formatNullTime(run.StartedAt), formatNullTime(run.FinishedAt), run.ID)
	if err != nil {
		s.logger.Error("Failed to update model run", "id", run.ID, "error", err)
		return dbError("model run", run.ID, err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return dbError("model run", run.ID, err)
	}
	if rowsAffected == 0 {
		return notFound("model run", run.ID)
	}
	s.logger.Info("Updated model run", "id", run.ID, "status", run.Status)
	return nil
}

func (s *SQLStorage) CreateOutput(output *api.Output) error {
	if output.ID == "" {
		output.ID = s.generateID()
	}
	if output.CreatedAt.IsZero() {
		output.CreatedAt = time.Now().UTC()
	}
	if output.Metadata == nil {
		output.Metadata = map[string]any{}
	}
	metadataJSON, err := json.Marshal(output.Metadata)
	if err != nil {
		return err
	}
	_, err = s.exec(s.pool, `INSERT INTO outputs (id, model_run_id, iteration_id, case_id, text, metadata, created_at) VALUES (?, ?, ?, ?, ?, ?, ?);`,
		output.ID, output.ModelRunID, output.IterationID, output.CaseID, output.Text, string(metadataJSON), formatTime(output.CreatedAt))
	if err != nil {
		s.logger.Error("Failed to create output", "id", output.ID, "model_run_id", output.ModelRunID, "error", err)
		return dbError("output", output.ID, err)
	}
	return nil
}

func (s *SQLStorage) GetIterationOutputs(iterationID string) ([]api.Output, error) {
	rows, err := s.query(s.pool, `SELECT id, model_run_id, iteration_id, case_id, text, metadata, created_at FROM outputs WHERE iteration_id = ? ORDER BY created_at, id;`, iterationID)
	if err != nil {
		return nil, serviceerrors.NewServiceError(messages.QueryFailed, "Type", "outputs", "Error", err.Error())
	}
	defer rows.Close()

	items := []api.Output{}
	for rows.Next() {
		output := api.Output{}
		var metadataJSON, createdAt string
		if err := rows.Scan(&output.ID, &output.ModelRunID, &output.IterationID, &output.CaseID, &output.Text, &metadataJSON, &createdAt); err != nil {
			return nil, serviceerrors.NewServiceError(messages.QueryFailed, "Type", "outputs", "Error", err.Error())
		}
		if err := json.Unmarshal([]byte(metadataJSON), &output.Metadata); err != nil {
			return nil, serviceerrors.NewServiceError(messages.JSONUnmarshalFailed, "Type", "output metadata", "Error", err.Error())
		}
		if output.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, serviceerrors.NewServiceError(messages.QueryFailed, "Type", "outputs", "Error", err.Error())
		}
		items = append(items, output)
	}
	if err := rows.Err(); err != nil {
		return nil, serviceerrors.NewServiceError(messages.QueryFailed, "Type", "outputs", "Error", err.Error())
	}
	return items, nil
}

// MergeOutputMetadata applies metadata as a JSON merge patch so keys written by other stages are kept.
func (s *SQLStorage) MergeOutputMetadata(outputID string, metadata map[string]any) error {
	patchJSON, err := json.Marshal(metadata)
	if err != nil {
		return err
	}
	err = s.withTransaction("merge output metadata", outputID, func(txn *sql.Tx) error {
		var current string
		if err := s.queryRow(txn, `SELECT metadata FROM outputs WHERE id = ?;`, outputID).Scan(&current); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return notFound("output", outputID)
			}
			return err
		}
		mergedJSON, err := jsonpatch.MergePatch([]byte(current), patchJSON)
		if err != nil {
			return err
		}
		_, err = s.exec(txn, `UPDATE outputs SET metadata = ? WHERE id = ?;`, string(mergedJSON), outputID)
		return err
	})
	if err != nil {
		if serviceerrors.IsNotFound(err) {
			return err
		}
		s.logger.Error("Failed to merge output metadata", "id", outputID, "error", err)
		return dbError("output", outputID, err)
	}
	return nil
}

//#######################################################################
// Refinement suggestion operations
//#######################################################################

func (s *SQLStorage) CreateRefinementSuggestion(suggestion *api.RefinementSuggestion) error {
	if suggestion.ID == "" {
		suggestion.ID = s.generateID()
	}
	if suggestion.CreatedAt.IsZero() {
		suggestion.CreatedAt = time.Now().UTC()
	}
	entityJSON, err := json.Marshal(suggestion)
	if err != nil {
		return err
	}
	_, err = s.exec(s.pool, `INSERT INTO refinement_suggestions (id, iteration_id, created_at, entity) VALUES (?, ?, ?, ?);`,
		suggestion.ID, suggestion.IterationID, formatTime(suggestion.CreatedAt), string(entityJSON))
	if err != nil {
		return dbError("refinement suggestion", suggestion.ID, err)
	}
	s.logger.Info("Created refinement suggestion", "id", suggestion.ID, "iteration_id", suggestion.IterationID)
	return nil
}

func (s *SQLStorage) GetRefinementSuggestion(id string) (*api.RefinementSuggestion, error) {
	suggestion := &api.RefinementSuggestion{}
	if err := s.getEntity(s.pool, TABLE_SUGGESTIONS, "refinement suggestion", id, suggestion); err != nil {
		return nil, err
	}
	return suggestion, nil
}
