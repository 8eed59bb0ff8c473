package sql

import (
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/eval-hub/iteration-hub/internal/messages"
	"github.com/eval-hub/iteration-hub/internal/serviceerrors"
	"github.com/eval-hub/iteration-hub/pkg/api"
)

//#######################################################################
// Experiment operations
//#######################################################################

// getEntity reads the entity JSON of a row and unmarshals it into v
func (s *SQLStorage) getEntity(q queryer, tableName string, resourceType string, id string, v any) error {
	var entityJSON string
	err := s.queryRow(q, createGetEntityStatement(s.sqlConfig.Driver, tableName), id).Scan(&entityJSON)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return notFound(resourceType, id)
		}
		s.logger.Error("Failed to get entity", "type", resourceType, "id", id, "error", err)
		return dbError(resourceType, id, err)
	}
	if err := json.Unmarshal([]byte(entityJSON), v); err != nil {
		s.logger.Error("Failed to unmarshal entity", "type", resourceType, "id", id, "error", err)
		return serviceerrors.NewServiceError(messages.JSONUnmarshalFailed, "Type", resourceType, "Error", err.Error())
	}
	return nil
}

// listEntities runs a query returning a single entity column and unmarshals every row
func listEntities[T any](s *SQLStorage, resourceType string, query string, args ...any) ([]T, error) {
	rows, err := s.query(s.pool, query, args...)
	if err != nil {
		s.logger.Error("Failed to list entities", "type", resourceType, "error", err)
		return nil, serviceerrors.NewServiceError(messages.QueryFailed, "Type", resourceType, "Error", err.Error())
	}
	defer rows.Close()

	items := []T{}
	for rows.Next() {
		var entityJSON string
		if err := rows.Scan(&entityJSON); err != nil {
			return nil, serviceerrors.NewServiceError(messages.QueryFailed, "Type", resourceType, "Error", err.Error())
		}
		var item T
		if err := json.Unmarshal([]byte(entityJSON), &item); err != nil {
			return nil, serviceerrors.NewServiceError(messages.JSONUnmarshalFailed, "Type", resourceType, "Error", err.Error())
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, serviceerrors.NewServiceError(messages.QueryFailed, "Type", resourceType, "Error", err.Error())
	}
	return items, nil
}

func (s *SQLStorage) CreateExperiment(experiment *api.Experiment) error {
	if experiment.ID == "" {
		experiment.ID = s.generateID()
	}
	if experiment.Status == "" {
		experiment.Status = api.ExperimentStatusDraft
	}
	now := time.Now().UTC()
	experiment.CreatedAt = now
	experiment.UpdatedAt = now
	entityJSON, err := json.Marshal(experiment)
	if err != nil {
		return err
	}
	_, err = s.exec(s.pool, `INSERT INTO experiments (id, project_id, status, created_at, updated_at, entity) VALUES (?, ?, ?, ?, ?, ?);`,
		experiment.ID, experiment.ProjectID, string(experiment.Status), formatTime(now), formatTime(now), string(entityJSON))
	if err != nil {
		s.logger.Error("Failed to create experiment", "id", experiment.ID, "error", err)
		return dbError("experiment", experiment.ID, err)
	}
	s.logger.Info("Created experiment", "id", experiment.ID, "project_id", experiment.ProjectID)
	return nil
}

// GetExperiment reads the experiment, the status column is the source of truth for the status
func (s *SQLStorage) GetExperiment(id string) (*api.Experiment, error) {
	var status, updatedAt, entityJSON string
	err := s.queryRow(s.pool, `SELECT status, updated_at, entity FROM experiments WHERE id = ?;`, id).Scan(&status, &updatedAt, &entityJSON)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, notFound("experiment", id)
		}
		s.logger.Error("Failed to get experiment", "id", id, "error", err)
		return nil, dbError("experiment", id, err)
	}
	experiment := &api.Experiment{}
	if err := json.Unmarshal([]byte(entityJSON), experiment); err != nil {
		return nil, serviceerrors.NewServiceError(messages.JSONUnmarshalFailed, "Type", "experiment", "Error", err.Error())
	}
	experiment.Status = api.ExperimentStatus(status)
	if t, err := parseTime(updatedAt); err == nil {
		experiment.UpdatedAt = t
	}
	return experiment, nil
}

func (s *SQLStorage) UpdateExperimentStatus(id string, status api.ExperimentStatus) error {
	result, err := s.exec(s.pool, `UPDATE experiments SET status = ?, updated_at = ? WHERE id = ?;`, string(status), formatTime(time.Now()), id)
	if err != nil {
		s.logger.Error("Failed to update experiment status", "id", id, "status", status, "error", err)
		return dbError("experiment", id, err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return dbError("experiment", id, err)
	}
	if rowsAffected == 0 {
		return notFound("experiment", id)
	}
	s.logger.Info("Updated experiment status", "id", id, "status", status)
	return nil
}

func (s *SQLStorage) CreatePromptVersion(promptVersion *api.PromptVersion) error {
	if promptVersion.ID == "" {
		promptVersion.ID = s.generateID()
	}
	entityJSON, err := json.Marshal(promptVersion)
	if err != nil {
		return err
	}
	_, err = s.exec(s.pool, `INSERT INTO prompt_versions (id, experiment_id, entity) VALUES (?, ?, ?);`,
		promptVersion.ID, promptVersion.ExperimentID, string(entityJSON))
	if err != nil {
		return dbError("prompt version", promptVersion.ID, err)
	}
	return nil
}

func (s *SQLStorage) GetPromptVersion(id string) (*api.PromptVersion, error) {
	promptVersion := &api.PromptVersion{}
	if err := s.getEntity(s.pool, TABLE_PROMPT_VERSIONS, "prompt version", id, promptVersion); err != nil {
		return nil, err
	}
	return promptVersion, nil
}

//#######################################################################
// Project catalogue operations
//#######################################################################

func (s *SQLStorage) CreateModelConfig(modelConfig *api.ModelConfig) error {
	if modelConfig.ID == "" {
		modelConfig.ID = s.generateID()
	}
	entityJSON, err := json.Marshal(modelConfig)
	if err != nil {
		return err
	}
	_, err = s.exec(s.pool, `INSERT INTO model_configs (id, project_id, active, entity) VALUES (?, ?, ?, ?);`,
		modelConfig.ID, modelConfig.ProjectID, boolToInt(modelConfig.Active), string(entityJSON))
	if err != nil {
		return dbError("model config", modelConfig.ID, err)
	}
	return nil
}

func (s *SQLStorage) GetModelConfig(id string) (*api.ModelConfig, error) {
	modelConfig := &api.ModelConfig{}
	if err := s.getEntity(s.pool, TABLE_MODEL_CONFIGS, "model config", id, modelConfig); err != nil {
		return nil, err
	}
	return modelConfig, nil
}

func (s *SQLStorage) GetActiveModelConfigs(projectID string) ([]api.ModelConfig, error) {
	return listEntities[api.ModelConfig](s, "model configs",
		`SELECT entity FROM model_configs WHERE project_id = ? AND active = 1 ORDER BY id;`, projectID)
}

func (s *SQLStorage) CreateJudgeConfig(judgeConfig *api.JudgeConfig) error {
	if judgeConfig.ID == "" {
		judgeConfig.ID = s.generateID()
	}
	entityJSON, err := json.Marshal(judgeConfig)
	if err != nil {
		return err
	}
	_, err = s.exec(s.pool, `INSERT INTO judge_configs (id, project_id, mode, active, entity) VALUES (?, ?, ?, ?, ?);`,
		judgeConfig.ID, judgeConfig.ProjectID, string(judgeConfig.Mode), boolToInt(judgeConfig.Active), string(entityJSON))
	if err != nil {
		return dbError("judge config", judgeConfig.ID, err)
	}
	return nil
}

func (s *SQLStorage) GetActiveJudgeConfigs(projectID string, mode api.JudgeMode) ([]api.JudgeConfig, error) {
	return listEntities[api.JudgeConfig](s, "judge configs",
		`SELECT entity FROM judge_configs WHERE project_id = ? AND mode = ? AND active = 1 ORDER BY id;`, projectID, string(mode))
}

func (s *SQLStorage) CreateDataset(dataset *api.Dataset) error {
	if dataset.ID == "" {
		dataset.ID = s.generateID()
	}
	entityJSON, err := json.Marshal(dataset)
	if err != nil {
		return err
	}
	_, err = s.exec(s.pool, `INSERT INTO datasets (id, project_id, entity) VALUES (?, ?, ?);`,
		dataset.ID, dataset.ProjectID, string(entityJSON))
	if err != nil {
		return dbError("dataset", dataset.ID, err)
	}
	return nil
}

func (s *SQLStorage) GetProjectDatasets(projectID string) ([]api.Dataset, error) {
	return listEntities[api.Dataset](s, "datasets",
		`SELECT entity FROM datasets WHERE project_id = ? ORDER BY id;`, projectID)
}

func (s *SQLStorage) CreateCase(datasetCase *api.Case) error {
	if datasetCase.ID == "" {
		datasetCase.ID = s.generateID()
	}
	entityJSON, err := json.Marshal(datasetCase)
	if err != nil {
		return err
	}
	_, err = s.exec(s.pool, `INSERT INTO cases (id, dataset_id, created_at, entity) VALUES (?, ?, ?, ?);`,
		datasetCase.ID, datasetCase.DatasetID, formatTime(time.Now()), string(entityJSON))
	if err != nil {
		return dbError("case", datasetCase.ID, err)
	}
	return nil
}

func (s *SQLStorage) GetDatasetCases(datasetID string) ([]api.Case, error) {
	return listEntities[api.Case](s, "cases",
		`SELECT entity FROM cases WHERE dataset_id = ? ORDER BY created_at, id;`, datasetID)
}

func (s *SQLStorage) CountCases(datasetIDs []string) (int, error) {
	if len(datasetIDs) == 0 {
		return 0, nil
	}
	var count int
	err := s.queryRow(s.pool, `SELECT COUNT(*) FROM cases WHERE dataset_id IN `+createInClause(len(datasetIDs))+`;`, toArgs(datasetIDs)...).Scan(&count)
	if err != nil {
		return 0, serviceerrors.NewServiceError(messages.QueryFailed, "Type", "cases", "Error", err.Error())
	}
	return count, nil
}
