package sql

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/eval-hub/iteration-hub/internal/messages"
	"github.com/eval-hub/iteration-hub/internal/serviceerrors"
	"github.com/eval-hub/iteration-hub/pkg/api"
)

//#######################################################################
// Judgment operations
//#######################################################################

func pointwiseKey(outputID string, judgeConfigID string) string {
	return outputID + "/" + judgeConfigID
}

func (s *SQLStorage) prepareJudgment(judgment *api.Judgment) ([]byte, error) {
	if judgment.ID == "" {
		judgment.ID = s.generateID()
	}
	if judgment.CreatedAt.IsZero() {
		judgment.CreatedAt = time.Now().UTC()
	}
	if judgment.Scores == nil {
		judgment.Scores = map[string]float64{}
	}
	return json.Marshal(judgment)
}

// UpsertPointwiseJudgment stores the judgment keyed by output and judge config,
// a second call for the same pair replaces the scores and rationales of the first.
func (s *SQLStorage) UpsertPointwiseJudgment(judgment *api.Judgment) error {
	judgment.Mode = api.JudgeModePointwise
	entityJSON, err := s.prepareJudgment(judgment)
	if err != nil {
		return err
	}
	_, err = s.exec(s.pool, `INSERT INTO judgments (id, output_id, iteration_id, judge_config_id, mode, pointwise_key, created_at, entity)
SELECT ?, ?, iteration_id, ?, ?, ?, ?, ? FROM outputs WHERE id = ?
ON CONFLICT (pointwise_key) DO UPDATE SET entity = excluded.entity, created_at = excluded.created_at;`,
		judgment.ID, judgment.OutputID, judgment.JudgeConfigID, string(judgment.Mode), pointwiseKey(judgment.OutputID, judgment.JudgeConfigID),
		formatTime(judgment.CreatedAt), string(entityJSON), judgment.OutputID)
	if err != nil {
		s.logger.Error("Failed to upsert pointwise judgment", "output_id", judgment.OutputID, "judge_config_id", judgment.JudgeConfigID, "error", err)
		return dbError("judgment", judgment.ID, err)
	}
	return nil
}

// CreatePairwiseJudgment always inserts a new row, every comparison is an independent event.
func (s *SQLStorage) CreatePairwiseJudgment(judgment *api.Judgment) error {
	judgment.Mode = api.JudgeModePairwise
	entityJSON, err := s.prepareJudgment(judgment)
	if err != nil {
		return err
	}
	_, err = s.exec(s.pool, `INSERT INTO judgments (id, output_id, iteration_id, judge_config_id, mode, pointwise_key, created_at, entity)
SELECT ?, ?, iteration_id, ?, ?, NULL, ?, ? FROM outputs WHERE id = ?;`,
		judgment.ID, judgment.OutputID, judgment.JudgeConfigID, string(judgment.Mode), formatTime(judgment.CreatedAt), string(entityJSON), judgment.OutputID)
	if err != nil {
		s.logger.Error("Failed to create pairwise judgment", "output_id", judgment.OutputID, "judge_config_id", judgment.JudgeConfigID, "error", err)
		return dbError("judgment", judgment.ID, err)
	}
	return nil
}

func (s *SQLStorage) GetIterationJudgments(iterationID string) ([]api.Judgment, error) {
	rows, err := s.query(s.pool, `SELECT id, entity FROM judgments WHERE iteration_id = ? ORDER BY created_at, id;`, iterationID)
	if err != nil {
		return nil, serviceerrors.NewServiceError(messages.QueryFailed, "Type", "judgments", "Error", err.Error())
	}
	defer rows.Close()

	items := []api.Judgment{}
	for rows.Next() {
		var id, entityJSON string
		if err := rows.Scan(&id, &entityJSON); err != nil {
			return nil, serviceerrors.NewServiceError(messages.QueryFailed, "Type", "judgments", "Error", err.Error())
		}
		judgment := api.Judgment{}
		if err := json.Unmarshal([]byte(entityJSON), &judgment); err != nil {
			return nil, serviceerrors.NewServiceError(messages.JSONUnmarshalFailed, "Type", "judgment", "Error", err.Error())
		}
		// an upsert keeps the id of the first row
		judgment.ID = id
		items = append(items, judgment)
	}
	if err := rows.Err(); err != nil {
		return nil, serviceerrors.NewServiceError(messages.QueryFailed, "Type", "judgments", "Error", err.Error())
	}
	return items, nil
}

func (s *SQLStorage) getIterationCases(iterationID string) (map[string]api.Case, error) {
	cases, err := listEntities[api.Case](s, "cases",
		`SELECT entity FROM cases WHERE id IN (SELECT case_id FROM outputs WHERE iteration_id = ?);`, iterationID)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]api.Case, len(cases))
	for _, c := range cases {
		byID[c.ID] = c
	}
	return byID, nil
}

// GetIterationResults joins the model runs of an iteration with their outputs, cases and judgments.
func (s *SQLStorage) GetIterationResults(iterationID string) ([]api.ModelRunDetail, error) {
	runs, err := s.GetModelRuns(iterationID)
	if err != nil {
		return nil, err
	}
	outputs, err := s.GetIterationOutputs(iterationID)
	if err != nil {
		return nil, err
	}
	judgments, err := s.GetIterationJudgments(iterationID)
	if err != nil {
		return nil, err
	}
	cases, err := s.getIterationCases(iterationID)
	if err != nil {
		return nil, err
	}

	judgmentsByOutput := map[string][]api.Judgment{}
	for _, judgment := range judgments {
		judgmentsByOutput[judgment.OutputID] = append(judgmentsByOutput[judgment.OutputID], judgment)
	}
	outputsByRun := map[string][]api.OutputDetail{}
	for _, output := range outputs {
		detail := api.OutputDetail{Output: output, Judgments: judgmentsByOutput[output.ID]}
		if detail.Judgments == nil {
			detail.Judgments = []api.Judgment{}
		}
		if c, ok := cases[output.CaseID]; ok {
			detail.Case = &c
		}
		outputsByRun[output.ModelRunID] = append(outputsByRun[output.ModelRunID], detail)
	}

	details := make([]api.ModelRunDetail, 0, len(runs))
	for _, run := range runs {
		detail := api.ModelRunDetail{ModelRun: run, Outputs: outputsByRun[run.ID]}
		if detail.Outputs == nil {
			detail.Outputs = []api.OutputDetail{}
		}
		details = append(details, detail)
	}
	return details, nil
}

//#######################################################################
// Lease operations
//#######################################################################

// AcquireLease takes the lease when it is free or expired and reports whether owner now holds it.
func (s *SQLStorage) AcquireLease(key string, owner string, ttl time.Duration) (bool, error) {
	now := time.Now()
	expiresAt := now.Add(ttl).UnixMilli()
	_, err := s.exec(s.pool, `INSERT INTO leases (lease_key, owner, expires_at) VALUES (?, ?, ?)
ON CONFLICT (lease_key) DO UPDATE SET owner = excluded.owner, expires_at = excluded.expires_at
WHERE leases.expires_at < ?;`, key, owner, expiresAt, now.UnixMilli())
	if err != nil {
		s.logger.Error("Failed to acquire lease", "key", key, "error", err)
		return false, dbError("lease", key, err)
	}
	var holder string
	if err := s.queryRow(s.pool, `SELECT owner FROM leases WHERE lease_key = ?;`, key).Scan(&holder); err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, dbError("lease", key, err)
	}
	return holder == owner, nil
}

func (s *SQLStorage) ReleaseLease(key string, owner string) error {
	if _, err := s.exec(s.pool, `DELETE FROM leases WHERE lease_key = ? AND owner = ?;`, key, owner); err != nil {
		s.logger.Error("Failed to release lease", "key", key, "error", err)
		return dbError("lease", key, err)
	}
	return nil
}
