package handlers

import (
	"net/http"

	"github.com/eval-hub/iteration-hub/internal/constants"
	"github.com/eval-hub/iteration-hub/internal/executioncontext"
	"github.com/eval-hub/iteration-hub/internal/http_wrappers"
	"github.com/eval-hub/iteration-hub/internal/messages"
	"github.com/eval-hub/iteration-hub/internal/serialization"
	"github.com/eval-hub/iteration-hub/pkg/api"
)

// HandleStartIteration handles POST /api/v1/experiments/{experiment_id}/iterations
func (h *Handlers) HandleStartIteration(ctx *executioncontext.ExecutionContext, r http_wrappers.RequestWrapper, w http_wrappers.ResponseWrapper) {
	experimentID := r.PathValue(constants.PATH_PARAMETER_EXPERIMENT_ID)
	if experimentID == "" {
		w.ErrorWithMessageCode(ctx.RequestID, messages.MissingPathParameter, "ParameterName", constants.PATH_PARAMETER_EXPERIMENT_ID)
		return
	}
	bodyBytes, err := r.BodyAsBytes()
	if err != nil {
		w.Error(err, ctx.RequestID)
		return
	}
	request := &api.StartIterationRequest{}
	if err := serialization.Unmarshal(h.validate, ctx, bodyBytes, request); err != nil {
		w.ErrorWithMessageCode(ctx.RequestID, messages.RequestBodyInvalid, "Error", err.Error())
		return
	}

	iterationID, err := h.iterations.StartIteration(ctx.Ctx, experimentID, request.PromptVersionID)
	if err != nil {
		w.Error(err, ctx.RequestID)
		return
	}
	w.WriteJSON(api.StartIterationResponse{IterationID: iterationID}, http.StatusAccepted)
}

// HandleGetIteration handles GET /api/v1/iterations/{iteration_id}
func (h *Handlers) HandleGetIteration(ctx *executioncontext.ExecutionContext, r http_wrappers.RequestWrapper, w http_wrappers.ResponseWrapper) {
	iterationID := r.PathValue(constants.PATH_PARAMETER_ITERATION_ID)
	if iterationID == "" {
		w.ErrorWithMessageCode(ctx.RequestID, messages.MissingPathParameter, "ParameterName", constants.PATH_PARAMETER_ITERATION_ID)
		return
	}
	iteration, err := h.storage.WithContext(ctx.Ctx).WithLogger(ctx.Logger).GetIteration(iterationID)
	if err != nil {
		w.Error(err, ctx.RequestID)
		return
	}
	w.WriteJSON(iteration, http.StatusOK)
}

// HandleListModelRuns handles GET /api/v1/iterations/{iteration_id}/runs
func (h *Handlers) HandleListModelRuns(ctx *executioncontext.ExecutionContext, r http_wrappers.RequestWrapper, w http_wrappers.ResponseWrapper) {
	iterationID := r.PathValue(constants.PATH_PARAMETER_ITERATION_ID)
	if iterationID == "" {
		w.ErrorWithMessageCode(ctx.RequestID, messages.MissingPathParameter, "ParameterName", constants.PATH_PARAMETER_ITERATION_ID)
		return
	}
	storage := h.storage.WithContext(ctx.Ctx).WithLogger(ctx.Logger)
	// 404 for an unknown iteration rather than an empty list
	if _, err := storage.GetIteration(iterationID); err != nil {
		w.Error(err, ctx.RequestID)
		return
	}
	runs, err := storage.GetModelRuns(iterationID)
	if err != nil {
		w.Error(err, ctx.RequestID)
		return
	}
	if runs == nil {
		runs = []api.ModelRun{}
	}
	w.WriteJSON(api.ModelRunList{Items: runs, TotalCount: len(runs)}, http.StatusOK)
}

// HandleGetBudget handles GET /api/v1/experiments/{experiment_id}/budget
func (h *Handlers) HandleGetBudget(ctx *executioncontext.ExecutionContext, r http_wrappers.RequestWrapper, w http_wrappers.ResponseWrapper) {
	experimentID := r.PathValue(constants.PATH_PARAMETER_EXPERIMENT_ID)
	if experimentID == "" {
		w.ErrorWithMessageCode(ctx.RequestID, messages.MissingPathParameter, "ParameterName", constants.PATH_PARAMETER_EXPERIMENT_ID)
		return
	}
	status, err := h.budget.GetBudgetStatus(ctx.Ctx, experimentID)
	if err != nil {
		w.Error(err, ctx.RequestID)
		return
	}
	w.WriteJSON(status, http.StatusOK)
}
