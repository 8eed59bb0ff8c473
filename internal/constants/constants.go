package constants

const (
	// Log field names used by the request logger
	LOG_REQUEST_ID = "request_id"
	LOG_METHOD     = "method"
	LOG_URI        = "uri"
	LOG_USER_AGENT = "user_agent"
	LOG_REMOTE_ADR = "remote_addr"
	LOG_USER       = "remote_user"
	LOG_REFERER    = "referer"

	// Log field names used by the orchestration components
	LOG_EXPERIMENT_ID = "experiment_id"
	LOG_ITERATION_ID  = "iteration_id"
	LOG_RUN_ID        = "run_id"
	LOG_OUTPUT_ID     = "output_id"
	LOG_JUDGE_ID      = "judge_config_id"
	LOG_QUEUE         = "queue"
	LOG_JOB_ID        = "job_id"
	LOG_STATUS        = "status"

	// Path parameters
	PATH_PARAMETER_EXPERIMENT_ID = "experiment_id"
	PATH_PARAMETER_ITERATION_ID  = "iteration_id"

	// Environment variables
	EnvVarTerminationFile = "TERMINATION_FILE"
	EnvVarConfigPath      = "CONFIG_PATH"
	EnvVarLogLevel        = "LOG_LEVEL"

	// The lock key prefix for experiment scoped locks
	ExperimentLockPrefix = "experiment:"

	// The message used when a failed iteration does not report a reason
	DefaultFailureMessage = "Iteration failed, inspect the logs for details."

	TracerName = "github.com/eval-hub/iteration-hub"
)
