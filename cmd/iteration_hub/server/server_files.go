package server

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/eval-hub/iteration-hub/internal/config"
	"github.com/eval-hub/iteration-hub/internal/constants"
)

// the kubelet reads the termination message from here when nothing else is configured
const defaultTerminationFile = "/tmp/termination-log"

// GetTerminationFile resolves the termination file from the configuration, then the environment.
// conf may be nil when the configuration itself failed to load.
func GetTerminationFile(conf *config.Config, logger *slog.Logger) string {
	if conf != nil && conf.Service != nil {
		if file := strings.TrimSpace(conf.Service.TerminationFile); file != "" {
			return file
		}
	}
	if file := os.Getenv(constants.EnvVarTerminationFile); file != "" {
		logger.Info("Termination file set from environment variable", "env", constants.EnvVarTerminationFile, "file", file)
		return file
	}
	logger.Info("Termination file fallback value", "file", defaultTerminationFile)
	return defaultTerminationFile
}

func writeMarkerFile(name string, message string, kind string, logger *slog.Logger) error {
	filename := filepath.Clean(name)
	if err := os.WriteFile(filename, []byte(message), 0o644); err != nil {
		logger.Error(fmt.Sprintf("Failed to write the %s message", kind), "file", filename, "message", message, "error", err.Error())
		return fmt.Errorf("failed to write the %s file: %s: %w", kind, filename, err)
	}
	logger.Info(fmt.Sprintf("Set %s message", kind), "file", filename, "message", message)
	return nil
}

func readyContents(conf *config.Config) string {
	return fmt.Sprintf("Version: %s\nBuild: %s\nBuildDate: %s\nPort: %d\n", conf.Service.Version, conf.Service.Build, conf.Service.BuildDate, conf.Service.Port)
}

// SetReady writes the ready file probed by the readiness check.
func SetReady(conf *config.Config, logger *slog.Logger) error {
	return writeMarkerFile(conf.Service.ReadyFile, readyContents(conf), "ready", logger)
}

func SetTerminationMessage(terminationFile string, message string, logger *slog.Logger) error {
	return writeMarkerFile(terminationFile, message, "termination", logger)
}
