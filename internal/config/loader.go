package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/eval-hub/iteration-hub/internal/constants"
	"github.com/spf13/viper"
)

type EnvMap struct {
	Env struct {
		Mappings map[string]string `mapstructure:"mappings,omitempty"`
	} `mapstructure:"env,omitempty"`
}

type SecretMap struct {
	Secrets struct {
		Dir      string            `mapstructure:"dir,omitempty"`
		Mappings map[string]string `mapstructure:"mappings,omitempty"`
	} `mapstructure:"secrets,omitempty"`
}

// readConfig locates and reads a configuration file using Viper. It searches for
// a file named "{name}.{ext}" in each of the given directories in order; the first
// found file is read.
func readConfig(logger *slog.Logger, name string, ext string, dirs ...string) (*viper.Viper, error) {
	logger.Info("Reading the configuration file", "file", fmt.Sprintf("%s.%s", name, ext), "dirs", fmt.Sprintf("%v", dirs))

	configValues := viper.New()

	configValues.SetConfigName(name) // name of config file (without extension)
	configValues.SetConfigType(ext)  // REQUIRED if the config file does not have the extension in the name
	for _, dir := range dirs {
		configValues.AddConfigPath(dir)
	}
	err := configValues.ReadInConfig() // Find and read the config file

	if err != nil {
		logger.Error("Failed to read the configuration file", "file", fmt.Sprintf("%s.%s", name, ext), "dirs", fmt.Sprintf("%v", dirs), "error", err.Error())
	} else {
		logger.Info("Read the configuration file", "file", configValues.ConfigFileUsed())
	}

	return configValues, err
}

// mergeOperatorConfig merges the file named by CONFIG_PATH over the bundled
// configuration. A secrets section in the operator file replaces the bundled
// one instead of being merged into it.
func mergeOperatorConfig(logger *slog.Logger, configValues *viper.Viper) (*viper.Viper, error) {
	path := os.Getenv(constants.EnvVarConfigPath)
	if path == "" {
		return configValues, nil
	}
	operatorValues := viper.New()
	operatorValues.SetConfigFile(path)
	if err := operatorValues.ReadInConfig(); err != nil {
		logger.Error("Failed to read the operator configuration file", "file", path, "error", err.Error())
		return nil, err
	}
	if operatorValues.IsSet("secrets") {
		// viper merges nested keys, so the bundled secrets are dropped by rebuilding
		bundled := configValues.AllSettings()
		delete(bundled, "secrets")
		configValues = viper.New()
		if err := configValues.MergeConfigMap(bundled); err != nil {
			return nil, err
		}
	}
	if err := configValues.MergeConfigMap(operatorValues.AllSettings()); err != nil {
		return nil, err
	}
	logger.Info("Merged the operator configuration file", "file", path)
	return configValues, nil
}

// LoadConfig loads the service configuration with Viper.
//
// Configuration loading order (later sources override earlier ones):
//  1. config.yaml found in dirs (or config, ./config, ../../config when no dirs are given)
//  2. The file named by the CONFIG_PATH environment variable
//  3. Secrets from files - mapped via secrets.mappings with secrets.dir
//  4. Environment variables - mapped via env.mappings
//
// A secret file name can be marked optional by appending :optional to it.
//
// Example configuration structure:
//
//	env:
//	  mappings:
//	    PORT: service.port
//	secrets:
//	  dir: /tmp
//	  mappings:
//	    db_password: database.password
//	    api_token:optional: providers.openai.api_key
func LoadConfig(logger *slog.Logger, version string, build string, buildDate string, dirs ...string) (*Config, error) {
	if len(dirs) == 0 {
		dirs = []string{"config", "./config", "../../config"}
	}
	configValues, err := readConfig(logger, "config", "yaml", dirs...)
	if err != nil {
		return nil, err
	}
	configValues, err = mergeOperatorConfig(logger, configValues)
	if err != nil {
		return nil, err
	}

	// set up the secrets from the secrets directory
	secrets := SecretMap{}
	if err := configValues.Unmarshal(&secrets); err != nil {
		return nil, err
	}
	if secrets.Secrets.Dir != "" {
		// check that the secrets directory exists
		if _, err := os.Stat(secrets.Secrets.Dir); !os.IsNotExist(err) {
			for fileName, fieldName := range secrets.Secrets.Mappings {
				// the secret file name can be optional by appending :optional to the file name
				optional := strings.HasSuffix(fileName, ":optional")
				if optional {
					fileName = strings.TrimSuffix(fileName, ":optional")
				}
				secret, err := getSecret(secrets.Secrets.Dir, fileName, optional)
				if err != nil {
					// log the error and fail the startup (by returning the error)
					logger.Error("Failed to read secret file", "file", fmt.Sprintf("%s/%s", secrets.Secrets.Dir, fileName), "error", err.Error())
					return nil, err
				}
				if secret != "" {
					configValues.Set(fieldName, secret)
				}
			}
		}
	}

	// set up the environment variable mappings
	envMappings := EnvMap{}
	if err := configValues.Unmarshal(&envMappings); err != nil {
		return nil, err
	}
	for envName, field := range envMappings.Env.Mappings {
		if err := configValues.BindEnv(field, strings.ToUpper(envName)); err != nil {
			return nil, err
		}
		logger.Info("Mapped environment variable", "field_name", field, "env_name", strings.ToUpper(envName))
	}

	conf := Config{}
	if err := configValues.Unmarshal(&conf); err != nil {
		return nil, err
	}
	conf.applyDefaults()

	// set the version, build, and build date
	conf.Service.Version = version
	conf.Service.Build = build
	conf.Service.BuildDate = buildDate
	return &conf, nil
}

// getSecret reads a secret from a file and returns the value as a string.
// A missing optional file yields an empty string and no error.
func getSecret(secretsDir string, secretName string, optional bool) (string, error) {
	secret, err := os.ReadFile(fmt.Sprintf("%s/%s", secretsDir, secretName))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && optional {
			return "", nil
		}
		return "", err
	}
	return strings.TrimSpace(string(secret)), nil
}
