package main

import "os"

// Environment variables consulted for flag defaults.
const (
	envConfigPath = "FANOUTGW_CONFIG_PATH"
	envLogLevel   = "FANOUTGW_LOG_LEVEL"
	envLogFormat  = "FANOUTGW_LOG_FORMAT"
)

const defaultConfigPath = "configs/fanoutgw.yaml"

// getEnvOrDefault returns the environment variable value or a default.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
