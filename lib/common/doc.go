// Package common holds the ambient pieces shared by every uStore package:
// the logger factory and the engine configuration.
//
// Logging:
//
//	Every package declares its logger once through the dragonboat logger
//	registry (var Logger = logger.GetLogger("engine")). InitLoggers installs a
//	factory backed by zap, so all package loggers write structured zap output
//	and share one level setting.
//
// Configuration:
//
//	EngineConfig collects the settings the CLI reads from flags, environment
//	variables (USTORE_ prefix) and .env files, and prints them with String().
package common
