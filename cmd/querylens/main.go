// Copyright (C) 2025 QueryLens
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Command querylens starts the QueryLens orchestrator HTTP server.
//
// This is the main entry point for the containerized service. Configuration
// comes from environment variables, with a .env file in the working
// directory applied first.
//
// # Environment Variables
//
//   - QUERYLENS_PORT: HTTP server port (default: 12210)
//   - ORACLE_DSN: Oracle connection string; without it /query/run is disabled
//   - WEAVIATE_SERVICE_URL: Weaviate vector DB URL (optional)
//   - OPENAI_API_KEY / OPENAI_BASE_URL: LLM backend (optional)
//   - OTEL_EXPORTER_OTLP_ENDPOINT: OpenTelemetry collector (optional)
//
// # Usage
//
//	# Build
//	go build -o querylens ./cmd/querylens
//
//	# Run
//	./querylens
package main

import (
	"log"
	"log/slog"
	"os"

	"github.com/sso312/querylens/services/orchestrator"
	"github.com/sso312/querylens/services/orchestrator/config"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg := config.Load()

	slog.Info("Starting querylens orchestrator",
		"port", cfg.Port,
		"weaviate_url", cfg.WeaviateURL,
		"oracle_configured", cfg.OracleDSN != "",
	)

	svc, err := orchestrator.New(cfg)
	if err != nil {
		log.Fatalf("Failed to create orchestrator: %v", err)
	}

	// Run blocks until shutdown.
	if err := svc.Run(); err != nil {
		log.Fatalf("Orchestrator error: %v", err)
	}
}
