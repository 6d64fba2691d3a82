// Copyright 2025 MeterFlow
// SPDX-License-Identifier: Apache-2.0

package meter

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"meterflow/metering/shared/logger"
)

// Run starts the meterd service: policy administration and usage reporting
// over the metering store.
//
// Environment Variables:
//   - PORT: HTTP server port (default: 8090)
//   - ENVIRONMENT: deployment environment name (default: development)
//   - DATABASE_DRIVER: postgres or mysql (default: postgres)
//   - DATABASE_URL: database connection string (mysql DSNs need parseTime=true)
//   - REDIS_URL: optional Redis URL for the shared policy cache
//   - METERING_CONFIG: path to the metering YAML config (default: metering.yaml)
func Run() {
	log.Println("Starting meterd...")

	svcLog := logger.New("meterd")

	configPath := getEnv("METERING_CONFIG", "metering.yaml")
	cfg, err := LoadConfig(configPath)
	if err != nil {
		log.Fatalf("Failed to load metering config from %s: %v", configPath, err)
	}

	driver := getEnv("DATABASE_DRIVER", "postgres")
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		log.Fatal("DATABASE_URL is required")
	}

	db, err := sql.Open(driver, dbURL)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := Migrate(ctx, db, driver); err != nil {
		log.Fatalf("Failed to apply metering schema: %v", err)
	}

	var repo Repository
	switch driver {
	case "postgres":
		repo = NewPostgresRepository(db)
	case "mysql":
		repo = NewMySQLRepository(db)
	default:
		log.Fatalf("Unsupported DATABASE_DRIVER %q", driver)
	}

	var cache PolicyCache
	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		redisOpts, err := redis.ParseURL(redisURL)
		if err != nil {
			log.Fatalf("Failed to parse REDIS_URL: %v", err)
		}
		cache = NewRedisPolicyCache(redis.NewClient(redisOpts), 10*time.Minute)
		svcLog.Info("policy cache backed by redis", nil)
	}

	resolver := NewPolicyResolver(repo, cache)
	service := NewService(repo, resolver, svcLog)
	handler := NewHandler(service)

	environment := getEnv("ENVIRONMENT", "development")
	if cfg.Enabled && !cfg.EnvironmentAllowed(environment) {
		svcLog.Warn("tracking suppressed in this environment", map[string]interface{}{
			"environment": environment,
		})
	}

	r := mux.NewRouter()

	// CORS middleware
	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"}, // Configure for production
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	})

	// Health check
	r.HandleFunc("/health", healthHandler(repo)).Methods("GET")

	// Prometheus metrics
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	handler.RegisterRoutes(r)

	port := getEnv("PORT", "8090")
	svcLog.Info("meterd listening", map[string]interface{}{
		"port":        port,
		"environment": environment,
		"driver":      driver,
	})
	log.Fatal(http.ListenAndServe(":"+port, c.Handler(r)))
}

// healthHandler reports service and database health
func healthHandler(repo Repository) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := "healthy"
		code := http.StatusOK
		if err := repo.Ping(ctx); err != nil {
			status = "unhealthy"
			code = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"status":    status,
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		})
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
