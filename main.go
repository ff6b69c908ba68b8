package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"

	"github.com/getmetamapper/metamapper-engine/pkg/config"
	"github.com/getmetamapper/metamapper-engine/pkg/crypto"
	"github.com/getmetamapper/metamapper-engine/pkg/database"
	"github.com/getmetamapper/metamapper-engine/pkg/handlers"
	"github.com/getmetamapper/metamapper-engine/pkg/inspector"
	"github.com/getmetamapper/metamapper-engine/pkg/inspector/builtin"
	"github.com/getmetamapper/metamapper-engine/pkg/middleware"
	"github.com/getmetamapper/metamapper-engine/pkg/repositories"
	"github.com/getmetamapper/metamapper-engine/pkg/services"
)

// Version is set at build time via ldflags
var Version = "dev"

const migrationsPath = "./migrations"

func main() {
	cfg, err := config.Load(Version)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := newLogger(cfg.Env)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("Configuration loaded",
		zap.String("env", cfg.Env),
		zap.String("version", cfg.Version),
		zap.String("database", cfg.Database.Database),
		zap.Bool("redis", cfg.Redis.Addr != ""),
		zap.Bool("notifier", cfg.Notifier.Enabled()))

	ctx := context.Background()

	// Migrations run over database/sql; the pool below is pgx-native.
	migrationDB, err := sql.Open("pgx", cfg.Database.ConnectionString())
	if err != nil {
		logger.Fatal("Failed to open migration connection", zap.Error(err))
	}
	if err := database.RunMigrations(migrationDB, migrationsPath, logger); err != nil {
		logger.Fatal("Failed to run migrations", zap.Error(err))
	}
	_ = migrationDB.Close()

	db, err := database.NewConnection(ctx, &database.Config{
		URL:            cfg.Database.ConnectionString(),
		MaxConnections: cfg.Database.MaxConnections,
	})
	if err != nil {
		logger.Fatal("Failed to connect to catalog database", zap.Error(err))
	}
	defer db.Close()

	redisClient, err := database.NewRedisClient(&cfg.Redis)
	if err != nil {
		logger.Fatal("Failed to connect to redis", zap.Error(err))
	}

	secrets, err := crypto.NewSecretBox(cfg.CredentialsKey)
	if err != nil {
		logger.Fatal("Failed to initialize credential encryption", zap.Error(err))
	}

	registry := inspector.NewRegistry()
	if err := builtin.RegisterBuiltin(registry); err != nil {
		logger.Fatal("Failed to register inspection engines", zap.Error(err))
	}
	logger.Info("Registered inspection engines", zap.Strings("engines", registry.Kinds()))

	workspaceRepo := repositories.NewWorkspaceRepository()
	datastoreRepo := repositories.NewDatastoreRepository()
	runRepo := repositories.NewRunRepository()
	revisionRepo := repositories.NewRevisionRepository()
	catalogRepo := repositories.NewCatalogRepository()
	applier := repositories.NewRevisionApplier()

	notifier := services.NewNotifier(&cfg.Notifier, cfg.Notifier.Recipients, logger)
	progress := services.NewRunProgress(redisClient, logger)

	workspaceService := services.NewWorkspaceService(db, workspaceRepo, secrets, logger)
	datastoreService := services.NewDatastoreService(
		datastoreRepo, workspaceRepo, registry, secrets, &cfg.Crawler, logger)
	crawlerService := services.NewCrawlerService(
		db, &cfg.Crawler, registry, secrets,
		datastoreRepo, workspaceRepo, runRepo, revisionRepo, catalogRepo, applier,
		notifier, progress, logger)

	mux := http.NewServeMux()
	scoped := database.WithWorkspaceContext(db, logger)

	healthHandler := handlers.NewHealthHandler(cfg, logger)
	healthHandler.RegisterRoutes(mux)

	workspacesHandler := handlers.NewWorkspacesHandler(workspaceService, logger)
	workspacesHandler.RegisterRoutes(mux)

	datastoresHandler := handlers.NewDatastoresHandler(datastoreService, logger)
	datastoresHandler.RegisterRoutes(mux, scoped)

	runsHandler := handlers.NewRunsHandler(crawlerService, runRepo, revisionRepo, progress, logger)
	runsHandler.RegisterRoutes(mux, scoped)

	handler := middleware.RequestLogger(logger)(mux)

	addr := cfg.BindAddr + ":" + cfg.Port
	logger.Info("Starting metamapper-engine",
		zap.String("addr", addr),
		zap.String("version", cfg.Version))
	if err := http.ListenAndServe(addr, handler); err != nil {
		logger.Fatal("Server failed", zap.Error(err))
	}
}

func newLogger(env string) (*zap.Logger, error) {
	if env == "production" {
		return zap.NewProduction()
	}
	return zap.NewDevelopment()
}
