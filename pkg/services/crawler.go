package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/getmetamapper/metamapper-engine/pkg/collector"
	"github.com/getmetamapper/metamapper-engine/pkg/config"
	"github.com/getmetamapper/metamapper-engine/pkg/crypto"
	"github.com/getmetamapper/metamapper-engine/pkg/database"
	"github.com/getmetamapper/metamapper-engine/pkg/inspector"
	"github.com/getmetamapper/metamapper-engine/pkg/logging"
	"github.com/getmetamapper/metamapper-engine/pkg/models"
	"github.com/getmetamapper/metamapper-engine/pkg/objectid"
	"github.com/getmetamapper/metamapper-engine/pkg/repositories"
	"github.com/getmetamapper/metamapper-engine/pkg/revisioner"
	"github.com/getmetamapper/metamapper-engine/pkg/services/workqueue"
)

// CrawlerService orchestrates crawl runs: it opens the run, drives the
// engine through per-schema work units, and finalizes the catalog.
type CrawlerService interface {
	// QueueRun opens a run for the datastore and starts the crawl in the
	// background. Returns apperrors.ErrRunInProgress when the datastore
	// already has an open run.
	QueueRun(ctx context.Context, workspaceID, datastoreID uuid.UUID) (*models.Run, error)

	// ExecuteRun performs a full crawl synchronously for an already-open
	// run. QueueRun calls this in the background; it is exported for the
	// worker entrypoint and for tests.
	ExecuteRun(ctx context.Context, run *models.Run) error

	// PurgeExpired hard-deletes finished runs and long-soft-deleted catalog
	// rows older than the configured grace period. Returns the number of
	// rows removed.
	PurgeExpired(ctx context.Context, workspaceID uuid.UUID) (int64, error)
}

type crawlerService struct {
	db         *database.DB
	cfg        *config.CrawlerConfig
	registry   *inspector.Registry
	secrets    *crypto.SecretBox
	datastores repositories.DatastoreRepository
	workspaces repositories.WorkspaceRepository
	runs       repositories.RunRepository
	revisions  repositories.RevisionRepository
	catalog    repositories.CatalogRepository
	applier    repositories.RevisionApplier
	collector  *collector.Collector
	reconciler *revisioner.Reconciler
	notifier   Notifier
	progress   *RunProgress
	logger     *zap.Logger
}

// NewCrawlerService creates a new CrawlerService.
func NewCrawlerService(
	db *database.DB,
	cfg *config.CrawlerConfig,
	registry *inspector.Registry,
	secrets *crypto.SecretBox,
	datastores repositories.DatastoreRepository,
	workspaces repositories.WorkspaceRepository,
	runs repositories.RunRepository,
	revisions repositories.RevisionRepository,
	catalog repositories.CatalogRepository,
	applier repositories.RevisionApplier,
	notifier Notifier,
	progress *RunProgress,
	logger *zap.Logger,
) CrawlerService {
	logger = logger.Named("crawler")
	return &crawlerService{
		db:         db,
		cfg:        cfg,
		registry:   registry,
		secrets:    secrets,
		datastores: datastores,
		workspaces: workspaces,
		runs:       runs,
		revisions:  revisions,
		catalog:    catalog,
		applier:    applier,
		collector:  collector.New(logger),
		reconciler: revisioner.New(logger),
		notifier:   notifier,
		progress:   progress,
		logger:     logger,
	}
}

var _ CrawlerService = (*crawlerService)(nil)

func (s *crawlerService) QueueRun(ctx context.Context, workspaceID, datastoreID uuid.UUID) (*models.Run, error) {
	// Resolve the datastore first so a bad id fails before a run opens.
	if _, err := s.datastores.GetByID(ctx, workspaceID, datastoreID); err != nil {
		return nil, err
	}

	run, err := s.runs.Open(ctx, workspaceID, datastoreID)
	if err != nil {
		return nil, err
	}

	s.logger.Info("Run queued",
		zap.String("run_id", run.ID.String()),
		zap.String("datastore_id", datastoreID.String()))

	go func() {
		if err := s.ExecuteRun(context.Background(), run); err != nil {
			s.logger.Error("Run execution failed",
				zap.String("run_id", run.ID.String()),
				zap.String("error", logging.SanitizeError(err)))
		}
	}()

	return run, nil
}

// ExecuteRun drives the crawl for an open run and always finalizes it, one
// way or the other.
func (s *crawlerService) ExecuteRun(ctx context.Context, run *models.Run) error {
	scope, err := s.db.WithWorkspace(ctx, run.WorkspaceID)
	if err != nil {
		return fmt.Errorf("failed to acquire workspace scope: %w", err)
	}
	defer scope.Close()
	ctx = database.SetWorkspaceScope(ctx, scope)

	ds, err := s.datastores.GetByID(ctx, run.WorkspaceID, run.DatastoreID)
	if err != nil {
		return s.failRun(ctx, run, nil, fmt.Errorf("failed to load datastore: %w", err))
	}

	password, sshKey, err := s.decryptCredentials(ctx, ds)
	if err != nil {
		return s.failRun(ctx, run, ds, err)
	}

	err = withEngine(ctx, s.registry, ds, password, sshKey, s.logger, func(ctx context.Context, eng inspector.Engine) error {
		return s.crawl(ctx, run, ds, eng)
	})
	if err != nil {
		return s.failRun(ctx, run, ds, err)
	}
	return nil
}

func (s *crawlerService) crawl(ctx context.Context, run *models.Run, ds *models.Datastore, eng inspector.Engine) error {
	verifyCtx, cancel := context.WithTimeout(ctx, s.cfg.VerifyTimeout())
	err := eng.VerifyConnection(verifyCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("connection verification failed: %w", err)
	}

	version, err := eng.Version(ctx)
	if err != nil {
		return fmt.Errorf("failed to read engine version: %w", err)
	}

	schemas, err := eng.SchemaNames(ctx)
	if err != nil {
		return fmt.Errorf("failed to list schemas: %w", err)
	}

	s.logger.Info("Starting crawl",
		zap.String("run_id", run.ID.String()),
		zap.String("engine", eng.Kind()),
		zap.String("version", version),
		zap.Int("schema_count", len(schemas)))

	// A tunneled connection funnels through one forwarded socket; don't
	// hammer it with parallel schema scans.
	var strategy workqueue.ConcurrencyStrategy
	if ds.SSHEnabled {
		strategy = workqueue.NewSerializedStrategy()
	} else {
		strategy = workqueue.NewThrottledStrategy(s.cfg.WorkerCount)
	}

	retry := workqueue.DefaultRetryConfig()
	retry.MaxRetries = s.cfg.TaskMaxAttempts - 1

	queue := workqueue.New(s.logger,
		workqueue.WithStrategy(strategy),
		workqueue.WithRetryConfig(retry),
		workqueue.WithTaskTimeout(s.cfg.TaskTimeout()))

	root := objectid.Root(ds.ID)
	schemaByTask := make(map[string]string, len(schemas))

	queue.SetOnUpdate(func(snapshots []workqueue.TaskSnapshot) {
		progress := workqueue.Progress{Total: len(snapshots)}
		for _, snap := range snapshots {
			switch snap.Status {
			case workqueue.TaskStatusPending:
				progress.Pending++
			case workqueue.TaskStatusRunning:
				progress.Running++
			case workqueue.TaskStatusCompleted:
				progress.Completed++
			case workqueue.TaskStatusFailed:
				progress.Failed++
			case workqueue.TaskStatusCancelled:
				progress.Cancelled++
			}
		}
		go s.progress.Publish(context.Background(), run.ID, progress)
	})

	for _, schema := range schemas {
		task := &schemaUnitTask{
			BaseTask: workqueue.NewBaseTask(fmt.Sprintf("inspect %s", schema)),
			svc:      s,
			run:      run,
			engine:   eng,
			root:     root,
			schema:   schema,
		}
		schemaByTask[task.ID()] = schema
		queue.Enqueue(task)
	}

	// Per-schema failures are tolerated up to the configured fraction;
	// Wait's error is only terminal for cancellation.
	if err := queue.Wait(ctx); err != nil && ctx.Err() != nil {
		return ctx.Err()
	}

	var failedSchemas []string
	var firstFailure string
	for _, snap := range queue.GetTasks() {
		if snap.Status != workqueue.TaskStatusFailed {
			continue
		}
		schema := schemaByTask[snap.ID]
		failedSchemas = append(failedSchemas, schema)
		if firstFailure == "" {
			firstFailure = snap.Error
		}
		runErr := &models.RunError{
			RunID:      run.ID,
			SchemaName: &schema,
			Message:    logging.SanitizeError(errors.New(snap.Error)),
		}
		if err := s.runs.AddError(ctx, runErr); err != nil {
			s.logger.Error("Failed to record schema failure",
				zap.String("run_id", run.ID.String()),
				zap.Error(err))
		}
	}

	if exceedsFailureTolerance(len(failedSchemas), len(schemas), s.cfg.FailureTolerance) {
		return fmt.Errorf("%d of %d schema units failed (tolerance %.2f): %s",
			len(failedSchemas), len(schemas), s.cfg.FailureTolerance, firstFailure)
	}

	if err := s.applier.ApplyRun(ctx, run, failedSchemas, nil); err != nil {
		return fmt.Errorf("failed to finalize run: %w", err)
	}

	s.logger.Info("Run finalized",
		zap.String("run_id", run.ID.String()),
		zap.Int("schemas", len(schemas)),
		zap.Int("failed_schemas", len(failedSchemas)))
	return nil
}

// exceedsFailureTolerance reports whether the failed fraction is beyond what
// the run may absorb. The comparison is strictly greater, so a tolerance of
// 0.25 admits exactly one failure out of four.
func exceedsFailureTolerance(failed, total int, tolerance float64) bool {
	if total == 0 || failed == 0 {
		return false
	}
	return float64(failed)/float64(total) > tolerance
}

func (s *crawlerService) PurgeExpired(ctx context.Context, workspaceID uuid.UUID) (int64, error) {
	scope, err := s.db.WithWorkspace(ctx, workspaceID)
	if err != nil {
		return 0, fmt.Errorf("failed to acquire workspace scope: %w", err)
	}
	defer scope.Close()
	ctx = database.SetWorkspaceScope(ctx, scope)

	cutoff := time.Now().AddDate(0, 0, -s.cfg.PurgeGraceDays)

	runsPurged, err := s.runs.PurgeFinishedBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	catalogPurged, err := s.catalog.PurgeDeletedBefore(ctx, cutoff)
	if err != nil {
		return runsPurged, err
	}

	if runsPurged > 0 || catalogPurged > 0 {
		s.logger.Info("Purged expired rows",
			zap.String("workspace_id", workspaceID.String()),
			zap.Int64("runs", runsPurged),
			zap.Int64("catalog_rows", catalogPurged))
	}
	return runsPurged + catalogPurged, nil
}

// crawlSchema is one schema work unit: collect, reconcile, persist. Each
// invocation acquires its own scoped connection so units can run in
// parallel.
func (s *crawlerService) crawlSchema(ctx context.Context, run *models.Run, eng inspector.Engine, root objectid.OID, schema string) error {
	scope, err := s.db.WithWorkspace(ctx, run.WorkspaceID)
	if err != nil {
		return fmt.Errorf("failed to acquire workspace scope: %w", err)
	}
	defer scope.Close()
	ctx = database.SetWorkspaceScope(ctx, scope)

	return s.collector.Collect(ctx, eng, root, []string{schema}, func(batch *collector.Batch) error {
		state, err := s.catalog.LoadSchemaState(ctx, run.DatastoreID, batch.SchemaOID, batch.SchemaRef)
		if err != nil {
			return err
		}
		revs, err := s.reconciler.Reconcile(run.ID, batch, state)
		if err != nil {
			return err
		}
		inserted, err := s.revisions.InsertBatch(ctx, run.WorkspaceID, revs)
		if err != nil {
			return err
		}
		s.logger.Debug("Schema unit committed",
			zap.String("run_id", run.ID.String()),
			zap.String("schema", schema),
			zap.Int("revisions", len(revs)),
			zap.Int64("inserted", inserted))
		return nil
	})
}

// failRun records the terminal error, finalizes the run without touching
// the catalog, and fires the failure notification.
func (s *crawlerService) failRun(ctx context.Context, run *models.Run, ds *models.Datastore, cause error) error {
	message := logging.SanitizeError(cause)

	if err := s.runs.AddError(ctx, &models.RunError{RunID: run.ID, Message: message}); err != nil {
		s.logger.Error("Failed to record run error",
			zap.String("run_id", run.ID.String()),
			zap.Error(err))
	}
	if err := s.runs.Finalize(ctx, run.ID, &message); err != nil {
		s.logger.Error("Failed to finalize failed run",
			zap.String("run_id", run.ID.String()),
			zap.Error(err))
	}

	if ds != nil {
		// Fire and forget; notification failures never affect the run.
		go s.notifier.NotifyRunFailed(context.Background(), ds, run, message)
	}
	return cause
}

// decryptCredentials mirrors the datastore service helper; the crawler holds
// its own copy so the two services stay independently constructible.
func (s *crawlerService) decryptCredentials(ctx context.Context, ds *models.Datastore) (password, sshKey string, err error) {
	password, err = s.secrets.Decrypt(ds.Password)
	if err != nil {
		return "", "", fmt.Errorf("failed to decrypt datastore credentials: %w", err)
	}

	if ds.SSHEnabled {
		workspace, werr := s.workspaces.GetByID(ctx, ds.WorkspaceID)
		if werr != nil {
			return "", "", fmt.Errorf("failed to load workspace for ssh key: %w", werr)
		}
		sshKey, err = s.secrets.Decrypt(workspace.SSHPrivateKey)
		if err != nil {
			return "", "", fmt.Errorf("failed to decrypt workspace ssh key: %w", err)
		}
	}
	return password, sshKey, nil
}

// schemaUnitTask inspects one schema and writes its revisions.
type schemaUnitTask struct {
	workqueue.BaseTask
	svc    *crawlerService
	run    *models.Run
	engine inspector.Engine
	root   objectid.OID
	schema string
}

func (t *schemaUnitTask) Execute(ctx context.Context, _ workqueue.TaskEnqueuer) error {
	return t.svc.crawlSchema(ctx, t.run, t.engine, t.root, t.schema)
}
