//go:build integration

package services

import (
	"context"
	"errors"
	"net/url"
	"strconv"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/getmetamapper/metamapper-engine/pkg/apperrors"
	"github.com/getmetamapper/metamapper-engine/pkg/config"
	"github.com/getmetamapper/metamapper-engine/pkg/crypto"
	"github.com/getmetamapper/metamapper-engine/pkg/database"
	"github.com/getmetamapper/metamapper-engine/pkg/inspector"
	"github.com/getmetamapper/metamapper-engine/pkg/inspector/builtin"
	"github.com/getmetamapper/metamapper-engine/pkg/inspector/postgres"
	"github.com/getmetamapper/metamapper-engine/pkg/models"
	"github.com/getmetamapper/metamapper-engine/pkg/repositories"
	"github.com/getmetamapper/metamapper-engine/pkg/testhelpers"
)

var crawlerWorkspaceID = uuid.MustParse("00000000-0000-0000-0000-000000000040")

type crawlerTestContext struct {
	db      *testhelpers.CatalogDB
	svc     CrawlerService
	runs    repositories.RunRepository
	catalog repositories.CatalogRepository
	ds      *models.Datastore
}

// crawlerTestOpts tweaks the crawl setup; the zero value runs a plain
// self-crawl against the catalog container.
type crawlerTestOpts struct {
	failureTolerance float64
	failSchemas      map[string]bool
}

func setupCrawlerTest(t *testing.T) *crawlerTestContext {
	return setupCrawlerTestOpts(t, crawlerTestOpts{})
}

// setupCrawlerTestOpts points a datastore at the catalog container itself,
// so the crawl inspects the very database it writes revisions into.
func setupCrawlerTestOpts(t *testing.T, opts crawlerTestOpts) *crawlerTestContext {
	t.Helper()

	db := testhelpers.GetCatalogDB(t)
	testhelpers.EnsureWorkspace(t, db, crawlerWorkspaceID, "crawler-workspace")

	target, err := url.Parse(db.ConnStr)
	require.NoError(t, err)
	port, err := strconv.Atoi(target.Port())
	require.NoError(t, err)
	password, _ := target.User.Password()

	secrets, err := crypto.NewSecretBox("crawler-test-secret-key")
	require.NoError(t, err)
	encrypted, err := secrets.Encrypt(password)
	require.NoError(t, err)

	registry := inspector.NewRegistry()
	if len(opts.failSchemas) == 0 {
		require.NoError(t, builtin.RegisterBuiltin(registry))
	} else {
		// A real postgres engine behind a wrapper that refuses the named
		// schemas, so single schema units fail while the rest succeed.
		require.NoError(t, registry.Register("postgres",
			func(ctx context.Context, params inspector.ConnectParams) (inspector.Engine, error) {
				eng, err := postgres.Open(ctx, params)
				if err != nil {
					return nil, err
				}
				return &deniedSchemaEngine{Engine: eng, denied: opts.failSchemas}, nil
			}))
	}

	ds := &models.Datastore{
		WorkspaceID: crawlerWorkspaceID,
		Name:        "self-" + uuid.NewString()[:8],
		Engine:      "postgres",
		Host:        target.Hostname(),
		Port:        port,
		Username:    target.User.Username(),
		Password:    encrypted,
		Database:    "metamapper_test",
		Extras:      map[string]any{"ssl_mode": "disable"},
	}

	ctx, cleanup := testhelpers.ScopedContext(t, db, crawlerWorkspaceID)
	defer cleanup()

	datastores := repositories.NewDatastoreRepository()
	require.NoError(t, datastores.Create(ctx, ds))

	cfg := &config.CrawlerConfig{
		WorkerCount:          2,
		FailureTolerance:     opts.failureTolerance,
		VerifyTimeoutSeconds: 10,
		TaskMaxAttempts:      1,
		PurgeGraceDays:       30,
	}

	runs := repositories.NewRunRepository()
	catalog := repositories.NewCatalogRepository()

	svc := NewCrawlerService(
		db.DB,
		cfg,
		registry,
		secrets,
		datastores,
		repositories.NewWorkspaceRepository(),
		runs,
		repositories.NewRevisionRepository(),
		catalog,
		repositories.NewRevisionApplier(),
		&noopNotifier{},
		NewRunProgress(nil, zap.NewNop()),
		zap.NewNop(),
	)

	return &crawlerTestContext{
		db:      db,
		svc:     svc,
		runs:    runs,
		catalog: catalog,
		ds:      ds,
	}
}

func (tc *crawlerTestContext) openRun(t *testing.T) *models.Run {
	t.Helper()
	ctx, cleanup := testhelpers.ScopedContext(t, tc.db, crawlerWorkspaceID)
	defer cleanup()

	run, err := tc.runs.Open(ctx, crawlerWorkspaceID, tc.ds.ID)
	require.NoError(t, err)
	return run
}

func (tc *crawlerTestContext) reloadRun(t *testing.T, runID uuid.UUID) *models.Run {
	t.Helper()
	ctx, cleanup := testhelpers.ScopedContext(t, tc.db, crawlerWorkspaceID)
	defer cleanup()

	run, err := tc.runs.GetByID(ctx, runID)
	require.NoError(t, err)
	return run
}

func TestCrawlerService_ExecuteRun(t *testing.T) {
	tc := setupCrawlerTest(t)

	run := tc.openRun(t)
	require.NoError(t, tc.svc.ExecuteRun(context.Background(), run))

	finished := tc.reloadRun(t, run.ID)
	require.NotNil(t, finished.FinishedAt)
	assert.Nil(t, finished.Error)
	assert.True(t, finished.Succeeded())

	ctx, cleanup := testhelpers.ScopedContext(t, tc.db, crawlerWorkspaceID)
	defer cleanup()

	schemas, err := tc.catalog.ListSchemas(ctx, tc.ds.ID)
	require.NoError(t, err)
	require.NotEmpty(t, schemas)

	var public *models.Schema
	for _, s := range schemas {
		if s.Name == "public" {
			public = s
		}
	}
	require.NotNil(t, public, "expected the public schema in the catalog")

	tables, err := tc.catalog.ListTables(ctx, public.ID)
	require.NoError(t, err)

	names := make(map[string]bool, len(tables))
	for _, tbl := range tables {
		names[tbl.Name] = true
	}
	// The crawl target is the catalog database itself.
	assert.True(t, names["datastores"])
	assert.True(t, names["runs"])
	assert.True(t, names["catalog_tables"])
}

func TestCrawlerService_ExecuteRunTwiceIsStable(t *testing.T) {
	tc := setupCrawlerTest(t)

	first := tc.openRun(t)
	require.NoError(t, tc.svc.ExecuteRun(context.Background(), first))

	ctx, cleanup := testhelpers.ScopedContext(t, tc.db, crawlerWorkspaceID)
	schemasAfterFirst, err := tc.catalog.ListSchemas(ctx, tc.ds.ID)
	cleanup()
	require.NoError(t, err)

	second := tc.openRun(t)
	require.NoError(t, tc.svc.ExecuteRun(context.Background(), second))

	ctx, cleanup = testhelpers.ScopedContext(t, tc.db, crawlerWorkspaceID)
	defer cleanup()

	schemasAfterSecond, err := tc.catalog.ListSchemas(ctx, tc.ds.ID)
	require.NoError(t, err)
	assert.Equal(t, len(schemasAfterFirst), len(schemasAfterSecond))

	finished := tc.reloadRun(t, second.ID)
	require.NotNil(t, finished.FinishedAt)
	assert.Nil(t, finished.Error)
}

func TestCrawlerService_QueueRunConflictsWhileOpen(t *testing.T) {
	tc := setupCrawlerTest(t)

	// Hold a run open manually; QueueRun must refuse a second one.
	tc.openRun(t)

	ctx, cleanup := testhelpers.ScopedContext(t, tc.db, crawlerWorkspaceID)
	defer cleanup()

	_, err := tc.svc.QueueRun(ctx, crawlerWorkspaceID, tc.ds.ID)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrRunInProgress)
}

func TestCrawlerService_ExecuteRunBadCredentials(t *testing.T) {
	tc := setupCrawlerTest(t)

	// Corrupt the stored password so verification fails.
	ctx, cleanup := testhelpers.ScopedContext(t, tc.db, crawlerWorkspaceID)
	tc.ds.Password = mustEncrypt(t, "not-the-password")
	datastores := repositories.NewDatastoreRepository()
	require.NoError(t, datastores.Update(ctx, tc.ds))
	cleanup()

	run := tc.openRun(t)
	err := tc.svc.ExecuteRun(context.Background(), run)
	require.Error(t, err)

	finished := tc.reloadRun(t, run.ID)
	require.NotNil(t, finished.FinishedAt)
	require.NotNil(t, finished.Error)
	assert.False(t, finished.Succeeded())

	ctx, cleanup = testhelpers.ScopedContext(t, tc.db, crawlerWorkspaceID)
	defer cleanup()

	errs, err := tc.runs.ListErrors(ctx, run.ID)
	require.NoError(t, err)
	require.NotEmpty(t, errs)
	// Sanitized messages never echo credentials.
	assert.NotContains(t, errs[0].Message, "not-the-password")
}

// deniedSchemaEngine delegates to a real engine but refuses to stream the
// named schemas, the way a revoked grant would.
type deniedSchemaEngine struct {
	inspector.Engine
	denied map[string]bool
}

func (e *deniedSchemaEngine) TablesAndViews(ctx context.Context, schemas ...string) (*inspector.TableStream, error) {
	for _, s := range schemas {
		if e.denied[s] {
			return nil, errors.New("permission denied for schema " + s)
		}
	}
	return e.Engine.TablesAndViews(ctx, schemas...)
}

// ensureLedgerSchema adds a second schema to the crawl target so one unit
// can fail while another succeeds.
func ensureLedgerSchema(t *testing.T, db *testhelpers.CatalogDB) {
	t.Helper()
	ctx, cleanup := testhelpers.ScopedContext(t, db, crawlerWorkspaceID)
	defer cleanup()
	scope, _ := database.GetWorkspaceScope(ctx)
	_, err := scope.Conn.Exec(ctx, `CREATE SCHEMA IF NOT EXISTS ledger`)
	require.NoError(t, err)
	_, err = scope.Conn.Exec(ctx,
		`CREATE TABLE IF NOT EXISTS ledger.entries (id integer PRIMARY KEY, amount numeric(12, 2))`)
	require.NoError(t, err)
}

func TestCrawlerService_SchemaFailureFailsRunAtZeroTolerance(t *testing.T) {
	tc := setupCrawlerTestOpts(t, crawlerTestOpts{
		failSchemas: map[string]bool{"public": true},
	})
	ensureLedgerSchema(t, tc.db)

	run := tc.openRun(t)
	require.Error(t, tc.svc.ExecuteRun(context.Background(), run))

	finished := tc.reloadRun(t, run.ID)
	require.NotNil(t, finished.FinishedAt)
	require.NotNil(t, finished.Error)
	assert.False(t, finished.Succeeded())

	ctx, cleanup := testhelpers.ScopedContext(t, tc.db, crawlerWorkspaceID)
	defer cleanup()

	// No catalog mutation at all: the successful ledger unit's revisions
	// were buffered but never applied.
	schemas, err := tc.catalog.ListSchemas(ctx, tc.ds.ID)
	require.NoError(t, err)
	assert.Empty(t, schemas)

	errs, err := tc.runs.ListErrors(ctx, run.ID)
	require.NoError(t, err)
	var perSchema bool
	for _, re := range errs {
		if re.SchemaName != nil && *re.SchemaName == "public" {
			perSchema = true
		}
	}
	assert.True(t, perSchema, "expected a run error attributed to the public schema")
}

func TestCrawlerService_SchemaFailureWithinToleranceStillApplies(t *testing.T) {
	tc := setupCrawlerTestOpts(t, crawlerTestOpts{
		failSchemas:      map[string]bool{"public": true},
		failureTolerance: 1.0,
	})
	ensureLedgerSchema(t, tc.db)

	run := tc.openRun(t)
	require.NoError(t, tc.svc.ExecuteRun(context.Background(), run))

	finished := tc.reloadRun(t, run.ID)
	require.NotNil(t, finished.FinishedAt)
	assert.True(t, finished.Succeeded())

	ctx, cleanup := testhelpers.ScopedContext(t, tc.db, crawlerWorkspaceID)
	defer cleanup()

	// The surviving unit's revisions are applied; the failed schema never
	// reaches the catalog.
	schemas, err := tc.catalog.ListSchemas(ctx, tc.ds.ID)
	require.NoError(t, err)
	names := make(map[string]bool, len(schemas))
	for _, s := range schemas {
		names[s.Name] = true
	}
	assert.True(t, names["ledger"])
	assert.False(t, names["public"])
}

func TestCrawlerService_PurgeExpired(t *testing.T) {
	tc := setupCrawlerTest(t)

	run := tc.openRun(t)
	require.NoError(t, tc.svc.ExecuteRun(context.Background(), run))

	// Backdate the finished run and soft-delete one catalog table past the
	// grace period.
	ctx, cleanup := testhelpers.ScopedContext(t, tc.db, crawlerWorkspaceID)
	scope, _ := database.GetWorkspaceScope(ctx)
	_, err := scope.Conn.Exec(ctx,
		`UPDATE runs SET finished_at = now() - interval '60 days' WHERE id = $1`, run.ID)
	require.NoError(t, err)

	var tableID uuid.UUID
	err = scope.Conn.QueryRow(ctx, `
		SELECT t.id FROM catalog_tables t
		JOIN catalog_schemas s ON s.id = t.schema_id
		WHERE s.datastore_id = $1 AND t.name = 'runs'`, tc.ds.ID).Scan(&tableID)
	require.NoError(t, err)
	_, err = scope.Conn.Exec(ctx,
		`UPDATE catalog_tables SET deleted_at = now() - interval '60 days' WHERE id = $1`, tableID)
	require.NoError(t, err)
	cleanup()

	purged, err := tc.svc.PurgeExpired(context.Background(), crawlerWorkspaceID)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, purged, int64(2), "the run and the catalog table are both gone")

	ctx, cleanup = testhelpers.ScopedContext(t, tc.db, crawlerWorkspaceID)
	defer cleanup()
	scope, _ = database.GetWorkspaceScope(ctx)

	var tables, columns int
	require.NoError(t, scope.Conn.QueryRow(ctx,
		`SELECT count(*) FROM catalog_tables WHERE id = $1`, tableID).Scan(&tables))
	require.NoError(t, scope.Conn.QueryRow(ctx,
		`SELECT count(*) FROM catalog_columns WHERE table_id = $1`, tableID).Scan(&columns))
	assert.Zero(t, tables)
	assert.Zero(t, columns, "live columns under a purged table go with it")
}

func mustEncrypt(t *testing.T, plaintext string) string {
	t.Helper()
	secrets, err := crypto.NewSecretBox("crawler-test-secret-key")
	require.NoError(t, err)
	encrypted, err := secrets.Encrypt(plaintext)
	require.NoError(t, err)
	return encrypted
}
