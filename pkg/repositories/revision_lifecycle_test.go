//go:build integration

package repositories

import (
	"context"
	"testing"

	"github.com/google/uuid"

	"github.com/getmetamapper/metamapper-engine/pkg/collector"
	"github.com/getmetamapper/metamapper-engine/pkg/inspector"
	"github.com/getmetamapper/metamapper-engine/pkg/models"
	"github.com/getmetamapper/metamapper-engine/pkg/objectid"
	"github.com/getmetamapper/metamapper-engine/pkg/revisioner"
	"github.com/getmetamapper/metamapper-engine/pkg/testhelpers"
)

// These tests exercise the full revision lifecycle against a real database:
// reconcile a batch, persist its revisions, finalize the run, and read the
// committed catalog back.

type lifecycleTestContext struct {
	t           *testing.T
	catalogDB   *testhelpers.CatalogDB
	datastores  DatastoreRepository
	runs        RunRepository
	revisions   RevisionRepository
	applier     RevisionApplier
	catalog     CatalogRepository
	reconciler  *revisioner.Reconciler
	workspaceID uuid.UUID
}

func setupLifecycleTest(t *testing.T) *lifecycleTestContext {
	t.Helper()

	catalogDB := testhelpers.GetCatalogDB(t)
	workspaceID := uuid.MustParse("00000000-0000-0000-0000-000000000030")
	testhelpers.EnsureWorkspace(t, catalogDB, workspaceID, "Lifecycle Test Workspace")

	return &lifecycleTestContext{
		t:           t,
		catalogDB:   catalogDB,
		datastores:  NewDatastoreRepository(),
		runs:        NewRunRepository(),
		revisions:   NewRevisionRepository(),
		applier:     NewRevisionApplier(),
		catalog:     NewCatalogRepository(),
		reconciler:  revisioner.New(nil),
		workspaceID: workspaceID,
	}
}

func (tc *lifecycleTestContext) scopedContext() (context.Context, func()) {
	tc.t.Helper()
	return testhelpers.ScopedContext(tc.t, tc.catalogDB, tc.workspaceID)
}

func (tc *lifecycleTestContext) createDatastore(ctx context.Context, name string) *models.Datastore {
	tc.t.Helper()
	ds := testhelpers.NewTestDatastore(tc.workspaceID, name)
	if err := tc.datastores.Create(ctx, ds); err != nil {
		tc.t.Fatalf("Failed to create test datastore: %v", err)
	}
	return ds
}

// commitBatch reconciles a batch against current committed state and writes
// its revisions for the run.
func (tc *lifecycleTestContext) commitBatch(ctx context.Context, run *models.Run, batch *collector.Batch) {
	tc.t.Helper()

	state, err := tc.catalog.LoadSchemaState(ctx, run.DatastoreID, batch.SchemaOID, batch.SchemaRef)
	if err != nil {
		tc.t.Fatalf("LoadSchemaState failed: %v", err)
	}
	revs, err := tc.reconciler.Reconcile(run.ID, batch, state)
	if err != nil {
		tc.t.Fatalf("Reconcile failed: %v", err)
	}
	if _, err := tc.revisions.InsertBatch(ctx, tc.workspaceID, revs); err != nil {
		tc.t.Fatalf("InsertBatch failed: %v", err)
	}
}

func usersBatch(root objectid.OID, withEmail, withCreatedAt bool) *collector.Batch {
	schemaOID := objectid.Derive(root, "public")
	tableOID := objectid.Derive(schemaOID, "users")

	column := func(name string, ordinal int, dataType string, pk bool) collector.ColumnDef {
		return collector.ColumnDef{
			ColumnEntry: inspector.ColumnEntry{
				Name:       name,
				Ordinal:    ordinal,
				DataType:   dataType,
				Nullable:   !pk,
				PrimaryKey: pk,
			},
			OID: objectid.Derive(tableOID, name),
		}
	}

	columns := []collector.ColumnDef{column("id", 1, "integer", true)}
	if withEmail {
		columns = append(columns, column("email", 2, "text", false))
	}
	if withCreatedAt {
		columns = append(columns, column("created_at", 3, "timestamptz", false))
	}

	def := "CREATE UNIQUE INDEX users_pkey ON public.users (id)"
	return &collector.Batch{
		SchemaName: "public",
		SchemaRef:  "2200",
		SchemaOID:  schemaOID,
		Tables: []collector.TableDef{{
			Name:    "users",
			Ref:     "16384",
			Kind:    models.TableKindTable,
			OID:     tableOID,
			Columns: columns,
			Indexes: []collector.IndexDef{{
				Name:       "users_pkey",
				IsUnique:   true,
				IsPrimary:  true,
				Definition: &def,
				Columns:    []string{"id"},
				OID:        objectid.Derive(tableOID, "users_pkey"),
			}},
		}},
	}
}

func TestRevisionLifecycle_FirstRunCommitsCatalog(t *testing.T) {
	tc := setupLifecycleTest(t)
	ctx, closeScope := tc.scopedContext()
	defer closeScope()

	ds := tc.createDatastore(ctx, "lifecycle-first-run")
	root := objectid.Root(ds.ID)

	run, err := tc.runs.Open(ctx, tc.workspaceID, ds.ID)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	batch := usersBatch(root, true, false)
	tc.commitBatch(ctx, run, batch)

	// Replaying the same batch must not duplicate revisions.
	state, err := tc.catalog.LoadSchemaState(ctx, ds.ID, batch.SchemaOID, batch.SchemaRef)
	if err != nil {
		t.Fatalf("LoadSchemaState failed: %v", err)
	}
	revs, err := tc.reconciler.Reconcile(run.ID, batch, state)
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	inserted, err := tc.revisions.InsertBatch(ctx, tc.workspaceID, revs)
	if err != nil {
		t.Fatalf("InsertBatch replay failed: %v", err)
	}
	if inserted != 0 {
		t.Fatalf("replayed batch inserted %d revisions, want 0", inserted)
	}

	listed, err := tc.revisions.ListByRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("ListByRun failed: %v", err)
	}
	if len(listed) == 0 || listed[0].Resource != models.ResourceSchema {
		t.Fatal("revisions not ordered parent-first")
	}

	if err := tc.applier.ApplyRun(ctx, run, nil, nil); err != nil {
		t.Fatalf("ApplyRun failed: %v", err)
	}

	got, err := tc.runs.GetByID(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if !got.Succeeded() {
		t.Fatal("finalized run should report success")
	}

	committed, err := tc.catalog.LoadSchemaState(ctx, ds.ID, batch.SchemaOID, batch.SchemaRef)
	if err != nil {
		t.Fatalf("LoadSchemaState after apply failed: %v", err)
	}
	if committed.Schema == nil || committed.Schema.Name != "public" {
		t.Fatal("schema not committed")
	}
	if len(committed.Tables) != 1 || committed.Tables[0].Name != "users" {
		t.Fatalf("expected 1 committed table, got %+v", committed.Tables)
	}
	table := committed.Tables[0]
	if len(committed.ColumnsByTable[table.ID]) != 2 {
		t.Fatalf("expected 2 committed columns, got %d", len(committed.ColumnsByTable[table.ID]))
	}
	indexes := committed.IndexesByTable[table.ID]
	if len(indexes) != 1 || !indexes[0].IsPrimary {
		t.Fatalf("expected primary index, got %+v", indexes)
	}
	if len(indexes[0].Columns) != 1 || indexes[0].Columns[0].Name != "id" {
		t.Fatalf("index columns not committed: %+v", indexes[0].Columns)
	}
}

func TestRevisionLifecycle_SecondRunAppliesDiff(t *testing.T) {
	tc := setupLifecycleTest(t)
	ctx, closeScope := tc.scopedContext()
	defer closeScope()

	ds := tc.createDatastore(ctx, "lifecycle-diff")
	root := objectid.Root(ds.ID)

	first, err := tc.runs.Open(ctx, tc.workspaceID, ds.ID)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	firstBatch := usersBatch(root, true, false)
	tc.commitBatch(ctx, first, firstBatch)
	if err := tc.applier.ApplyRun(ctx, first, nil, nil); err != nil {
		t.Fatalf("ApplyRun failed: %v", err)
	}

	// Second crawl: email dropped, created_at added.
	second, err := tc.runs.Open(ctx, tc.workspaceID, ds.ID)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	secondBatch := usersBatch(root, false, true)
	tc.commitBatch(ctx, second, secondBatch)
	if err := tc.applier.ApplyRun(ctx, second, nil, nil); err != nil {
		t.Fatalf("ApplyRun failed: %v", err)
	}

	committed, err := tc.catalog.LoadSchemaState(ctx, ds.ID, secondBatch.SchemaOID, secondBatch.SchemaRef)
	if err != nil {
		t.Fatalf("LoadSchemaState failed: %v", err)
	}
	if len(committed.Tables) != 1 {
		t.Fatalf("expected 1 table, got %d", len(committed.Tables))
	}
	columns := committed.ColumnsByTable[committed.Tables[0].ID]
	names := make([]string, 0, len(columns))
	for _, c := range columns {
		names = append(names, c.Name)
	}
	if len(names) != 2 || names[0] != "id" || names[1] != "created_at" {
		t.Fatalf("expected live columns [id created_at], got %v", names)
	}
}

func TestRevisionLifecycle_FailedSchemaShieldedFromSweep(t *testing.T) {
	tc := setupLifecycleTest(t)
	ctx, closeScope := tc.scopedContext()
	defer closeScope()

	ds := tc.createDatastore(ctx, "lifecycle-failed-schema")
	root := objectid.Root(ds.ID)

	schemaBatch := func(name string) *collector.Batch {
		schemaOID := objectid.Derive(root, name)
		tableOID := objectid.Derive(schemaOID, "events")
		return &collector.Batch{
			SchemaName: name,
			SchemaRef:  name,
			SchemaOID:  schemaOID,
			Tables: []collector.TableDef{{
				Name: "events",
				Ref:  name + ".events",
				Kind: models.TableKindTable,
				OID:  tableOID,
				Columns: []collector.ColumnDef{{
					ColumnEntry: inspector.ColumnEntry{
						Name: "id", Ordinal: 1, DataType: "bigint", PrimaryKey: true,
					},
					OID: objectid.Derive(tableOID, "id"),
				}},
			}},
		}
	}

	// First run commits three schemas.
	first, err := tc.runs.Open(ctx, tc.workspaceID, ds.ID)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	for _, name := range []string{"public", "analytics", "stale"} {
		tc.commitBatch(ctx, first, schemaBatch(name))
	}
	if err := tc.applier.ApplyRun(ctx, first, nil, nil); err != nil {
		t.Fatalf("ApplyRun failed: %v", err)
	}

	// Second run only reaches public; analytics failed, stale is gone from
	// the source.
	second, err := tc.runs.Open(ctx, tc.workspaceID, ds.ID)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	tc.commitBatch(ctx, second, schemaBatch("public"))
	if err := tc.applier.ApplyRun(ctx, second, []string{"analytics"}, nil); err != nil {
		t.Fatalf("ApplyRun failed: %v", err)
	}

	schemas, err := tc.catalog.ListSchemas(ctx, ds.ID)
	if err != nil {
		t.Fatalf("ListSchemas failed: %v", err)
	}
	names := make([]string, 0, len(schemas))
	for _, s := range schemas {
		names = append(names, s.Name)
	}
	if len(names) != 2 || names[0] != "analytics" || names[1] != "public" {
		t.Fatalf("expected [analytics public] to survive, got %v", names)
	}

	// The failed schema's tables survive too.
	for _, s := range schemas {
		if s.Name != "analytics" {
			continue
		}
		tables, err := tc.catalog.ListTables(ctx, s.ID)
		if err != nil {
			t.Fatalf("ListTables failed: %v", err)
		}
		if len(tables) != 1 {
			t.Fatalf("failed schema lost its tables: %v", tables)
		}
	}
}

func TestRevisionLifecycle_RemovedSchemaReactivatesOnReturn(t *testing.T) {
	tc := setupLifecycleTest(t)
	ctx, closeScope := tc.scopedContext()
	defer closeScope()

	ds := tc.createDatastore(ctx, "lifecycle-reactivate")
	root := objectid.Root(ds.ID)

	runBatch := func(withUsers bool) {
		tc.t.Helper()
		run, err := tc.runs.Open(ctx, tc.workspaceID, ds.ID)
		if err != nil {
			tc.t.Fatalf("Open failed: %v", err)
		}
		if withUsers {
			tc.commitBatch(ctx, run, usersBatch(root, true, false))
		}
		if err := tc.applier.ApplyRun(ctx, run, nil, nil); err != nil {
			tc.t.Fatalf("ApplyRun failed: %v", err)
		}
	}

	runBatch(true)  // commit
	runBatch(false) // schema disappears, swept
	runBatch(true)  // schema returns

	schemas, err := tc.catalog.ListSchemas(ctx, ds.ID)
	if err != nil {
		t.Fatalf("ListSchemas failed: %v", err)
	}
	if len(schemas) != 1 || schemas[0].Name != "public" {
		t.Fatalf("expected reactivated schema, got %v", schemas)
	}

	committed, err := tc.catalog.LoadSchemaState(ctx, ds.ID, objectid.Derive(root, "public"), "2200")
	if err != nil {
		t.Fatalf("LoadSchemaState failed: %v", err)
	}
	if len(committed.Tables) != 1 {
		t.Fatalf("expected reactivated table, got %v", committed.Tables)
	}
	if got := len(committed.ColumnsByTable[committed.Tables[0].ID]); got != 2 {
		t.Fatalf("expected 2 reactivated columns, got %d", got)
	}
}
