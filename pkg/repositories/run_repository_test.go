//go:build integration

package repositories

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/getmetamapper/metamapper-engine/pkg/apperrors"
	"github.com/getmetamapper/metamapper-engine/pkg/models"
	"github.com/getmetamapper/metamapper-engine/pkg/testhelpers"
)

type runTestContext struct {
	t           *testing.T
	catalogDB   *testhelpers.CatalogDB
	runs        RunRepository
	datastores  DatastoreRepository
	workspaceID uuid.UUID
}

func setupRunTest(t *testing.T) *runTestContext {
	t.Helper()

	catalogDB := testhelpers.GetCatalogDB(t)
	workspaceID := uuid.MustParse("00000000-0000-0000-0000-000000000020")
	testhelpers.EnsureWorkspace(t, catalogDB, workspaceID, "Run Test Workspace")

	return &runTestContext{
		t:           t,
		catalogDB:   catalogDB,
		runs:        NewRunRepository(),
		datastores:  NewDatastoreRepository(),
		workspaceID: workspaceID,
	}
}

func (tc *runTestContext) scopedContext() (context.Context, func()) {
	tc.t.Helper()
	return testhelpers.ScopedContext(tc.t, tc.catalogDB, tc.workspaceID)
}

func (tc *runTestContext) createDatastore(ctx context.Context, name string) *models.Datastore {
	tc.t.Helper()
	ds := testhelpers.NewTestDatastore(tc.workspaceID, name)
	if err := tc.datastores.Create(ctx, ds); err != nil {
		tc.t.Fatalf("Failed to create test datastore: %v", err)
	}
	return ds
}

func TestRunRepository_OpenEnforcesSingleOpenRun(t *testing.T) {
	tc := setupRunTest(t)
	ctx, closeScope := tc.scopedContext()
	defer closeScope()

	ds := tc.createDatastore(ctx, "single-open-run")

	run, err := tc.runs.Open(ctx, tc.workspaceID, ds.ID)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if !run.IsOpen() {
		t.Fatal("freshly opened run should be open")
	}

	// Second open against the same datastore must be refused while the
	// first is still running.
	if _, err := tc.runs.Open(ctx, tc.workspaceID, ds.ID); !errors.Is(err, apperrors.ErrRunInProgress) {
		t.Fatalf("expected ErrRunInProgress, got %v", err)
	}

	if err := tc.runs.Finalize(ctx, run.ID, nil); err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}

	// Once finalized, a new run may open.
	second, err := tc.runs.Open(ctx, tc.workspaceID, ds.ID)
	if err != nil {
		t.Fatalf("Open after finalize failed: %v", err)
	}
	if err := tc.runs.Finalize(ctx, second.ID, nil); err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}
}

func TestRunRepository_FinalizeRecordsError(t *testing.T) {
	tc := setupRunTest(t)
	ctx, closeScope := tc.scopedContext()
	defer closeScope()

	ds := tc.createDatastore(ctx, "finalize-error")
	run, err := tc.runs.Open(ctx, tc.workspaceID, ds.ID)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	msg := "connection refused"
	if err := tc.runs.Finalize(ctx, run.ID, &msg); err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}

	got, err := tc.runs.GetByID(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if got.IsOpen() {
		t.Error("finalized run should not be open")
	}
	if got.Succeeded() {
		t.Error("run with error should not report success")
	}
	if got.Error == nil || *got.Error != msg {
		t.Errorf("expected error %q, got %v", msg, got.Error)
	}

	// Finalizing twice is refused; the run is already closed.
	if err := tc.runs.Finalize(ctx, run.ID, nil); !errors.Is(err, apperrors.ErrNotFound) {
		t.Fatalf("expected ErrNotFound on double finalize, got %v", err)
	}
}

func TestRunRepository_ErrorsAccumulatePerSchema(t *testing.T) {
	tc := setupRunTest(t)
	ctx, closeScope := tc.scopedContext()
	defer closeScope()

	ds := tc.createDatastore(ctx, "schema-errors")
	run, err := tc.runs.Open(ctx, tc.workspaceID, ds.ID)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer func() { _ = tc.runs.Finalize(ctx, run.ID, nil) }()

	sales := "sales"
	billing := "billing"
	for _, re := range []*models.RunError{
		{RunID: run.ID, SchemaName: &sales, Message: "permission denied"},
		{RunID: run.ID, SchemaName: &billing, Message: "timeout"},
	} {
		if err := tc.runs.AddError(ctx, re); err != nil {
			t.Fatalf("AddError failed: %v", err)
		}
	}

	errs, err := tc.runs.ListErrors(ctx, run.ID)
	if err != nil {
		t.Fatalf("ListErrors failed: %v", err)
	}
	if len(errs) != 2 {
		t.Fatalf("expected 2 run errors, got %d", len(errs))
	}
	if *errs[0].SchemaName != "sales" || errs[0].Message != "permission denied" {
		t.Errorf("unexpected first error: %+v", errs[0])
	}
}

func TestRunRepository_ListByDatastoreOrdersNewestFirst(t *testing.T) {
	tc := setupRunTest(t)
	ctx, closeScope := tc.scopedContext()
	defer closeScope()

	ds := tc.createDatastore(ctx, "run-history")
	for i := 0; i < 3; i++ {
		run, err := tc.runs.Open(ctx, tc.workspaceID, ds.ID)
		if err != nil {
			t.Fatalf("Open failed: %v", err)
		}
		if err := tc.runs.Finalize(ctx, run.ID, nil); err != nil {
			t.Fatalf("Finalize failed: %v", err)
		}
	}

	runs, err := tc.runs.ListByDatastore(ctx, ds.ID, 2)
	if err != nil {
		t.Fatalf("ListByDatastore failed: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("expected limit of 2 runs, got %d", len(runs))
	}
	if runs[0].StartedAt.Before(runs[1].StartedAt) {
		t.Error("runs not ordered newest first")
	}
}
