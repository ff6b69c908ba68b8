package handlers

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/getmetamapper/metamapper-engine/pkg/apperrors"
	"github.com/getmetamapper/metamapper-engine/pkg/models"
)

// fakeDatastoreService is a canned-response DatastoreService.
type fakeDatastoreService struct {
	datastores map[uuid.UUID]*models.Datastore
	createErr  error
	verifyErr  error
}

func newFakeDatastoreService() *fakeDatastoreService {
	return &fakeDatastoreService{datastores: make(map[uuid.UUID]*models.Datastore)}
}

func (f *fakeDatastoreService) Create(ctx context.Context, ds *models.Datastore) error {
	if f.createErr != nil {
		return f.createErr
	}
	ds.ID = uuid.New()
	stored := *ds
	f.datastores[ds.ID] = &stored
	return nil
}

func (f *fakeDatastoreService) Get(ctx context.Context, workspaceID, datastoreID uuid.UUID) (*models.Datastore, error) {
	ds, ok := f.datastores[datastoreID]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	out := *ds
	out.Password = ""
	return &out, nil
}

func (f *fakeDatastoreService) List(ctx context.Context, workspaceID uuid.UUID) ([]*models.Datastore, error) {
	out := make([]*models.Datastore, 0, len(f.datastores))
	for _, ds := range f.datastores {
		cp := *ds
		cp.Password = ""
		out = append(out, &cp)
	}
	return out, nil
}

func (f *fakeDatastoreService) Update(ctx context.Context, ds *models.Datastore) error {
	if _, ok := f.datastores[ds.ID]; !ok {
		return apperrors.ErrNotFound
	}
	stored := *ds
	f.datastores[ds.ID] = &stored
	return nil
}

func (f *fakeDatastoreService) Delete(ctx context.Context, workspaceID, datastoreID uuid.UUID) error {
	if _, ok := f.datastores[datastoreID]; !ok {
		return apperrors.ErrNotFound
	}
	delete(f.datastores, datastoreID)
	return nil
}

func (f *fakeDatastoreService) Verify(ctx context.Context, workspaceID, datastoreID uuid.UUID) error {
	if _, ok := f.datastores[datastoreID]; !ok {
		return apperrors.ErrNotFound
	}
	return f.verifyErr
}

// fakeCrawlerService records QueueRun calls and returns canned results.
type fakeCrawlerService struct {
	queueErr error
	run      *models.Run
}

func (f *fakeCrawlerService) QueueRun(ctx context.Context, workspaceID, datastoreID uuid.UUID) (*models.Run, error) {
	if f.queueErr != nil {
		return nil, f.queueErr
	}
	if f.run != nil {
		return f.run, nil
	}
	return &models.Run{
		ID:          uuid.New(),
		WorkspaceID: workspaceID,
		DatastoreID: datastoreID,
		StartedAt:   time.Now(),
	}, nil
}

func (f *fakeCrawlerService) ExecuteRun(ctx context.Context, run *models.Run) error {
	return nil
}

func (f *fakeCrawlerService) PurgeExpired(ctx context.Context, workspaceID uuid.UUID) (int64, error) {
	return 0, nil
}

// fakeRunRepository serves runs and errors from memory.
type fakeRunRepository struct {
	runs      map[uuid.UUID]*models.Run
	runErrors map[uuid.UUID][]*models.RunError
	byDS      map[uuid.UUID][]*models.Run
}

func newFakeRunRepository() *fakeRunRepository {
	return &fakeRunRepository{
		runs:      make(map[uuid.UUID]*models.Run),
		runErrors: make(map[uuid.UUID][]*models.RunError),
		byDS:      make(map[uuid.UUID][]*models.Run),
	}
}

func (f *fakeRunRepository) add(run *models.Run) {
	f.runs[run.ID] = run
	f.byDS[run.DatastoreID] = append(f.byDS[run.DatastoreID], run)
}

func (f *fakeRunRepository) Open(ctx context.Context, workspaceID, datastoreID uuid.UUID) (*models.Run, error) {
	run := &models.Run{ID: uuid.New(), WorkspaceID: workspaceID, DatastoreID: datastoreID, StartedAt: time.Now()}
	f.add(run)
	return run, nil
}

func (f *fakeRunRepository) Finalize(ctx context.Context, runID uuid.UUID, runErr *string) error {
	run, ok := f.runs[runID]
	if !ok {
		return apperrors.ErrNotFound
	}
	now := time.Now()
	run.FinishedAt = &now
	run.Error = runErr
	return nil
}

func (f *fakeRunRepository) GetByID(ctx context.Context, runID uuid.UUID) (*models.Run, error) {
	run, ok := f.runs[runID]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	return run, nil
}

func (f *fakeRunRepository) ListByDatastore(ctx context.Context, datastoreID uuid.UUID, limit int) ([]*models.Run, error) {
	runs := f.byDS[datastoreID]
	if limit > 0 && limit < len(runs) {
		runs = runs[:limit]
	}
	return runs, nil
}

func (f *fakeRunRepository) AddError(ctx context.Context, runErr *models.RunError) error {
	f.runErrors[runErr.RunID] = append(f.runErrors[runErr.RunID], runErr)
	return nil
}

func (f *fakeRunRepository) ListErrors(ctx context.Context, runID uuid.UUID) ([]*models.RunError, error) {
	return f.runErrors[runID], nil
}

func (f *fakeRunRepository) PurgeFinishedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}

// fakeRevisionRepository serves a fixed revision log.
type fakeRevisionRepository struct {
	revisions map[uuid.UUID][]models.Revision
}

func newFakeRevisionRepository() *fakeRevisionRepository {
	return &fakeRevisionRepository{revisions: make(map[uuid.UUID][]models.Revision)}
}

func (f *fakeRevisionRepository) InsertBatch(ctx context.Context, workspaceID uuid.UUID, revisions []models.Revision) (int64, error) {
	if len(revisions) == 0 {
		return 0, nil
	}
	runID := revisions[0].RunID
	f.revisions[runID] = append(f.revisions[runID], revisions...)
	return int64(len(revisions)), nil
}

func (f *fakeRevisionRepository) ListByRun(ctx context.Context, runID uuid.UUID) ([]models.Revision, error) {
	return f.revisions[runID], nil
}

func (f *fakeRevisionRepository) CountByRun(ctx context.Context, runID uuid.UUID) (int64, error) {
	return int64(len(f.revisions[runID])), nil
}
