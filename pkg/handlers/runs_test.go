package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/getmetamapper/metamapper-engine/pkg/apperrors"
	"github.com/getmetamapper/metamapper-engine/pkg/models"
	"github.com/getmetamapper/metamapper-engine/pkg/objectid"
	"github.com/getmetamapper/metamapper-engine/pkg/services"
)

func newRunsHandler(crawler *fakeCrawlerService, runs *fakeRunRepository, revisions *fakeRevisionRepository) *RunsHandler {
	return NewRunsHandler(
		crawler,
		runs,
		revisions,
		services.NewRunProgress(nil, zap.NewNop()),
		zap.NewNop(),
	)
}

func TestRunsHandler_Queue(t *testing.T) {
	h := newRunsHandler(&fakeCrawlerService{}, newFakeRunRepository(), newFakeRevisionRepository())

	dsID := uuid.New()
	req := scopedRequest(http.MethodPost, "/api/datastores/"+dsID.String()+"/runs", "")
	req.SetPathValue("id", dsID.String())
	rec := httptest.NewRecorder()

	h.Queue(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)

	var run models.Run
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &run))
	assert.Equal(t, dsID, run.DatastoreID)
	assert.Equal(t, testWorkspaceID, run.WorkspaceID)
}

func TestRunsHandler_QueueConflict(t *testing.T) {
	crawler := &fakeCrawlerService{queueErr: apperrors.ErrRunInProgress}
	h := newRunsHandler(crawler, newFakeRunRepository(), newFakeRevisionRepository())

	dsID := uuid.New()
	req := scopedRequest(http.MethodPost, "/api/datastores/"+dsID.String()+"/runs", "")
	req.SetPathValue("id", dsID.String())
	rec := httptest.NewRecorder()

	h.Queue(rec, req)

	require.Equal(t, http.StatusConflict, rec.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "run_in_progress", resp["error"])
}

func TestRunsHandler_QueueUnknownDatastore(t *testing.T) {
	crawler := &fakeCrawlerService{queueErr: apperrors.ErrNotFound}
	h := newRunsHandler(crawler, newFakeRunRepository(), newFakeRevisionRepository())

	dsID := uuid.New()
	req := scopedRequest(http.MethodPost, "/api/datastores/"+dsID.String()+"/runs", "")
	req.SetPathValue("id", dsID.String())
	rec := httptest.NewRecorder()

	h.Queue(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRunsHandler_GetWithErrors(t *testing.T) {
	runs := newFakeRunRepository()
	run := &models.Run{ID: uuid.New(), DatastoreID: uuid.New(), StartedAt: time.Now()}
	runs.add(run)

	schema := "billing"
	runs.runErrors[run.ID] = []*models.RunError{
		{RunID: run.ID, SchemaName: &schema, Message: "schema unit failed"},
	}

	h := newRunsHandler(&fakeCrawlerService{}, runs, newFakeRevisionRepository())

	req := scopedRequest(http.MethodGet, "/api/runs/"+run.ID.String(), "")
	req.SetPathValue("id", run.ID.String())
	rec := httptest.NewRecorder()

	h.Get(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp RunDetailResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, run.ID, resp.Run.ID)
	require.Len(t, resp.Errors, 1)
	assert.Equal(t, "billing", *resp.Errors[0].SchemaName)
}

func TestRunsHandler_GetNotFound(t *testing.T) {
	h := newRunsHandler(&fakeCrawlerService{}, newFakeRunRepository(), newFakeRevisionRepository())

	req := scopedRequest(http.MethodGet, "/api/runs/"+uuid.NewString(), "")
	req.SetPathValue("id", uuid.NewString())
	rec := httptest.NewRecorder()

	h.Get(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRunsHandler_ListInvalidLimit(t *testing.T) {
	h := newRunsHandler(&fakeCrawlerService{}, newFakeRunRepository(), newFakeRevisionRepository())

	dsID := uuid.New()
	req := scopedRequest(http.MethodGet, "/api/datastores/"+dsID.String()+"/runs?limit=zero", "")
	req.SetPathValue("id", dsID.String())
	rec := httptest.NewRecorder()

	h.List(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRunsHandler_ListRespectsLimit(t *testing.T) {
	runs := newFakeRunRepository()
	dsID := uuid.New()
	for range 3 {
		runs.add(&models.Run{ID: uuid.New(), DatastoreID: dsID, StartedAt: time.Now()})
	}

	h := newRunsHandler(&fakeCrawlerService{}, runs, newFakeRevisionRepository())

	req := scopedRequest(http.MethodGet, "/api/datastores/"+dsID.String()+"/runs?limit=2", "")
	req.SetPathValue("id", dsID.String())
	rec := httptest.NewRecorder()

	h.List(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp ListRunsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Len(t, resp.Runs, 2)
}

func TestRunsHandler_Revisions(t *testing.T) {
	runs := newFakeRunRepository()
	run := &models.Run{ID: uuid.New(), DatastoreID: uuid.New(), StartedAt: time.Now()}
	runs.add(run)

	revisions := newFakeRevisionRepository()
	root := objectid.Root(run.DatastoreID)
	revisions.revisions[run.ID] = []models.Revision{
		{
			ID:         uuid.New(),
			RunID:      run.ID,
			Action:     models.RevisionAdded,
			Resource:   models.ResourceSchema,
			ResourceID: objectid.Derive(root, "public"),
		},
	}

	h := newRunsHandler(&fakeCrawlerService{}, runs, revisions)

	req := scopedRequest(http.MethodGet, "/api/runs/"+run.ID.String()+"/revisions", "")
	req.SetPathValue("id", run.ID.String())
	rec := httptest.NewRecorder()

	h.Revisions(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp ListRevisionsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Count)
	require.Len(t, resp.Revisions, 1)
	assert.Equal(t, models.RevisionAdded, resp.Revisions[0].Action)
}

func TestRunsHandler_ProgressWithoutRedis(t *testing.T) {
	runs := newFakeRunRepository()
	run := &models.Run{ID: uuid.New(), DatastoreID: uuid.New(), StartedAt: time.Now()}
	runs.add(run)

	h := newRunsHandler(&fakeCrawlerService{}, runs, newFakeRevisionRepository())

	req := scopedRequest(http.MethodGet, "/api/runs/"+run.ID.String()+"/progress", "")
	req.SetPathValue("id", run.ID.String())
	rec := httptest.NewRecorder()

	h.Progress(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp RunProgressResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, run.ID, resp.RunID)
	assert.Nil(t, resp.Progress)
}
