package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/pearmediallc/campaignlaunchermulti-sub007/internal/config"
	"github.com/pearmediallc/campaignlaunchermulti-sub007/internal/credential"
	"github.com/pearmediallc/campaignlaunchermulti-sub007/internal/db"
	"github.com/pearmediallc/campaignlaunchermulti-sub007/internal/dispatch"
	"github.com/pearmediallc/campaignlaunchermulti-sub007/internal/launch"
	"github.com/pearmediallc/campaignlaunchermulti-sub007/internal/metrics"
	"github.com/pearmediallc/campaignlaunchermulti-sub007/internal/models"
	"github.com/pearmediallc/campaignlaunchermulti-sub007/internal/platform"
	"github.com/pearmediallc/campaignlaunchermulti-sub007/internal/quota"
	"github.com/pearmediallc/campaignlaunchermulti-sub007/internal/repository"
	"github.com/pearmediallc/campaignlaunchermulti-sub007/internal/verify"
)

// happyCaller answers every platform call with success.
type happyCaller struct{}

func (happyCaller) PerformCall(ctx context.Context, token string, action models.ActionType, accountID string, payload json.RawMessage) (*platform.CallResult, error) {
	var fields map[string]any
	_ = json.Unmarshal(payload, &fields)
	name, _ := fields["name"].(string)
	return &platform.CallResult{EntityID: "ent_" + name}, nil
}

func (happyCaller) GetAccountStatus(ctx context.Context, token, accountID string) (*platform.AccountStatus, error) {
	return &platform.AccountStatus{ID: accountID, Status: "active", CampaignCount: 1, CampaignLimit: 100}, nil
}

func (happyCaller) FindCampaignByName(ctx context.Context, token, accountID, name string) (bool, error) {
	return false, nil
}

func (happyCaller) ValidateToken(ctx context.Context, token string) error { return nil }

type apiFixture struct {
	server   *Server
	jobs     *repository.JobRepository
	requests *repository.RequestRepository
	failures *repository.FailureRepository
}

func setupServer(t *testing.T, apiKey string, withCredential bool) *apiFixture {
	t.Helper()

	database, err := db.NewMemory()
	if err != nil {
		t.Fatalf("failed to open in-memory database: %v", err)
	}
	if err := database.Migrate(); err != nil {
		t.Fatalf("failed to run migrations: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	boltDB, err := bolt.Open(filepath.Join(t.TempDir(), "quota.db"), 0o600, nil)
	if err != nil {
		t.Fatalf("failed to open bolt db: %v", err)
	}
	tracker, err := quota.NewTracker(boltDB, quota.Config{CallsLimit: 1000})
	if err != nil {
		t.Fatalf("NewTracker() error = %v", err)
	}
	t.Cleanup(func() {
		tracker.Stop()
		boltDB.Close()
	})

	cipher, err := credential.NewCipher(strings.Repeat("23", 32))
	if err != nil {
		t.Fatalf("NewCipher() error = %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	creds := repository.NewCredentialRepository(database.DB)
	jobs := repository.NewJobRepository(database.DB)
	slots := repository.NewSlotRepository(database.DB)
	failures := repository.NewFailureRepository(database.DB)
	requests := repository.NewRequestRepository(database.DB)
	verifications := repository.NewVerificationRepository(database.DB)
	pool := credential.NewPool(creds, cipher, logger)

	if withCredential {
		sealed, serr := cipher.Seal("token-main")
		if serr != nil {
			t.Fatalf("Seal() error = %v", serr)
		}
		cerr := creds.Create(context.Background(), &models.Credential{
			Name:          "main",
			AccountGroup:  "default",
			TokenSealed:   sealed,
			Kind:          models.KindDefault,
			CallsLimit:    1000,
			WindowResetAt: time.Now().Add(time.Hour),
			Active:        true,
		})
		if cerr != nil {
			t.Fatalf("failed to create credential: %v", cerr)
		}
	}

	m := metrics.New()
	dispatcher := dispatch.New(pool, tracker, requests, happyCaller{}, m, logger)
	verifier := verify.NewVerifier(happyCaller{}, pool, verifications, logger)
	orchestrator := launch.New(jobs, slots, failures, requests, verifier, dispatcher, m,
		launch.Config{}, logger)
	t.Cleanup(orchestrator.Stop)

	server := NewServer(orchestrator, requests, failures, pool, m,
		&config.APIConfig{ListenAddr: ":0", APIKey: apiKey},
		&config.MetricsConfig{Enabled: true, Path: "/metrics"}, logger)

	return &apiFixture{server: server, jobs: jobs, requests: requests, failures: failures}
}

func (f *apiFixture) do(t *testing.T, method, path, apiKey string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to marshal body: %v", err)
		}
		buf = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, buf)
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	rec := httptest.NewRecorder()
	f.server.router.ServeHTTP(rec, req)
	return rec
}

func validJobBody() map[string]any {
	return map[string]any{
		"owner":      "user-1",
		"account_id": "act_1",
		"campaign":   map[string]any{"name": "Spring Sale", "objective": "OUTCOME_SALES"},
		"adsets":     []map[string]any{{"name": "as-1"}},
	}
}

func TestCreateJobAccepted(t *testing.T) {
	f := setupServer(t, "", true)

	rec := f.do(t, http.MethodPost, "/api/v1/jobs", "", validJobBody())
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202; body = %s", rec.Code, rec.Body.String())
	}

	var resp JobResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.ID == "" {
		t.Errorf("response has no job id")
	}
	if resp.Status != string(models.JobInProgress) {
		t.Errorf("status = %q, want in_progress", resp.Status)
	}
}

func TestCreateJobValidation(t *testing.T) {
	f := setupServer(t, "", true)

	manyAdSets := []map[string]any{}
	for i := 0; i < 51; i++ {
		manyAdSets = append(manyAdSets, map[string]any{"name": fmt.Sprintf("as-%d", i)})
	}

	tests := []struct {
		name   string
		mutate func(map[string]any)
		want   string
	}{
		{"missing owner", func(b map[string]any) { delete(b, "owner") }, "owner is required"},
		{"missing account", func(b map[string]any) { delete(b, "account_id") }, "account_id is required"},
		{"missing campaign name", func(b map[string]any) { b["campaign"] = map[string]any{} }, "campaign.name is required"},
		{"too many ad sets", func(b map[string]any) { b["adsets"] = manyAdSets }, "too many ad sets requested"},
		{"ads without ad sets", func(b map[string]any) {
			delete(b, "adsets")
			b["ads"] = []map[string]any{{"name": "ad-1"}}
		}, "ads require at least one ad set"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body := validJobBody()
			tt.mutate(body)

			rec := f.do(t, http.MethodPost, "/api/v1/jobs", "", body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", rec.Code)
			}
			var resp ErrorResponse
			if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
				t.Fatalf("failed to decode response: %v", err)
			}
			if resp.Error != tt.want {
				t.Errorf("error = %q, want %q", resp.Error, tt.want)
			}
		})
	}
}

func TestCreateJobAllExhausted(t *testing.T) {
	f := setupServer(t, "", false)

	rec := f.do(t, http.MethodPost, "/api/v1/jobs", "", validJobBody())
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429; body = %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Errorf("429 response has no Retry-After header")
	}
	var resp ErrorResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.RetryAfter <= 0 {
		t.Errorf("retry_after_seconds = %d, want positive", resp.RetryAfter)
	}
}

func TestJobStatusNotFound(t *testing.T) {
	f := setupServer(t, "", true)

	rec := f.do(t, http.MethodGet, "/api/v1/jobs/no-such-job", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestJobStatusAndList(t *testing.T) {
	f := setupServer(t, "", true)

	rec := f.do(t, http.MethodPost, "/api/v1/jobs", "", validJobBody())
	if rec.Code != http.StatusAccepted {
		t.Fatalf("create status = %d, want 202", rec.Code)
	}
	var created JobResponse
	if err := json.NewDecoder(rec.Body).Decode(&created); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	rec = f.do(t, http.MethodGet, "/api/v1/jobs/"+created.ID, "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var detail launch.JobDetail
	if err := json.NewDecoder(rec.Body).Decode(&detail); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if detail.Job.ID != created.ID {
		t.Errorf("job id = %q, want %q", detail.Job.ID, created.ID)
	}
	if len(detail.Slots) != 2 {
		t.Errorf("slot count = %d, want 2", len(detail.Slots))
	}

	rec = f.do(t, http.MethodGet, "/api/v1/jobs?owner=user-1", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d, want 200", rec.Code)
	}
	var listing struct {
		Jobs []models.Job `json:"jobs"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&listing); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(listing.Jobs) != 1 {
		t.Errorf("job count = %d, want 1", len(listing.Jobs))
	}
}

func TestCancelJobConflictWhenTerminal(t *testing.T) {
	f := setupServer(t, "", true)
	ctx := context.Background()

	job := &models.Job{Owner: "user-1", AccountID: "act_1", ParentName: "Done"}
	if err := f.jobs.Create(ctx, job); err != nil {
		t.Fatalf("failed to create job: %v", err)
	}
	if err := f.jobs.SetStatus(ctx, job.ID, models.JobCompleted); err != nil {
		t.Fatalf("SetStatus() error = %v", err)
	}

	rec := f.do(t, http.MethodDelete, "/api/v1/jobs/"+job.ID, "", nil)
	if rec.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", rec.Code)
	}

	rec = f.do(t, http.MethodDelete, "/api/v1/jobs/no-such-job", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestQueueEndpoints(t *testing.T) {
	f := setupServer(t, "", true)
	ctx := context.Background()

	queued := &models.QueuedRequest{
		UserID:       "user-1",
		AccountID:    "act_1",
		AccountGroup: "default",
		Action:       models.ActionCreateCampaign,
		Payload:      `{"name":"Parked","objective":"OUTCOME_SALES"}`,
		Priority:     models.PriorityDefault,
		ProcessAfter: time.Now().Add(time.Hour),
	}
	if err := f.requests.Create(ctx, queued); err != nil {
		t.Fatalf("failed to enqueue request: %v", err)
	}

	rec := f.do(t, http.MethodGet, "/api/v1/queue", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp QueueResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Stats.Queued != 1 {
		t.Errorf("queued = %d, want 1", resp.Stats.Queued)
	}
	if len(resp.Credentials) != 1 {
		t.Errorf("credential count = %d, want 1", len(resp.Credentials))
	}
	if len(resp.Requests) != 1 {
		t.Errorf("request count = %d, want 1", len(resp.Requests))
	}

	rec = f.do(t, http.MethodDelete, "/api/v1/queue/"+queued.ID, "", nil)
	if rec.Code != http.StatusNoContent {
		t.Errorf("cancel status = %d, want 204", rec.Code)
	}
	rec = f.do(t, http.MethodDelete, "/api/v1/queue/"+queued.ID, "", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("second cancel status = %d, want 404", rec.Code)
	}
}

func TestFailuresEndpoint(t *testing.T) {
	f := setupServer(t, "", true)
	ctx := context.Background()

	rec1 := &models.FailureRecord{
		JobID:      "job-1",
		UserID:     "user-1",
		EntityType: models.EntityAdSet,
		RawReason:  "Invalid targeting",
		UserReason: "The targeting settings are not valid.",
		Status:     models.FailurePermanent,
	}
	if err := f.failures.Create(ctx, rec1); err != nil {
		t.Fatalf("failed to create failure record: %v", err)
	}

	rec := f.do(t, http.MethodGet, "/api/v1/failures?job_id=job-1", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp struct {
		Failures []models.FailureRecord `json:"failures"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(resp.Failures) != 1 {
		t.Fatalf("failure count = %d, want 1", len(resp.Failures))
	}
	if resp.Failures[0].UserReason != "The targeting settings are not valid." {
		t.Errorf("user_reason = %q", resp.Failures[0].UserReason)
	}

	rec = f.do(t, http.MethodGet, "/api/v1/failures?job_id=other", "", nil)
	var empty struct {
		Failures []models.FailureRecord `json:"failures"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&empty); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(empty.Failures) != 0 {
		t.Errorf("failure count = %d, want 0", len(empty.Failures))
	}
}

func TestAuthMiddleware(t *testing.T) {
	f := setupServer(t, "secret-key", true)

	rec := f.do(t, http.MethodGet, "/api/v1/jobs", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status without key = %d, want 401", rec.Code)
	}

	rec = f.do(t, http.MethodGet, "/api/v1/jobs", "wrong-key", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status with wrong key = %d, want 401", rec.Code)
	}

	rec = f.do(t, http.MethodGet, "/api/v1/jobs", "secret-key", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("status with key = %d, want 200", rec.Code)
	}

	// X-API-Key works too.
	req := httptest.NewRequest(http.MethodGet, "/api/v1/jobs", nil)
	req.Header.Set("X-API-Key", "secret-key")
	w := httptest.NewRecorder()
	f.server.router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("status with X-API-Key = %d, want 200", w.Code)
	}

	// Health never requires a key.
	rec = f.do(t, http.MethodGet, "/health", "", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("health status = %d, want 200", rec.Code)
	}
}

func TestHealthEndpoint(t *testing.T) {
	f := setupServer(t, "", true)

	rec := f.do(t, http.MethodGet, "/health", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp HealthResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Status != "ok" {
		t.Errorf("status = %q, want ok", resp.Status)
	}
	if resp.Queue == nil {
		t.Errorf("health response has no queue stats")
	}
}

func TestMetricsEndpoint(t *testing.T) {
	f := setupServer(t, "secret-key", true)

	rec := f.do(t, http.MethodGet, "/metrics", "", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}
