package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"reflect"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/testcontainers/testcontainers-go"
	pgcontainer "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/screentest-io/screentest/internal/experiment"
	"github.com/screentest-io/screentest/internal/identity"
)

// setupTestDatabase creates a PostgreSQL testcontainer and runs migrations.
func setupTestDatabase(ctx context.Context, t *testing.T) (*pgcontainer.PostgresContainer, *Connection) {
	t.Helper()

	// Create PostgreSQL container
	postgresContainer, err := pgcontainer.Run(ctx,
		"postgres:16-alpine",
		pgcontainer.WithDatabase("screentest_test"),
		pgcontainer.WithUsername("test"),
		pgcontainer.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(120*time.Second), // Extended timeout for dev containers
		),
	)
	if err != nil {
		t.Fatalf("failed to start postgres container: %v", err)
	}

	if postgresContainer == nil {
		t.Fatalf("postgres container is nil")
	}

	// Get connection string
	connStr, err := postgresContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("failed to get connection string: %v", err)
	}

	// Create connection
	config := &Config{
		databaseURL:     connStr,
		MaxOpenConns:    defaultMaxOpenConns,
		MaxIdleConns:    defaultMaxIdleConns,
		ConnMaxLifetime: defaultConnMaxLifetime,
		ConnMaxIdleTime: defaultConnMaxIdleTime,
	}

	conn, err := NewConnection(config) //nolint:contextcheck
	if err != nil {
		_ = postgresContainer.Terminate(ctx)

		t.Fatalf("failed to connect to test database: %v", err)
	}

	// Run migrations using golang-migrate
	if err := runTestMigrations(conn.DB); err != nil {
		_ = conn.Close()
		_ = postgresContainer.Terminate(ctx)

		t.Fatalf("failed to run test migrations: %v", err)
	}

	return postgresContainer, conn
}

// runTestMigrations applies all migrations from the migrations directory using golang-migrate.
func runTestMigrations(db *sql.DB) error {
	// Create migrate instance with PostgreSQL driver
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return err
	}

	// Use file source pointing to migrations directory (relative to project root)
	m, err := migrate.NewWithDatabaseInstance(
		"file://../../migrations", // Relative path from internal/storage to project root migrations/
		postgresDriver,
		driver,
	)
	if err != nil {
		return err
	}

	// Run all migrations up
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}

	return nil
}

// Spec hashes for run fixtures. Both satisfy the 64-char hex CHECK
// constraints without hand-writing digests.
var (
	testSpecHash = strings.Repeat("ab", 32)
	altSpecHash  = strings.Repeat("cd", 32)
)

// seedCatalog registers the dataset item, generation spec, and experiment
// that run fixtures hang off.
func seedCatalog(ctx context.Context, t *testing.T, store *ExperimentStore) (experimentID, itemID string) {
	t.Helper()

	item := &experiment.DatasetItem{
		ID:             "item-alice-01",
		SubjectID:      "subject-alice",
		SourceVideoURI: "inputs/video/alice.mp4",
		AudioURI:       "inputs/audio/alice.wav",
	}
	if err := store.CreateDatasetItem(ctx, item); err != nil {
		t.Fatalf("CreateDatasetItem() error = %v", err)
	}

	spec := &experiment.GenerationSpec{
		ID:         "spec-mock-baseline",
		Provider:   "mock",
		Model:      "mock-xl",
		ParamsJSON: `{"resolution":"512x512"}`,
		Seeds:      []int64{1, 2, 3},
	}
	if err := store.CreateGenerationSpec(ctx, spec); err != nil {
		t.Fatalf("CreateGenerationSpec() error = %v", err)
	}

	exp := &experiment.Experiment{
		ID:               "exp-storage-it",
		Name:             "storage integration",
		GenerationSpecID: spec.ID,
	}
	if err := store.CreateExperiment(ctx, exp); err != nil {
		t.Fatalf("CreateExperiment() error = %v", err)
	}

	return exp.ID, item.ID
}

// newQueuedRun builds a run fixture with a content-addressed ID for the
// given slot.
func newQueuedRun(experimentID, itemID, variantKey, specHash string) *experiment.Run {
	return &experiment.Run{
		ID:           identity.RunID(experimentID, itemID, variantKey, specHash),
		ExperimentID: experimentID,
		ItemID:       itemID,
		VariantKey:   variantKey,
		SpecHash:     specHash,
		Status:       experiment.RunStatusQueued,
	}
}

func TestCatalogStoreIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	container, conn := setupTestDatabase(ctx, t)

	defer func() {
		_ = conn.Close()
		_ = container.Terminate(ctx)
	}()

	store, err := NewExperimentStore(conn)
	if err != nil {
		t.Fatalf("NewExperimentStore() error = %v", err)
	}

	t.Run("health check succeeds", func(t *testing.T) {
		if err := store.HealthCheck(ctx); err != nil {
			t.Errorf("HealthCheck() error = %v", err)
		}
	})

	t.Run("dataset item round-trips", func(t *testing.T) {
		refImage := "inputs/ref/alice.png"
		item := &experiment.DatasetItem{
			ID:             "item-alice-01",
			SubjectID:      "subject-alice",
			SourceVideoURI: "inputs/video/alice.mp4",
			AudioURI:       "inputs/audio/alice.wav",
			RefImageURI:    &refImage,
		}

		if err := store.CreateDatasetItem(ctx, item); err != nil {
			t.Fatalf("CreateDatasetItem() error = %v", err)
		}

		if item.CreatedAt.IsZero() {
			t.Error("CreateDatasetItem() did not stamp CreatedAt")
		}

		got, err := store.GetDatasetItem(ctx, item.ID)
		if err != nil {
			t.Fatalf("GetDatasetItem() error = %v", err)
		}

		if got.SubjectID != item.SubjectID || got.SourceVideoURI != item.SourceVideoURI ||
			got.AudioURI != item.AudioURI {
			t.Errorf("GetDatasetItem() = %+v, want %+v", got, item)
		}

		if got.RefImageURI == nil || *got.RefImageURI != refImage {
			t.Errorf("GetDatasetItem() RefImageURI = %v, want %q", got.RefImageURI, refImage)
		}
	})

	t.Run("dataset item without reference image", func(t *testing.T) {
		item := &experiment.DatasetItem{
			ID:             "item-bob-01",
			SubjectID:      "subject-bob",
			SourceVideoURI: "inputs/video/bob.mp4",
			AudioURI:       "inputs/audio/bob.wav",
		}

		if err := store.CreateDatasetItem(ctx, item); err != nil {
			t.Fatalf("CreateDatasetItem() error = %v", err)
		}

		got, err := store.GetDatasetItem(ctx, item.ID)
		if err != nil {
			t.Fatalf("GetDatasetItem() error = %v", err)
		}

		if got.RefImageURI != nil {
			t.Errorf("GetDatasetItem() RefImageURI = %v, want nil", got.RefImageURI)
		}
	})

	t.Run("duplicate dataset item is rejected", func(t *testing.T) {
		item := &experiment.DatasetItem{
			ID:             "item-alice-01",
			SubjectID:      "subject-alice",
			SourceVideoURI: "inputs/video/other.mp4",
			AudioURI:       "inputs/audio/other.wav",
		}

		err := store.CreateDatasetItem(ctx, item)
		if !errors.Is(err, experiment.ErrAlreadyExists) {
			t.Errorf("CreateDatasetItem() error = %v, want ErrAlreadyExists", err)
		}
	})

	t.Run("missing dataset item", func(t *testing.T) {
		_, err := store.GetDatasetItem(ctx, "item-ghost")
		if !errors.Is(err, experiment.ErrNotFound) {
			t.Errorf("GetDatasetItem() error = %v, want ErrNotFound", err)
		}
	})

	t.Run("generation spec round-trips params byte-for-byte", func(t *testing.T) {
		modelVersion := "2026-08-01"
		// Key order and whitespace must survive storage; spec hashing
		// depends on reading back the exact submitted document.
		params := `{"zeta": 1, "alpha": {"nested": true}}`

		spec := &experiment.GenerationSpec{
			ID:             "spec-mock-a",
			Provider:       "mock",
			Model:          "mock-xl",
			ModelVersion:   &modelVersion,
			PromptTemplate: "a talking head of {subject}",
			ParamsJSON:     params,
			Seeds:          []int64{7, 11, 13},
		}

		if err := store.CreateGenerationSpec(ctx, spec); err != nil {
			t.Fatalf("CreateGenerationSpec() error = %v", err)
		}

		got, err := store.GetGenerationSpec(ctx, spec.ID)
		if err != nil {
			t.Fatalf("GetGenerationSpec() error = %v", err)
		}

		if got.ParamsJSON != params {
			t.Errorf("GetGenerationSpec() ParamsJSON = %q, want %q", got.ParamsJSON, params)
		}

		if got.ModelVersion == nil || *got.ModelVersion != modelVersion {
			t.Errorf("GetGenerationSpec() ModelVersion = %v, want %q", got.ModelVersion, modelVersion)
		}

		if got.PromptTemplate != spec.PromptTemplate {
			t.Errorf("GetGenerationSpec() PromptTemplate = %q, want %q",
				got.PromptTemplate, spec.PromptTemplate)
		}

		if len(got.Seeds) != 3 || got.Seeds[0] != 7 || got.Seeds[1] != 11 || got.Seeds[2] != 13 {
			t.Errorf("GetGenerationSpec() Seeds = %v, want [7 11 13]", got.Seeds)
		}
	})

	t.Run("duplicate generation spec is rejected", func(t *testing.T) {
		spec := &experiment.GenerationSpec{
			ID:         "spec-mock-a",
			Provider:   "mock",
			Model:      "mock-xl",
			ParamsJSON: `{}`,
			Seeds:      []int64{1},
		}

		err := store.CreateGenerationSpec(ctx, spec)
		if !errors.Is(err, experiment.ErrAlreadyExists) {
			t.Errorf("CreateGenerationSpec() error = %v, want ErrAlreadyExists", err)
		}
	})

	t.Run("missing generation spec", func(t *testing.T) {
		_, err := store.GetGenerationSpec(ctx, "spec-ghost")
		if !errors.Is(err, experiment.ErrNotFound) {
			t.Errorf("GetGenerationSpec() error = %v, want ErrNotFound", err)
		}
	})

	t.Run("experiment defaults to draft", func(t *testing.T) {
		exp := &experiment.Experiment{
			ID:               "exp-a",
			Name:             "catalog integration",
			GenerationSpecID: "spec-mock-a",
		}

		if err := store.CreateExperiment(ctx, exp); err != nil {
			t.Fatalf("CreateExperiment() error = %v", err)
		}

		if exp.Status != experiment.ExperimentStatusDraft {
			t.Errorf("CreateExperiment() Status = %q, want draft", exp.Status)
		}

		got, err := store.GetExperiment(ctx, exp.ID)
		if err != nil {
			t.Fatalf("GetExperiment() error = %v", err)
		}

		if got.Status != experiment.ExperimentStatusDraft {
			t.Errorf("GetExperiment() Status = %q, want draft", got.Status)
		}

		if got.GenerationSpecID != "spec-mock-a" {
			t.Errorf("GetExperiment() GenerationSpecID = %q, want spec-mock-a", got.GenerationSpecID)
		}
	})

	t.Run("experiment referencing missing spec is rejected", func(t *testing.T) {
		exp := &experiment.Experiment{
			ID:               "exp-dangling",
			Name:             "dangling spec",
			GenerationSpecID: "spec-ghost",
		}

		err := store.CreateExperiment(ctx, exp)
		if !errors.Is(err, experiment.ErrNotFound) {
			t.Errorf("CreateExperiment() error = %v, want ErrNotFound", err)
		}
	})

	t.Run("duplicate experiment is rejected", func(t *testing.T) {
		exp := &experiment.Experiment{
			ID:               "exp-a",
			Name:             "second registration",
			GenerationSpecID: "spec-mock-a",
		}

		err := store.CreateExperiment(ctx, exp)
		if !errors.Is(err, experiment.ErrAlreadyExists) {
			t.Errorf("CreateExperiment() error = %v, want ErrAlreadyExists", err)
		}
	})

	t.Run("experiment status progresses monotonically", func(t *testing.T) {
		if err := store.UpdateExperimentStatus(ctx, "exp-a", experiment.ExperimentStatusRunning); err != nil {
			t.Fatalf("UpdateExperimentStatus(draft->running) error = %v", err)
		}

		// Identity transition is an idempotent no-op.
		if err := store.UpdateExperimentStatus(ctx, "exp-a", experiment.ExperimentStatusRunning); err != nil {
			t.Errorf("UpdateExperimentStatus(running->running) error = %v", err)
		}

		if err := store.UpdateExperimentStatus(ctx, "exp-a", experiment.ExperimentStatusComplete); err != nil {
			t.Fatalf("UpdateExperimentStatus(running->complete) error = %v", err)
		}

		err := store.UpdateExperimentStatus(ctx, "exp-a", experiment.ExperimentStatusRunning)
		if !errors.Is(err, experiment.ErrInvalidStatusTransition) {
			t.Errorf("UpdateExperimentStatus(complete->running) error = %v, want ErrInvalidStatusTransition", err)
		}

		got, err := store.GetExperiment(ctx, "exp-a")
		if err != nil {
			t.Fatalf("GetExperiment() error = %v", err)
		}

		if got.Status != experiment.ExperimentStatusComplete {
			t.Errorf("GetExperiment() Status = %q, want complete", got.Status)
		}
	})

	t.Run("draft cannot jump to complete", func(t *testing.T) {
		exp := &experiment.Experiment{
			ID:               "exp-b",
			Name:             "skip running",
			GenerationSpecID: "spec-mock-a",
		}

		if err := store.CreateExperiment(ctx, exp); err != nil {
			t.Fatalf("CreateExperiment() error = %v", err)
		}

		err := store.UpdateExperimentStatus(ctx, exp.ID, experiment.ExperimentStatusComplete)
		if !errors.Is(err, experiment.ErrInvalidStatusTransition) {
			t.Errorf("UpdateExperimentStatus(draft->complete) error = %v, want ErrInvalidStatusTransition", err)
		}
	})

	t.Run("status update on missing experiment", func(t *testing.T) {
		err := store.UpdateExperimentStatus(ctx, "exp-ghost", experiment.ExperimentStatusRunning)
		if !errors.Is(err, experiment.ErrNotFound) {
			t.Errorf("UpdateExperimentStatus() error = %v, want ErrNotFound", err)
		}
	})

	t.Run("status update rejects unknown status", func(t *testing.T) {
		err := store.UpdateExperimentStatus(ctx, "exp-a", experiment.ExperimentStatus("archived"))
		if !errors.Is(err, ErrInvalidArgument) {
			t.Errorf("UpdateExperimentStatus() error = %v, want ErrInvalidArgument", err)
		}
	})
}

func TestRunLifecycleIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	container, conn := setupTestDatabase(ctx, t)

	defer func() {
		_ = conn.Close()
		_ = container.Terminate(ctx)
	}()

	store, err := NewExperimentStore(conn)
	if err != nil {
		t.Fatalf("NewExperimentStore() error = %v", err)
	}

	expID, itemID := seedCatalog(ctx, t, store)

	runA := newQueuedRun(expID, itemID, "seed=1", testSpecHash)
	runB := newQueuedRun(expID, itemID, "seed=2", testSpecHash)
	runC := newQueuedRun(expID, itemID, "seed=3", testSpecHash)

	t.Run("enqueue creates a queued run", func(t *testing.T) {
		created, ok, err := store.EnqueueRun(ctx, runA)
		if err != nil {
			t.Fatalf("EnqueueRun() error = %v", err)
		}

		if !ok {
			t.Error("EnqueueRun() created = false, want true")
		}

		if created.Status != experiment.RunStatusQueued {
			t.Errorf("EnqueueRun() Status = %q, want queued", created.Status)
		}

		if created.Attempt != 0 {
			t.Errorf("EnqueueRun() Attempt = %d, want 0", created.Attempt)
		}

		if created.CreatedAt.IsZero() {
			t.Error("EnqueueRun() did not stamp CreatedAt")
		}
	})

	t.Run("re-enqueue of the same run is idempotent", func(t *testing.T) {
		again := newQueuedRun(expID, itemID, "seed=1", testSpecHash)

		existing, ok, err := store.EnqueueRun(ctx, again)
		if err != nil {
			t.Fatalf("EnqueueRun() error = %v", err)
		}

		if ok {
			t.Error("EnqueueRun() created = true, want false for existing slot")
		}

		if existing.ID != runA.ID {
			t.Errorf("EnqueueRun() ID = %s, want %s", existing.ID, runA.ID)
		}
	})

	t.Run("slot held by a different identity is rejected", func(t *testing.T) {
		drifted := newQueuedRun(expID, itemID, "seed=1", altSpecHash)

		_, _, err := store.EnqueueRun(ctx, drifted)
		if !errors.Is(err, experiment.ErrDuplicateRun) {
			t.Errorf("EnqueueRun() error = %v, want ErrDuplicateRun", err)
		}
	})

	t.Run("enqueue for a missing experiment is rejected", func(t *testing.T) {
		orphan := newQueuedRun("exp-ghost", itemID, "seed=1", testSpecHash)

		_, _, err := store.EnqueueRun(ctx, orphan)
		if !errors.Is(err, experiment.ErrNotFound) {
			t.Errorf("EnqueueRun() error = %v, want ErrNotFound", err)
		}
	})

	t.Run("get run round-trips", func(t *testing.T) {
		got, err := store.GetRun(ctx, runA.ID)
		if err != nil {
			t.Fatalf("GetRun() error = %v", err)
		}

		if got.ExperimentID != expID || got.ItemID != itemID || got.VariantKey != "seed=1" {
			t.Errorf("GetRun() slot = (%s, %s, %s)", got.ExperimentID, got.ItemID, got.VariantKey)
		}

		if got.SpecHash != testSpecHash {
			t.Errorf("GetRun() SpecHash = %s, want %s", got.SpecHash, testSpecHash)
		}
	})

	t.Run("get missing run", func(t *testing.T) {
		_, err := store.GetRun(ctx, strings.Repeat("0", 64))
		if !errors.Is(err, experiment.ErrNotFound) {
			t.Errorf("GetRun() error = %v, want ErrNotFound", err)
		}
	})

	t.Run("claim stamps worker and attempt", func(t *testing.T) {
		if _, _, err := store.EnqueueRun(ctx, runB); err != nil {
			t.Fatalf("EnqueueRun() error = %v", err)
		}

		// Oldest queued run is claimed first.
		claimed, err := store.ClaimQueuedRuns(ctx, 1, "worker-1")
		if err != nil {
			t.Fatalf("ClaimQueuedRuns() error = %v", err)
		}

		if len(claimed) != 1 {
			t.Fatalf("ClaimQueuedRuns() claimed %d runs, want 1", len(claimed))
		}

		got := claimed[0]
		if got.ID != runA.ID {
			t.Errorf("ClaimQueuedRuns() claimed %s, want oldest run %s", got.ID, runA.ID)
		}

		if got.Status != experiment.RunStatusRunning {
			t.Errorf("ClaimQueuedRuns() Status = %q, want running", got.Status)
		}

		if got.WorkerID == nil || *got.WorkerID != "worker-1" {
			t.Errorf("ClaimQueuedRuns() WorkerID = %v, want worker-1", got.WorkerID)
		}

		if got.StartedAt == nil {
			t.Error("ClaimQueuedRuns() did not stamp StartedAt")
		}

		if got.Attempt != 1 {
			t.Errorf("ClaimQueuedRuns() Attempt = %d, want 1", got.Attempt)
		}
	})

	t.Run("claims are disjoint", func(t *testing.T) {
		// Only runB is still queued; runA is already running.
		claimed, err := store.ClaimQueuedRuns(ctx, 10, "worker-2")
		if err != nil {
			t.Fatalf("ClaimQueuedRuns() error = %v", err)
		}

		if len(claimed) != 1 || claimed[0].ID != runB.ID {
			t.Fatalf("ClaimQueuedRuns() = %d runs, want just %s", len(claimed), runB.ID)
		}

		if *claimed[0].WorkerID != "worker-2" {
			t.Errorf("ClaimQueuedRuns() WorkerID = %s, want worker-2", *claimed[0].WorkerID)
		}
	})

	t.Run("claim with empty queue returns nothing", func(t *testing.T) {
		claimed, err := store.ClaimQueuedRuns(ctx, 10, "worker-3")
		if err != nil {
			t.Fatalf("ClaimQueuedRuns() error = %v", err)
		}

		if len(claimed) != 0 {
			t.Errorf("ClaimQueuedRuns() claimed %d runs, want 0", len(claimed))
		}
	})

	t.Run("claim validates arguments", func(t *testing.T) {
		if _, err := store.ClaimQueuedRuns(ctx, 1, ""); !errors.Is(err, ErrInvalidArgument) {
			t.Errorf("ClaimQueuedRuns(empty worker) error = %v, want ErrInvalidArgument", err)
		}

		claimed, err := store.ClaimQueuedRuns(ctx, 0, "worker-1")
		if err != nil {
			t.Fatalf("ClaimQueuedRuns(limit 0) error = %v", err)
		}

		if len(claimed) != 0 {
			t.Errorf("ClaimQueuedRuns(limit 0) claimed %d runs, want 0", len(claimed))
		}
	})

	t.Run("queued run cannot finish", func(t *testing.T) {
		if _, _, err := store.EnqueueRun(ctx, runC); err != nil {
			t.Fatalf("EnqueueRun() error = %v", err)
		}

		err := store.FinishRun(ctx, runC.ID, experiment.Succeeded{
			CanonURI:    identity.CanonURI(runC.ID),
			CanonSHA256: strings.Repeat("ef", 32),
		})
		if !errors.Is(err, experiment.ErrInvalidStatusTransition) {
			t.Errorf("FinishRun(queued) error = %v, want ErrInvalidStatusTransition", err)
		}
	})

	t.Run("finish succeeded stamps the canonical artifact", func(t *testing.T) {
		canonURI := identity.CanonURI(runA.ID)
		canonSHA := strings.Repeat("ef", 32)

		err := store.FinishRun(ctx, runA.ID, experiment.Succeeded{
			CanonURI:    canonURI,
			CanonSHA256: canonSHA,
		})
		if err != nil {
			t.Fatalf("FinishRun() error = %v", err)
		}

		got, err := store.GetRun(ctx, runA.ID)
		if err != nil {
			t.Fatalf("GetRun() error = %v", err)
		}

		if got.Status != experiment.RunStatusSucceeded {
			t.Errorf("GetRun() Status = %q, want succeeded", got.Status)
		}

		if got.OutputCanonURI == nil || *got.OutputCanonURI != canonURI {
			t.Errorf("GetRun() OutputCanonURI = %v, want %q", got.OutputCanonURI, canonURI)
		}

		if got.OutputSHA256 == nil || *got.OutputSHA256 != canonSHA {
			t.Errorf("GetRun() OutputSHA256 = %v, want %q", got.OutputSHA256, canonSHA)
		}

		if got.EndedAt == nil {
			t.Error("GetRun() EndedAt not stamped")
		}
	})

	t.Run("terminal runs are immutable", func(t *testing.T) {
		err := store.FinishRun(ctx, runA.ID, experiment.Failed{
			ErrorCode:   experiment.ErrorCodeProvider,
			ErrorDetail: "too late",
		})
		if !errors.Is(err, experiment.ErrInvalidStatusTransition) {
			t.Errorf("FinishRun(succeeded) error = %v, want ErrInvalidStatusTransition", err)
		}
	})

	t.Run("finish failed records the classification", func(t *testing.T) {
		err := store.FinishRun(ctx, runB.ID, experiment.Failed{
			ErrorCode:   experiment.ErrorCodeProvider,
			ErrorDetail: "provider quota exhausted",
		})
		if err != nil {
			t.Fatalf("FinishRun() error = %v", err)
		}

		got, err := store.GetRun(ctx, runB.ID)
		if err != nil {
			t.Fatalf("GetRun() error = %v", err)
		}

		if got.Status != experiment.RunStatusFailed {
			t.Errorf("GetRun() Status = %q, want failed", got.Status)
		}

		if got.ErrorCode == nil || *got.ErrorCode != experiment.ErrorCodeProvider {
			t.Errorf("GetRun() ErrorCode = %v, want Provider", got.ErrorCode)
		}

		if got.ErrorDetail == nil || *got.ErrorDetail != "provider quota exhausted" {
			t.Errorf("GetRun() ErrorDetail = %v", got.ErrorDetail)
		}
	})

	t.Run("unknown error code is rejected", func(t *testing.T) {
		err := store.FinishRun(ctx, runC.ID, experiment.Failed{ErrorCode: "Nonsense"})
		if !errors.Is(err, ErrInvalidArgument) {
			t.Errorf("FinishRun() error = %v, want ErrInvalidArgument", err)
		}
	})

	t.Run("finish missing run", func(t *testing.T) {
		err := store.FinishRun(ctx, strings.Repeat("0", 64), experiment.Succeeded{
			CanonURI:    "runs/none/output_canon.mp4",
			CanonSHA256: strings.Repeat("ef", 32),
		})
		if !errors.Is(err, experiment.ErrNotFound) {
			t.Errorf("FinishRun() error = %v, want ErrNotFound", err)
		}
	})

	t.Run("requeue clears failure bookkeeping", func(t *testing.T) {
		if err := store.RequeueFailedRun(ctx, runB.ID); err != nil {
			t.Fatalf("RequeueFailedRun() error = %v", err)
		}

		got, err := store.GetRun(ctx, runB.ID)
		if err != nil {
			t.Fatalf("GetRun() error = %v", err)
		}

		if got.Status != experiment.RunStatusQueued {
			t.Errorf("GetRun() Status = %q, want queued", got.Status)
		}

		if got.ErrorCode != nil || got.ErrorDetail != nil {
			t.Errorf("GetRun() error fields = (%v, %v), want cleared", got.ErrorCode, got.ErrorDetail)
		}

		if got.WorkerID != nil || got.StartedAt != nil || got.EndedAt != nil {
			t.Error("GetRun() worker bookkeeping not cleared")
		}

		// Attempt survives the requeue so total claims stay visible.
		if got.Attempt != 1 {
			t.Errorf("GetRun() Attempt = %d, want 1", got.Attempt)
		}
	})

	t.Run("requeue requires a failed run", func(t *testing.T) {
		err := store.RequeueFailedRun(ctx, runA.ID)
		if !errors.Is(err, experiment.ErrInvalidStatusTransition) {
			t.Errorf("RequeueFailedRun(succeeded) error = %v, want ErrInvalidStatusTransition", err)
		}

		err = store.RequeueFailedRun(ctx, strings.Repeat("0", 64))
		if !errors.Is(err, experiment.ErrNotFound) {
			t.Errorf("RequeueFailedRun(missing) error = %v, want ErrNotFound", err)
		}
	})

	t.Run("second claim increments the attempt counter", func(t *testing.T) {
		// runB (requeued) is older than runC, so a single claim takes runB.
		claimed, err := store.ClaimQueuedRuns(ctx, 1, "worker-1")
		if err != nil {
			t.Fatalf("ClaimQueuedRuns() error = %v", err)
		}

		if len(claimed) != 1 || claimed[0].ID != runB.ID {
			t.Fatalf("ClaimQueuedRuns() = %d runs, want requeued run %s", len(claimed), runB.ID)
		}

		if claimed[0].Attempt != 2 {
			t.Errorf("ClaimQueuedRuns() Attempt = %d, want 2", claimed[0].Attempt)
		}
	})

	t.Run("list runs by status", func(t *testing.T) {
		queued, err := store.ListRunsByStatus(ctx, expID, experiment.RunStatusQueued)
		if err != nil {
			t.Fatalf("ListRunsByStatus() error = %v", err)
		}

		if len(queued) != 1 || queued[0].ID != runC.ID {
			t.Errorf("ListRunsByStatus(queued) = %d runs, want just %s", len(queued), runC.ID)
		}

		all, err := store.ListRuns(ctx, expID)
		if err != nil {
			t.Fatalf("ListRuns() error = %v", err)
		}

		if len(all) != 3 {
			t.Errorf("ListRuns() = %d runs, want 3", len(all))
		}

		if _, err := store.ListRunsByStatus(ctx, expID, experiment.RunStatus("paused")); !errors.Is(err, ErrInvalidArgument) {
			t.Errorf("ListRunsByStatus(invalid) error = %v, want ErrInvalidArgument", err)
		}
	})

	t.Run("count runs by status spans the table", func(t *testing.T) {
		counts, err := store.CountRunsByStatus(ctx)
		if err != nil {
			t.Fatalf("CountRunsByStatus() error = %v", err)
		}

		want := map[experiment.RunStatus]int{
			experiment.RunStatusQueued:    1,
			experiment.RunStatusRunning:   1,
			experiment.RunStatusSucceeded: 1,
		}

		if !reflect.DeepEqual(counts, want) {
			t.Errorf("CountRunsByStatus() = %v, want %v", counts, want)
		}
	})
}

func TestProviderCallCostGateIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	container, conn := setupTestDatabase(ctx, t)

	defer func() {
		_ = conn.Close()
		_ = container.Terminate(ctx)
	}()

	store, err := NewExperimentStore(conn)
	if err != nil {
		t.Fatalf("NewExperimentStore() error = %v", err)
	}

	expID, itemID := seedCatalog(ctx, t, store)

	runA := newQueuedRun(expID, itemID, "seed=1", testSpecHash)
	runB := newQueuedRun(expID, itemID, "seed=2", testSpecHash)

	for _, run := range []*experiment.Run{runA, runB} {
		if _, _, err := store.EnqueueRun(ctx, run); err != nil {
			t.Fatalf("EnqueueRun() error = %v", err)
		}
	}

	keyShared := identity.ProviderIdempotencyKey("mock", testSpecHash)
	keyFailing := identity.ProviderIdempotencyKey("mock", altSpecHash)

	var firstCallID string

	t.Run("first call owns the key", func(t *testing.T) {
		call, reused, err := store.UpsertProviderCallStarted(ctx, runA.ID, "mock", keyShared)
		if err != nil {
			t.Fatalf("UpsertProviderCallStarted() error = %v", err)
		}

		if reused {
			t.Error("UpsertProviderCallStarted() reused = true, want false")
		}

		if call.Status != experiment.ProviderCallStatusCreated {
			t.Errorf("UpsertProviderCallStarted() Status = %q, want created", call.Status)
		}

		if call.Attempt != 1 {
			t.Errorf("UpsertProviderCallStarted() Attempt = %d, want 1", call.Attempt)
		}

		if call.RunID != runA.ID {
			t.Errorf("UpsertProviderCallStarted() RunID = %s, want %s", call.RunID, runA.ID)
		}

		firstCallID = call.ID
	})

	t.Run("retry before completion bumps the attempt", func(t *testing.T) {
		call, reused, err := store.UpsertProviderCallStarted(ctx, runA.ID, "mock", keyShared)
		if err != nil {
			t.Fatalf("UpsertProviderCallStarted() error = %v", err)
		}

		if reused {
			t.Error("UpsertProviderCallStarted() reused = true, want false for created holder")
		}

		if call.ID != firstCallID {
			t.Errorf("UpsertProviderCallStarted() ID = %s, want existing call %s", call.ID, firstCallID)
		}

		if call.Attempt != 2 {
			t.Errorf("UpsertProviderCallStarted() Attempt = %d, want 2", call.Attempt)
		}
	})

	t.Run("completing the call stores the artifact", func(t *testing.T) {
		jobID := "mock-job-0001"
		cost := 0.25
		latency := int64(1840)

		err := store.CompleteProviderCall(ctx, firstCallID, experiment.ProviderCallResult{
			RawArtifactURI:    "runs/" + runA.ID + "/raw/provider_output.bin",
			RawArtifactSHA256: strings.Repeat("12", 32),
			ProviderJobID:     &jobID,
			Cost:              &cost,
			LatencyMs:         &latency,
		})
		if err != nil {
			t.Fatalf("CompleteProviderCall() error = %v", err)
		}

		calls, err := store.ListProviderCalls(ctx, runA.ID)
		if err != nil {
			t.Fatalf("ListProviderCalls() error = %v", err)
		}

		if len(calls) != 1 {
			t.Fatalf("ListProviderCalls() = %d calls, want 1", len(calls))
		}

		got := calls[0]
		if got.Status != experiment.ProviderCallStatusCompleted {
			t.Errorf("ListProviderCalls() Status = %q, want completed", got.Status)
		}

		if got.RawArtifactURI == nil || !strings.HasSuffix(*got.RawArtifactURI, "provider_output.bin") {
			t.Errorf("ListProviderCalls() RawArtifactURI = %v", got.RawArtifactURI)
		}

		if got.ProviderJobID == nil || *got.ProviderJobID != jobID {
			t.Errorf("ListProviderCalls() ProviderJobID = %v, want %q", got.ProviderJobID, jobID)
		}

		if got.Cost == nil || *got.Cost != cost {
			t.Errorf("ListProviderCalls() Cost = %v, want %v", got.Cost, cost)
		}

		if got.LatencyMs == nil || *got.LatencyMs != latency {
			t.Errorf("ListProviderCalls() LatencyMs = %v, want %v", got.LatencyMs, latency)
		}
	})

	t.Run("completed call is reused across runs", func(t *testing.T) {
		call, reused, err := store.UpsertProviderCallStarted(ctx, runB.ID, "mock", keyShared)
		if err != nil {
			t.Fatalf("UpsertProviderCallStarted() error = %v", err)
		}

		if !reused {
			t.Error("UpsertProviderCallStarted() reused = false, want true for completed holder")
		}

		// The call row still belongs to the run that first paid for it.
		if call.RunID != runA.ID {
			t.Errorf("UpsertProviderCallStarted() RunID = %s, want original %s", call.RunID, runA.ID)
		}

		if call.RawArtifactURI == nil || call.RawArtifactSHA256 == nil {
			t.Error("UpsertProviderCallStarted() reused call lacks artifact fields")
		}

		// Reuse must not create a second row for the reusing run.
		calls, err := store.ListProviderCalls(ctx, runB.ID)
		if err != nil {
			t.Fatalf("ListProviderCalls() error = %v", err)
		}

		if len(calls) != 0 {
			t.Errorf("ListProviderCalls(reusing run) = %d calls, want 0", len(calls))
		}
	})

	t.Run("complete requires a created call", func(t *testing.T) {
		err := store.CompleteProviderCall(ctx, firstCallID, experiment.ProviderCallResult{
			RawArtifactURI:    "runs/other/raw.bin",
			RawArtifactSHA256: strings.Repeat("34", 32),
		})
		if !errors.Is(err, experiment.ErrInvalidStatusTransition) {
			t.Errorf("CompleteProviderCall(completed) error = %v, want ErrInvalidStatusTransition", err)
		}
	})

	t.Run("complete requires the artifact", func(t *testing.T) {
		err := store.CompleteProviderCall(ctx, firstCallID, experiment.ProviderCallResult{})
		if !errors.Is(err, ErrInvalidArgument) {
			t.Errorf("CompleteProviderCall(no artifact) error = %v, want ErrInvalidArgument", err)
		}
	})

	t.Run("complete missing call", func(t *testing.T) {
		err := store.CompleteProviderCall(ctx, "call-ghost", experiment.ProviderCallResult{
			RawArtifactURI:    "runs/none/raw.bin",
			RawArtifactSHA256: strings.Repeat("34", 32),
		})
		if !errors.Is(err, experiment.ErrNotFound) {
			t.Errorf("CompleteProviderCall(missing) error = %v, want ErrNotFound", err)
		}
	})

	t.Run("failed call keeps holding the key", func(t *testing.T) {
		call, reused, err := store.UpsertProviderCallStarted(ctx, runB.ID, "mock", keyFailing)
		if err != nil {
			t.Fatalf("UpsertProviderCallStarted() error = %v", err)
		}

		if reused {
			t.Fatal("UpsertProviderCallStarted() reused = true, want false")
		}

		if err := store.FailProviderCall(ctx, call.ID, "provider quota exhausted"); err != nil {
			t.Fatalf("FailProviderCall() error = %v", err)
		}

		_, _, err = store.UpsertProviderCallStarted(ctx, runB.ID, "mock", keyFailing)
		if !errors.Is(err, experiment.ErrIdempotencyKeyHeld) {
			t.Errorf("UpsertProviderCallStarted(failed holder) error = %v, want ErrIdempotencyKeyHeld", err)
		}

		// The failure detail is persisted for operators.
		calls, err := store.ListProviderCalls(ctx, runB.ID)
		if err != nil {
			t.Fatalf("ListProviderCalls() error = %v", err)
		}

		if len(calls) != 1 {
			t.Fatalf("ListProviderCalls() = %d calls, want 1", len(calls))
		}

		if calls[0].Status != experiment.ProviderCallStatusFailed {
			t.Errorf("ListProviderCalls() Status = %q, want failed", calls[0].Status)
		}

		if calls[0].ErrorDetail == nil || !strings.Contains(*calls[0].ErrorDetail, "quota exhausted") {
			t.Errorf("ListProviderCalls() ErrorDetail = %v", calls[0].ErrorDetail)
		}
	})

	t.Run("fail requires a created call", func(t *testing.T) {
		err := store.FailProviderCall(ctx, firstCallID, "late failure")
		if !errors.Is(err, experiment.ErrInvalidStatusTransition) {
			t.Errorf("FailProviderCall(completed) error = %v, want ErrInvalidStatusTransition", err)
		}

		err = store.FailProviderCall(ctx, "call-ghost", "no such call")
		if !errors.Is(err, experiment.ErrNotFound) {
			t.Errorf("FailProviderCall(missing) error = %v, want ErrNotFound", err)
		}
	})

	t.Run("upsert validates arguments", func(t *testing.T) {
		if _, _, err := store.UpsertProviderCallStarted(ctx, "", "mock", keyShared); !errors.Is(err, ErrInvalidArgument) {
			t.Errorf("UpsertProviderCallStarted(empty run) error = %v, want ErrInvalidArgument", err)
		}

		if _, _, err := store.UpsertProviderCallStarted(ctx, runA.ID, "", keyShared); !errors.Is(err, ErrInvalidArgument) {
			t.Errorf("UpsertProviderCallStarted(empty provider) error = %v, want ErrInvalidArgument", err)
		}

		if _, _, err := store.UpsertProviderCallStarted(ctx, runA.ID, "mock", "not-a-digest"); !errors.Is(err, ErrInvalidArgument) {
			t.Errorf("UpsertProviderCallStarted(bad key) error = %v, want ErrInvalidArgument", err)
		}
	})

	t.Run("upsert for a missing run", func(t *testing.T) {
		key := identity.ProviderIdempotencyKey("mock", strings.Repeat("56", 32))

		_, _, err := store.UpsertProviderCallStarted(ctx, strings.Repeat("0", 64), "mock", key)
		if !errors.Is(err, experiment.ErrNotFound) {
			t.Errorf("UpsertProviderCallStarted(missing run) error = %v, want ErrNotFound", err)
		}
	})
}

func TestMetricResultsIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	container, conn := setupTestDatabase(ctx, t)

	defer func() {
		_ = conn.Close()
		_ = container.Terminate(ctx)
	}()

	store, err := NewExperimentStore(conn)
	if err != nil {
		t.Fatalf("NewExperimentStore() error = %v", err)
	}

	expID, itemID := seedCatalog(ctx, t, store)

	run := newQueuedRun(expID, itemID, "seed=1", testSpecHash)
	if _, _, err := store.EnqueueRun(ctx, run); err != nil {
		t.Fatalf("EnqueueRun() error = %v", err)
	}

	t.Run("write and read a computed bundle", func(t *testing.T) {
		result := &experiment.MetricResult{
			RunID:         run.ID,
			MetricName:    "MetricBundleV1",
			MetricVersion: "1",
			Status:        experiment.MetricResultStatusComputed,
			Value:         `{"decode_ok":true,"blur_score":41.5}`,
		}

		if err := store.WriteMetricResult(ctx, result); err != nil {
			t.Fatalf("WriteMetricResult() error = %v", err)
		}

		if result.ID == "" {
			t.Error("WriteMetricResult() did not assign an ID")
		}

		got, err := store.GetMetricResult(ctx, run.ID, "MetricBundleV1", "1")
		if err != nil {
			t.Fatalf("GetMetricResult() error = %v", err)
		}

		if got.Status != experiment.MetricResultStatusComputed {
			t.Errorf("GetMetricResult() Status = %q, want computed", got.Status)
		}

		// JSONB normalizes the document, so compare semantically.
		var bundle map[string]interface{}
		if err := json.Unmarshal([]byte(got.Value), &bundle); err != nil {
			t.Fatalf("GetMetricResult() Value %q is not JSON: %v", got.Value, err)
		}

		if bundle["decode_ok"] != true {
			t.Errorf("GetMetricResult() decode_ok = %v, want true", bundle["decode_ok"])
		}

		if bundle["blur_score"] != 41.5 {
			t.Errorf("GetMetricResult() blur_score = %v, want 41.5", bundle["blur_score"])
		}
	})

	t.Run("same version writes exactly once", func(t *testing.T) {
		dup := &experiment.MetricResult{
			RunID:         run.ID,
			MetricName:    "MetricBundleV1",
			MetricVersion: "1",
			Status:        experiment.MetricResultStatusComputed,
			Value:         `{"decode_ok":false}`,
		}

		err := store.WriteMetricResult(ctx, dup)
		if !errors.Is(err, experiment.ErrDuplicateMetricResult) {
			t.Errorf("WriteMetricResult(duplicate) error = %v, want ErrDuplicateMetricResult", err)
		}
	})

	t.Run("new version coexists with the old one", func(t *testing.T) {
		v2 := &experiment.MetricResult{
			RunID:         run.ID,
			MetricName:    "MetricBundleV1",
			MetricVersion: "2",
			Status:        experiment.MetricResultStatusComputed,
			Value:         `{"decode_ok":true,"flicker_score":2.5}`,
		}

		if err := store.WriteMetricResult(ctx, v2); err != nil {
			t.Fatalf("WriteMetricResult(v2) error = %v", err)
		}

		if _, err := store.GetMetricResult(ctx, run.ID, "MetricBundleV1", "1"); err != nil {
			t.Errorf("GetMetricResult(v1) error = %v", err)
		}

		if _, err := store.GetMetricResult(ctx, run.ID, "MetricBundleV1", "2"); err != nil {
			t.Errorf("GetMetricResult(v2) error = %v", err)
		}
	})

	t.Run("failed computation keeps an explicit row", func(t *testing.T) {
		detail := "ffprobe exited 1"
		failed := &experiment.MetricResult{
			RunID:         run.ID,
			MetricName:    "MetricBundleV1",
			MetricVersion: "3",
			Status:        experiment.MetricResultStatusFailed,
			ErrorDetail:   &detail,
		}

		if err := store.WriteMetricResult(ctx, failed); err != nil {
			t.Fatalf("WriteMetricResult(failed) error = %v", err)
		}

		got, err := store.GetMetricResult(ctx, run.ID, "MetricBundleV1", "3")
		if err != nil {
			t.Fatalf("GetMetricResult() error = %v", err)
		}

		if got.Status != experiment.MetricResultStatusFailed {
			t.Errorf("GetMetricResult() Status = %q, want failed", got.Status)
		}

		if got.Value != "" {
			t.Errorf("GetMetricResult() Value = %q, want empty", got.Value)
		}

		if got.ErrorDetail == nil || *got.ErrorDetail != detail {
			t.Errorf("GetMetricResult() ErrorDetail = %v, want %q", got.ErrorDetail, detail)
		}
	})

	t.Run("write for a missing run", func(t *testing.T) {
		orphan := &experiment.MetricResult{
			RunID:         strings.Repeat("0", 64),
			MetricName:    "MetricBundleV1",
			MetricVersion: "1",
			Status:        experiment.MetricResultStatusComputed,
			Value:         `{}`,
		}

		err := store.WriteMetricResult(ctx, orphan)
		if !errors.Is(err, experiment.ErrNotFound) {
			t.Errorf("WriteMetricResult(missing run) error = %v, want ErrNotFound", err)
		}
	})

	t.Run("get missing result", func(t *testing.T) {
		_, err := store.GetMetricResult(ctx, run.ID, "MetricBundleV1", "99")
		if !errors.Is(err, experiment.ErrNotFound) {
			t.Errorf("GetMetricResult() error = %v, want ErrNotFound", err)
		}
	})
}

func TestHumanTasksIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	container, conn := setupTestDatabase(ctx, t)

	defer func() {
		_ = conn.Close()
		_ = container.Terminate(ctx)
	}()

	store, err := NewExperimentStore(conn)
	if err != nil {
		t.Fatalf("NewExperimentStore() error = %v", err)
	}

	expID, itemID := seedCatalog(ctx, t, store)

	// Three succeeded runs to pair up.
	seeds := []string{"seed=1", "seed=2", "seed=3"}
	runIDs := make([]string, 0, len(seeds))

	for _, variant := range seeds {
		run := newQueuedRun(expID, itemID, variant, testSpecHash)
		if _, _, err := store.EnqueueRun(ctx, run); err != nil {
			t.Fatalf("EnqueueRun() error = %v", err)
		}

		runIDs = append(runIDs, run.ID)
	}

	claimed, err := store.ClaimQueuedRuns(ctx, len(seeds), "worker-1")
	if err != nil || len(claimed) != len(seeds) {
		t.Fatalf("ClaimQueuedRuns() = %d runs, error = %v", len(claimed), err)
	}

	for _, run := range claimed {
		err := store.FinishRun(ctx, run.ID, experiment.Succeeded{
			CanonURI:    identity.CanonURI(run.ID),
			CanonSHA256: strings.Repeat("ef", 32),
		})
		if err != nil {
			t.Fatalf("FinishRun() error = %v", err)
		}
	}

	// Canonical pair order is lexicographic by run ID.
	sort.Strings(runIDs)
	r1, r2, r3 := runIDs[0], runIDs[1], runIDs[2]

	newTask := func(left, right string, flip bool) *experiment.Task {
		task := &experiment.Task{
			ID:                  identity.PairTaskID(expID, left, right),
			ExperimentID:        expID,
			LeftRunID:           left,
			RightRunID:          right,
			PresentedLeftRunID:  left,
			PresentedRightRunID: right,
			Flip:                flip,
		}
		if flip {
			task.PresentedLeftRunID, task.PresentedRightRunID = right, left
		}

		return task
	}

	task1 := newTask(r1, r2, true)
	task2 := newTask(r1, r3, false)

	t.Run("insert task with flipped presentation", func(t *testing.T) {
		if err := store.InsertTask(ctx, task1); err != nil {
			t.Fatalf("InsertTask() error = %v", err)
		}

		if task1.Status != experiment.TaskStatusOpen {
			t.Errorf("InsertTask() Status = %q, want open", task1.Status)
		}

		got, err := store.GetTask(ctx, task1.ID)
		if err != nil {
			t.Fatalf("GetTask() error = %v", err)
		}

		if got.TaskType != experiment.TaskTypePairwise {
			t.Errorf("GetTask() TaskType = %q, want pairwise", got.TaskType)
		}

		if !got.Flip {
			t.Error("GetTask() Flip = false, want true")
		}

		if got.LeftRunID != r1 || got.RightRunID != r2 {
			t.Errorf("GetTask() canonical pair = (%s, %s), want (%s, %s)",
				got.LeftRunID, got.RightRunID, r1, r2)
		}

		if got.PresentedLeftRunID != r2 || got.PresentedRightRunID != r1 {
			t.Errorf("GetTask() presented pair = (%s, %s), want swapped",
				got.PresentedLeftRunID, got.PresentedRightRunID)
		}
	})

	t.Run("same pair inserts exactly once", func(t *testing.T) {
		dup := newTask(r1, r2, false)

		err := store.InsertTask(ctx, dup)
		if !errors.Is(err, experiment.ErrDuplicateTask) {
			t.Errorf("InsertTask(duplicate) error = %v, want ErrDuplicateTask", err)
		}
	})

	t.Run("swapped orientation is the same pair", func(t *testing.T) {
		// (r2, r1) hashes to a different task ID, but the unordered pair
		// index still rejects it.
		swapped := newTask(r2, r1, false)

		err := store.InsertTask(ctx, swapped)
		if !errors.Is(err, experiment.ErrDuplicateTask) {
			t.Errorf("InsertTask(swapped) error = %v, want ErrDuplicateTask", err)
		}
	})

	t.Run("task referencing a missing run", func(t *testing.T) {
		ghost := newTask(r1, strings.Repeat("0", 64), false)

		err := store.InsertTask(ctx, ghost)
		if !errors.Is(err, experiment.ErrNotFound) {
			t.Errorf("InsertTask(missing run) error = %v, want ErrNotFound", err)
		}
	})

	t.Run("existing pairs are canonical", func(t *testing.T) {
		if err := store.InsertTask(ctx, task2); err != nil {
			t.Fatalf("InsertTask() error = %v", err)
		}

		pairs, err := store.ExistingPairs(ctx, expID)
		if err != nil {
			t.Fatalf("ExistingPairs() error = %v", err)
		}

		if len(pairs) != 2 {
			t.Errorf("ExistingPairs() = %d pairs, want 2", len(pairs))
		}

		if _, ok := pairs[experiment.NewPair(r2, r1)]; !ok {
			t.Error("ExistingPairs() missing pair (r1, r2) under swapped lookup")
		}

		if _, ok := pairs[experiment.NewPair(r1, r3)]; !ok {
			t.Error("ExistingPairs() missing pair (r1, r3)")
		}
	})

	t.Run("next open task drains the pool", func(t *testing.T) {
		got, err := store.NextOpenTask(ctx, expID)
		if err != nil {
			t.Fatalf("NextOpenTask() error = %v", err)
		}

		if got.ID != task1.ID && got.ID != task2.ID {
			t.Errorf("NextOpenTask() = %s, want one of the open tasks", got.ID)
		}
	})

	t.Run("list tasks by status", func(t *testing.T) {
		open, err := store.ListTasksByStatus(ctx, expID, experiment.TaskStatusOpen)
		if err != nil {
			t.Fatalf("ListTasksByStatus() error = %v", err)
		}

		if len(open) != 2 {
			t.Errorf("ListTasksByStatus(open) = %d tasks, want 2", len(open))
		}

		if _, err := store.ListTasksByStatus(ctx, expID, experiment.TaskStatus("stuck")); !errors.Is(err, ErrInvalidArgument) {
			t.Errorf("ListTasksByStatus(invalid) error = %v, want ErrInvalidArgument", err)
		}
	})

	t.Run("mark task done is idempotent", func(t *testing.T) {
		if err := store.MarkTaskDone(ctx, task2.ID); err != nil {
			t.Fatalf("MarkTaskDone() error = %v", err)
		}

		if err := store.MarkTaskDone(ctx, task2.ID); err != nil {
			t.Errorf("MarkTaskDone(done) error = %v, want nil", err)
		}

		got, err := store.GetTask(ctx, task2.ID)
		if err != nil {
			t.Fatalf("GetTask() error = %v", err)
		}

		if got.Status != experiment.TaskStatusDone {
			t.Errorf("GetTask() Status = %q, want done", got.Status)
		}

		err = store.MarkTaskDone(ctx, strings.Repeat("0", 64))
		if !errors.Is(err, experiment.ErrNotFound) {
			t.Errorf("MarkTaskDone(missing) error = %v, want ErrNotFound", err)
		}
	})

	t.Run("rating marks its task done", func(t *testing.T) {
		targetMatch := experiment.ChoiceRight
		notes := "left looked sharper"

		rating := &experiment.Rating{
			TaskID:            task1.ID,
			RaterID:           "rater-1",
			ChoiceRealism:     experiment.ChoiceLeft,
			ChoiceLipsync:     experiment.ChoiceTie,
			ChoiceTargetMatch: &targetMatch,
			Notes:             &notes,
		}

		if err := store.CreateRating(ctx, rating); err != nil {
			t.Fatalf("CreateRating() error = %v", err)
		}

		if rating.ID == "" {
			t.Error("CreateRating() did not assign an ID")
		}

		got, err := store.GetTask(ctx, task1.ID)
		if err != nil {
			t.Fatalf("GetTask() error = %v", err)
		}

		if got.Status != experiment.TaskStatusDone {
			t.Errorf("GetTask() Status = %q, want done after rating", got.Status)
		}
	})

	t.Run("ratings are append-only", func(t *testing.T) {
		second := &experiment.Rating{
			TaskID:        task1.ID,
			RaterID:       "rater-2",
			ChoiceRealism: experiment.ChoiceRight,
			ChoiceLipsync: experiment.ChoiceSkip,
		}

		if err := store.CreateRating(ctx, second); err != nil {
			t.Fatalf("CreateRating(second) error = %v", err)
		}

		ratings, err := store.ListRatings(ctx, expID)
		if err != nil {
			t.Fatalf("ListRatings() error = %v", err)
		}

		if len(ratings) != 2 {
			t.Fatalf("ListRatings() = %d ratings, want 2", len(ratings))
		}

		first := ratings[0]
		if first.RaterID != "rater-1" {
			t.Errorf("ListRatings() first rater = %q, want rater-1 (created first)", first.RaterID)
		}

		if first.ChoiceTargetMatch == nil || *first.ChoiceTargetMatch != experiment.ChoiceRight {
			t.Errorf("ListRatings() ChoiceTargetMatch = %v, want right", first.ChoiceTargetMatch)
		}

		if first.Notes == nil || *first.Notes != "left looked sharper" {
			t.Errorf("ListRatings() Notes = %v", first.Notes)
		}

		if ratings[1].ChoiceTargetMatch != nil {
			t.Errorf("ListRatings() second ChoiceTargetMatch = %v, want nil", ratings[1].ChoiceTargetMatch)
		}
	})

	t.Run("rating a missing task", func(t *testing.T) {
		orphan := &experiment.Rating{
			TaskID:        strings.Repeat("0", 64),
			RaterID:       "rater-1",
			ChoiceRealism: experiment.ChoiceLeft,
			ChoiceLipsync: experiment.ChoiceLeft,
		}

		err := store.CreateRating(ctx, orphan)
		if !errors.Is(err, experiment.ErrNotFound) {
			t.Errorf("CreateRating(missing task) error = %v, want ErrNotFound", err)
		}
	})

	t.Run("void tasks reject work", func(t *testing.T) {
		task3 := newTask(r2, r3, false)
		if err := store.InsertTask(ctx, task3); err != nil {
			t.Fatalf("InsertTask() error = %v", err)
		}

		// Void the task directly; no store operation voids tasks yet.
		if _, err := conn.ExecContext(ctx,
			`UPDATE human_tasks SET status = 'void' WHERE task_id = $1`, task3.ID,
		); err != nil {
			t.Fatalf("voiding task: %v", err)
		}

		err := store.MarkTaskDone(ctx, task3.ID)
		if !errors.Is(err, experiment.ErrInvalidStatusTransition) {
			t.Errorf("MarkTaskDone(void) error = %v, want ErrInvalidStatusTransition", err)
		}

		rating := &experiment.Rating{
			TaskID:        task3.ID,
			RaterID:       "rater-1",
			ChoiceRealism: experiment.ChoiceLeft,
			ChoiceLipsync: experiment.ChoiceLeft,
		}

		err = store.CreateRating(ctx, rating)
		if !errors.Is(err, experiment.ErrInvalidStatusTransition) {
			t.Errorf("CreateRating(void) error = %v, want ErrInvalidStatusTransition", err)
		}

		// Every task is now done or void, so the pool is empty.
		_, err = store.NextOpenTask(ctx, expID)
		if !errors.Is(err, experiment.ErrNotFound) {
			t.Errorf("NextOpenTask(drained) error = %v, want ErrNotFound", err)
		}
	})
}
