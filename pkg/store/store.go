package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethpandaops/impersonatoor/pkg/config"
	"github.com/glebarez/sqlite"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// RunFilter narrows ListRuns.
type RunFilter struct {
	State         State
	ScenarioID    string
	SystemVersion string
	Limit         int
}

// Store is the persistence adapter for runs, scenarios, reviewers,
// trajectories and results. The claim, state and time-usage operations
// are single guarded UPDATE statements evaluated by the database, so they
// stay atomic across processes sharing the same database.
type Store interface {
	Start(ctx context.Context) error
	Stop() error

	// SelectOldestEligibleRun returns the oldest paused run, or nil.
	SelectOldestEligibleRun(ctx context.Context) (*Run, error)
	// ClaimRun moves a run from paused to running if and only if it is
	// still paused, reporting whether this caller won.
	ClaimRun(ctx context.Context, id string) (bool, error)
	// UpdateRunState applies a guarded transition. It never changes a
	// terminal row and reports whether the row changed.
	UpdateRunState(ctx context.Context, id string, state State) (bool, error)
	// AccumulateTimeUsage atomically adds delta to the run's time usage.
	AccumulateTimeUsage(ctx context.Context, id string, delta time.Duration) error
	// ListRunsExceedingTimeout returns non-terminal runs whose time usage
	// exceeds their scenario's timeout budget.
	ListRunsExceedingTimeout(ctx context.Context) ([]Run, error)

	GetRun(ctx context.Context, id string) (*Run, error)
	CreateRun(ctx context.Context, run *Run) error
	// CreateRunWithOpening creates a paused run and its first impersonator
	// trajectory entry in one transaction.
	CreateRunWithOpening(ctx context.Context, run *Run, opening string) error
	ListRuns(ctx context.Context, filter RunFilter) ([]Run, error)

	// AppendTrajectoryMessage appends one entry to a run's trajectory.
	AppendTrajectoryMessage(
		ctx context.Context, runID string, role Role, content string,
	) (*TrajectoryMessage, error)
	// ReadTrajectory returns a run's trajectory in creation order.
	ReadTrajectory(ctx context.Context, runID string) ([]TrajectoryMessage, error)

	// InsertResult stores a write-once Result. reviewerID is nil for
	// diagnostic results.
	InsertResult(
		ctx context.Context, runID string, reviewerID *string, payload ResultPayload,
	) (*Result, error)
	ListResults(ctx context.Context, runID string) ([]Result, error)
	ListScoredResults(ctx context.Context, systemVersion string) ([]ScoredResult, error)

	// ClaimReview marks a terminal run's review as started if nobody has
	// started it yet, reporting whether this caller won.
	ClaimReview(ctx context.Context, runID string) (bool, error)
	CompleteReview(ctx context.Context, runID string) error
	// ReleaseReview clears the start mark of a review that has not
	// completed, making the run pending again.
	ReleaseReview(ctx context.Context, runID string) error
	// SelectOldestUnreviewedRun returns the oldest terminal run whose
	// review has not started, or nil.
	SelectOldestUnreviewedRun(ctx context.Context) (*Run, error)

	GetScenario(ctx context.Context, id string) (*Scenario, error)
	ListScenarios(ctx context.Context) ([]Scenario, error)
	ListScenarioReviewers(ctx context.Context, scenarioID string) ([]Reviewer, error)

	// SeedCatalog upserts catalog scenarios and reviewers by name.
	SeedCatalog(ctx context.Context, catalog *config.Catalog) error
}

// Compile-time interface check.
var _ Store = (*store)(nil)

type store struct {
	log logrus.FieldLogger
	cfg *config.DatabaseConfig
	db  *gorm.DB
	now func() time.Time
}

// NewStore creates a new Store backed by the configured database driver.
func NewStore(
	log logrus.FieldLogger,
	cfg *config.DatabaseConfig,
) Store {
	return &store{
		log: log.WithField("component", "store"),
		cfg: cfg,
		now: func() time.Time { return time.Now().UTC() },
	}
}

// Start opens the database connection and runs migrations.
func (s *store) Start(ctx context.Context) error {
	var dialector gorm.Dialector

	gormCfg := &gorm.Config{
		Logger:  logger.Discard,
		NowFunc: s.now,
	}

	switch s.cfg.Driver {
	case "sqlite":
		dialector = sqlite.Open(s.cfg.SQLite.Path)
	case "postgres":
		dsn := fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			s.cfg.Postgres.Host,
			s.cfg.Postgres.Port,
			s.cfg.Postgres.User,
			s.cfg.Postgres.Password,
			s.cfg.Postgres.Database,
			s.cfg.Postgres.SSLMode,
		)
		dialector = postgres.Open(dsn)
	default:
		return fmt.Errorf("unsupported database driver: %s", s.cfg.Driver)
	}

	db, err := gorm.Open(dialector, gormCfg)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}

	s.db = db

	if s.cfg.MaxOpenConns > 0 {
		sqlDB, err := s.db.DB()
		if err != nil {
			return fmt.Errorf("getting underlying db: %w", err)
		}

		sqlDB.SetMaxOpenConns(s.cfg.MaxOpenConns)
	}

	if err := s.db.WithContext(ctx).AutoMigrate(
		&Scenario{},
		&Reviewer{},
		&ScenarioReviewer{},
		&Run{},
		&TrajectoryMessage{},
		&Result{},
	); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	s.log.WithField("driver", s.cfg.Driver).Info("Database connected")

	return nil
}

// Stop closes the underlying database connection.
func (s *store) Stop() error {
	if s.db == nil {
		return nil
	}

	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("getting underlying db: %w", err)
	}

	return sqlDB.Close()
}

func notFound(err error, what string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}

	return fmt.Errorf("%s: %w", what, err)
}

// --- Runs ---

func (s *store) SelectOldestEligibleRun(ctx context.Context) (*Run, error) {
	var runs []Run
	if err := s.db.WithContext(ctx).
		Where("state = ?", StatePaused).
		Order("created_at ASC, id ASC").
		Limit(1).
		Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("selecting eligible run: %w", err)
	}

	if len(runs) == 0 {
		return nil, nil
	}

	return &runs[0], nil
}

func (s *store) ClaimRun(ctx context.Context, id string) (bool, error) {
	result := s.db.WithContext(ctx).
		Model(&Run{}).
		Where("id = ? AND state = ?", id, StatePaused).
		Update("state", StateRunning)
	if result.Error != nil {
		return false, fmt.Errorf("claiming run: %w", result.Error)
	}

	return result.RowsAffected == 1, nil
}

func (s *store) UpdateRunState(
	ctx context.Context, id string, state State,
) (bool, error) {
	if state == StateRunning {
		return false, fmt.Errorf("running is only entered through ClaimRun")
	}

	sources := sourcesFor(state)
	if len(sources) == 0 {
		return false, fmt.Errorf("no transition leads to state %q", state)
	}

	result := s.db.WithContext(ctx).
		Model(&Run{}).
		Where("id = ? AND state IN ?", id, sources).
		Update("state", state)
	if result.Error != nil {
		return false, fmt.Errorf("updating run state: %w", result.Error)
	}

	return result.RowsAffected == 1, nil
}

func (s *store) AccumulateTimeUsage(
	ctx context.Context, id string, delta time.Duration,
) error {
	if delta < 0 {
		return fmt.Errorf("time usage delta must not be negative: %s", delta)
	}

	ms := delta.Milliseconds()
	if ms == 0 && delta > 0 {
		ms = 1
	}

	if err := s.db.WithContext(ctx).
		Model(&Run{}).
		Where("id = ?", id).
		UpdateColumn("time_usage_ms", gorm.Expr("time_usage_ms + ?", ms)).
		Error; err != nil {
		return fmt.Errorf("accumulating time usage: %w", err)
	}

	return nil
}

func (s *store) ListRunsExceedingTimeout(ctx context.Context) ([]Run, error) {
	var runs []Run
	if err := s.db.WithContext(ctx).
		Joins("JOIN scenarios ON scenarios.id = runs.scenario_id").
		Where("runs.state IN ?", nonTerminalStates).
		Where("runs.time_usage_ms > scenarios.timeout_seconds * 1000").
		Order("runs.created_at ASC").
		Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("listing timed out runs: %w", err)
	}

	return runs, nil
}

func (s *store) GetRun(ctx context.Context, id string) (*Run, error) {
	var run Run
	if err := s.db.WithContext(ctx).
		Where("id = ?", id).
		First(&run).Error; err != nil {
		return nil, notFound(err, "getting run")
	}

	return &run, nil
}

func (s *store) CreateRun(ctx context.Context, run *Run) error {
	if err := checkNewRun(run); err != nil {
		return err
	}

	if err := s.db.WithContext(ctx).Create(run).Error; err != nil {
		return fmt.Errorf("creating run: %w", err)
	}

	return nil
}

func (s *store) CreateRunWithOpening(ctx context.Context, run *Run, opening string) error {
	if err := checkNewRun(run); err != nil {
		return err
	}

	if opening == "" {
		return fmt.Errorf("opening request is empty")
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(run).Error; err != nil {
			return fmt.Errorf("creating run: %w", err)
		}

		msg := &TrajectoryMessage{
			RunID:   run.ID,
			Role:    RoleImpersonator,
			Content: opening,
		}

		if err := tx.Create(msg).Error; err != nil {
			return fmt.Errorf("recording opening request: %w", err)
		}

		return nil
	})
}

func checkNewRun(run *Run) error {
	if run.State == "" {
		run.State = StatePaused
	}

	if run.State != StatePaused {
		return fmt.Errorf("runs must be created paused, got %q", run.State)
	}

	return nil
}

func (s *store) ListRuns(ctx context.Context, filter RunFilter) ([]Run, error) {
	q := s.db.WithContext(ctx).Order("created_at DESC, id ASC")

	if filter.State != "" {
		q = q.Where("state = ?", filter.State)
	}

	if filter.ScenarioID != "" {
		q = q.Where("scenario_id = ?", filter.ScenarioID)
	}

	if filter.SystemVersion != "" {
		q = q.Where("system_version = ?", filter.SystemVersion)
	}

	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}

	var runs []Run
	if err := q.Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}

	return runs, nil
}

// --- Trajectory ---

func (s *store) AppendTrajectoryMessage(
	ctx context.Context, runID string, role Role, content string,
) (*TrajectoryMessage, error) {
	if role != RoleImpersonator && role != RoleToolOutput {
		return nil, fmt.Errorf("unknown trajectory role %q", role)
	}

	msg := &TrajectoryMessage{
		RunID:   runID,
		Role:    role,
		Content: content,
	}

	if err := s.db.WithContext(ctx).Create(msg).Error; err != nil {
		return nil, fmt.Errorf("appending trajectory message: %w", err)
	}

	return msg, nil
}

func (s *store) ReadTrajectory(
	ctx context.Context, runID string,
) ([]TrajectoryMessage, error) {
	var msgs []TrajectoryMessage
	if err := s.db.WithContext(ctx).
		Where("run_id = ?", runID).
		Order("created_at ASC, id ASC").
		Find(&msgs).Error; err != nil {
		return nil, fmt.Errorf("reading trajectory: %w", err)
	}

	return msgs, nil
}

// --- Results ---

func (s *store) InsertResult(
	ctx context.Context, runID string, reviewerID *string, payload ResultPayload,
) (*Result, error) {
	result := &Result{
		RunID:      runID,
		ReviewerID: reviewerID,
		Payload:    payload,
	}

	if err := s.db.WithContext(ctx).Create(result).Error; err != nil {
		return nil, fmt.Errorf("inserting result: %w", err)
	}

	return result, nil
}

func (s *store) ListResults(ctx context.Context, runID string) ([]Result, error) {
	var results []Result
	if err := s.db.WithContext(ctx).
		Where("run_id = ?", runID).
		Order("created_at ASC, id ASC").
		Find(&results).Error; err != nil {
		return nil, fmt.Errorf("listing results: %w", err)
	}

	return results, nil
}

func (s *store) ListScoredResults(
	ctx context.Context, systemVersion string,
) ([]ScoredResult, error) {
	q := s.db.WithContext(ctx).
		Model(&Result{}).
		Joins("JOIN runs ON runs.id = results.run_id").
		Where("results.reviewer_id IS NOT NULL")

	if systemVersion != "" {
		q = q.Where("runs.system_version = ?", systemVersion)
	}

	var results []Result
	if err := q.Order("results.created_at ASC").Find(&results).Error; err != nil {
		return nil, fmt.Errorf("listing scored results: %w", err)
	}

	if len(results) == 0 {
		return nil, nil
	}

	runIDs := make([]string, 0, len(results))
	reviewerIDs := make([]string, 0, len(results))

	for _, r := range results {
		runIDs = append(runIDs, r.RunID)
		reviewerIDs = append(reviewerIDs, *r.ReviewerID)
	}

	var runs []Run
	if err := s.db.WithContext(ctx).
		Where("id IN ?", runIDs).
		Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("loading runs for results: %w", err)
	}

	var reviewers []Reviewer
	if err := s.db.WithContext(ctx).
		Where("id IN ?", reviewerIDs).
		Find(&reviewers).Error; err != nil {
		return nil, fmt.Errorf("loading reviewers for results: %w", err)
	}

	versions := make(map[string]string, len(runs))
	for _, run := range runs {
		versions[run.ID] = run.SystemVersion
	}

	byID := make(map[string]Reviewer, len(reviewers))
	for _, r := range reviewers {
		byID[r.ID] = r
	}

	scored := make([]ScoredResult, 0, len(results))

	for _, r := range results {
		reviewer, ok := byID[*r.ReviewerID]
		if !ok {
			continue
		}

		scored = append(scored, ScoredResult{
			RunID:         r.RunID,
			SystemVersion: versions[r.RunID],
			ReviewerID:    reviewer.ID,
			Dimension:     reviewer.Dimension,
			Weight:        reviewer.Weight,
			Payload:       r.Payload,
		})
	}

	return scored, nil
}

// --- Reviews ---

func (s *store) ClaimReview(ctx context.Context, runID string) (bool, error) {
	result := s.db.WithContext(ctx).
		Model(&Run{}).
		Where("id = ? AND state IN ? AND review_started_at IS NULL", runID, terminalStates).
		Update("review_started_at", s.now())
	if result.Error != nil {
		return false, fmt.Errorf("claiming review: %w", result.Error)
	}

	return result.RowsAffected == 1, nil
}

func (s *store) CompleteReview(ctx context.Context, runID string) error {
	if err := s.db.WithContext(ctx).
		Model(&Run{}).
		Where("id = ?", runID).
		Update("review_completed_at", s.now()).Error; err != nil {
		return fmt.Errorf("completing review: %w", err)
	}

	return nil
}

func (s *store) ReleaseReview(ctx context.Context, runID string) error {
	if err := s.db.WithContext(ctx).
		Model(&Run{}).
		Where("id = ? AND review_completed_at IS NULL", runID).
		Update("review_started_at", nil).Error; err != nil {
		return fmt.Errorf("releasing review: %w", err)
	}

	return nil
}

func (s *store) SelectOldestUnreviewedRun(ctx context.Context) (*Run, error) {
	var runs []Run
	if err := s.db.WithContext(ctx).
		Where("state IN ? AND review_started_at IS NULL", terminalStates).
		Order("created_at ASC, id ASC").
		Limit(1).
		Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("selecting unreviewed run: %w", err)
	}

	if len(runs) == 0 {
		return nil, nil
	}

	return &runs[0], nil
}

// --- Scenarios and reviewers ---

func (s *store) GetScenario(ctx context.Context, id string) (*Scenario, error) {
	var scenario Scenario
	if err := s.db.WithContext(ctx).
		Where("id = ?", id).
		First(&scenario).Error; err != nil {
		return nil, notFound(err, "getting scenario")
	}

	return &scenario, nil
}

func (s *store) ListScenarios(ctx context.Context) ([]Scenario, error) {
	var scenarios []Scenario
	if err := s.db.WithContext(ctx).
		Order("name ASC").
		Find(&scenarios).Error; err != nil {
		return nil, fmt.Errorf("listing scenarios: %w", err)
	}

	return scenarios, nil
}

func (s *store) ListScenarioReviewers(
	ctx context.Context, scenarioID string,
) ([]Reviewer, error) {
	var reviewers []Reviewer
	if err := s.db.WithContext(ctx).
		Joins("JOIN scenario_reviewers ON scenario_reviewers.reviewer_id = reviewers.id").
		Where("scenario_reviewers.scenario_id = ?", scenarioID).
		Order("reviewers.name ASC").
		Find(&reviewers).Error; err != nil {
		return nil, fmt.Errorf("listing scenario reviewers: %w", err)
	}

	return reviewers, nil
}
