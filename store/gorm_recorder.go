package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/BaSui01/webpilot/engine"
	"github.com/BaSui01/webpilot/types"
)

// =============================================================================
// 🗄️ 持久化模型
// =============================================================================

// TaskRecord 是任务快照在数据库中的行
type TaskRecord struct {
	ID               string     `gorm:"primaryKey;size:36"`
	Instruction      string     `gorm:"type:text;not null"`
	StartURL         string     `gorm:"size:2048"`
	Backend          string     `gorm:"size:64"`
	Model            string     `gorm:"size:128"`
	MaxSteps         int        `gorm:"not null"`
	TimeoutSeconds   int        `gorm:"not null"`
	ViewportWidth    int        `gorm:"not null;default:0"`
	ViewportHeight   int        `gorm:"not null;default:0"`
	CredentialRef    string     `gorm:"size:128"`
	ExtractionSchema string     `gorm:"type:text"`
	Status           string     `gorm:"size:16;not null;index"`
	StepsExecuted    int        `gorm:"not null;default:0"`
	Result           string     `gorm:"type:text"`
	Extracted        string     `gorm:"type:text"`
	Error            string     `gorm:"type:text"`
	FinalURL         string     `gorm:"size:2048"`
	CreatedAt        time.Time  `gorm:"not null;index"`
	StartedAt        *time.Time
	FinishedAt       *time.Time
	UpdatedAt        time.Time
}

// TableName implements gorm's tabler.
func (TaskRecord) TableName() string { return "task_records" }

// StepRecord 是一条已记录的步骤，(task_id, position) 唯一
type StepRecord struct {
	ID         string    `gorm:"primaryKey;size:36"`
	TaskID     string    `gorm:"size:36;not null;uniqueIndex:idx_step_records_task_position"`
	Position   int       `gorm:"not null;uniqueIndex:idx_step_records_task_position"`
	Action     string    `gorm:"size:32;not null"`
	Selector   string    `gorm:"type:text"`
	Value      string    `gorm:"type:text"`
	Success    bool      `gorm:"not null"`
	Error      string    `gorm:"type:text"`
	DurationMS int64     `gorm:"not null;default:0"`
	URLBefore  string    `gorm:"size:2048"`
	URLAfter   string    `gorm:"size:2048"`
	Reasoning  string    `gorm:"type:text"`
	CreatedAt  time.Time `gorm:"not null"`
}

// TableName implements gorm's tabler.
func (StepRecord) TableName() string { return "step_records" }

func taskRecordFrom(s engine.Snapshot) TaskRecord {
	return TaskRecord{
		ID:               s.ID,
		Instruction:      s.Instruction,
		StartURL:         s.StartURL,
		Backend:          s.Backend,
		Model:            s.Model,
		MaxSteps:         s.MaxSteps,
		TimeoutSeconds:   s.TimeoutSeconds,
		ViewportWidth:    s.Viewport.Width,
		ViewportHeight:   s.Viewport.Height,
		CredentialRef:    s.CredentialRef,
		ExtractionSchema: string(s.ExtractionSchema),
		Status:           string(s.Status),
		StepsExecuted:    s.StepsExecuted,
		Result:           s.Result,
		Extracted:        string(s.Extracted),
		Error:            s.Error,
		FinalURL:         s.FinalURL,
		CreatedAt:        s.CreatedAt,
		StartedAt:        s.StartedAt,
		FinishedAt:       s.FinishedAt,
	}
}

func (r TaskRecord) snapshot() engine.Snapshot {
	return engine.Snapshot{
		ID:               r.ID,
		Instruction:      r.Instruction,
		StartURL:         r.StartURL,
		Backend:          r.Backend,
		Model:            r.Model,
		MaxSteps:         r.MaxSteps,
		TimeoutSeconds:   r.TimeoutSeconds,
		Viewport:         engine.Viewport{Width: r.ViewportWidth, Height: r.ViewportHeight},
		CredentialRef:    r.CredentialRef,
		ExtractionSchema: rawJSON(r.ExtractionSchema),
		Status:           engine.Status(r.Status),
		StepsExecuted:    r.StepsExecuted,
		Result:           r.Result,
		Extracted:        rawJSON(r.Extracted),
		Error:            r.Error,
		FinalURL:         r.FinalURL,
		CreatedAt:        r.CreatedAt,
		StartedAt:        r.StartedAt,
		FinishedAt:       r.FinishedAt,
	}
}

func stepRecordFrom(s engine.Step) StepRecord {
	return StepRecord{
		ID:         s.ID,
		TaskID:     s.TaskID,
		Position:   s.Position,
		Action:     s.Action,
		Selector:   s.Selector,
		Value:      s.Value,
		Success:    s.Success,
		Error:      s.Error,
		DurationMS: s.Duration.Milliseconds(),
		URLBefore:  s.URLBefore,
		URLAfter:   s.URLAfter,
		Reasoning:  s.Reasoning,
		CreatedAt:  s.CreatedAt,
	}
}

func (r StepRecord) step() engine.Step {
	return engine.Step{
		ID:        r.ID,
		TaskID:    r.TaskID,
		Position:  r.Position,
		Action:    r.Action,
		Selector:  r.Selector,
		Value:     r.Value,
		Success:   r.Success,
		Error:     r.Error,
		Duration:  time.Duration(r.DurationMS) * time.Millisecond,
		URLBefore: r.URLBefore,
		URLAfter:  r.URLAfter,
		Reasoning: r.Reasoning,
		CreatedAt: r.CreatedAt,
	}
}

func rawJSON(s string) json.RawMessage {
	if s == "" {
		return nil
	}
	return json.RawMessage(s)
}

// =============================================================================
// 📝 GormRecorder
// =============================================================================

// GormRecorder implements engine.Recorder on any gorm dialect and serves task
// history that has left the in-memory cache.
type GormRecorder struct {
	db     *gorm.DB
	logger *zap.Logger
}

var _ engine.Recorder = (*GormRecorder)(nil)

// NewGormRecorder creates a recorder on db.
func NewGormRecorder(db *gorm.DB, logger *zap.Logger) (*GormRecorder, error) {
	if db == nil {
		return nil, types.NewError(types.ErrValidation, "recorder requires a database")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GormRecorder{db: db, logger: logger.With(zap.String("component", "gorm_recorder"))}, nil
}

// AutoMigrate creates or updates the task and step tables. Deployments that run
// SQL migrations can skip it.
func (r *GormRecorder) AutoMigrate(ctx context.Context) error {
	if err := r.db.WithContext(ctx).AutoMigrate(&TaskRecord{}, &StepRecord{}); err != nil {
		return fmt.Errorf("auto migrate recorder tables: %w", err)
	}
	return nil
}

// SaveTask upserts the task row.
func (r *GormRecorder) SaveTask(ctx context.Context, s engine.Snapshot) error {
	rec := taskRecordFrom(s)
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		UpdateAll: true,
	}).Create(&rec).Error
	if err != nil {
		return fmt.Errorf("save task %s: %w", s.ID, err)
	}
	return nil
}

// SaveStep inserts a step. Steps are immutable, so a second save of the same
// (task, position) is ignored.
func (r *GormRecorder) SaveStep(ctx context.Context, s engine.Step) error {
	rec := stepRecordFrom(s)
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "task_id"}, {Name: "position"}},
		DoNothing: true,
	}).Create(&rec).Error
	if err != nil {
		return fmt.Errorf("save step %s#%d: %w", s.TaskID, s.Position, err)
	}
	return nil
}

// Task loads a task snapshot.
func (r *GormRecorder) Task(ctx context.Context, id string) (engine.Snapshot, error) {
	var rec TaskRecord
	err := r.db.WithContext(ctx).Where("id = ?", id).Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return engine.Snapshot{}, types.NewError(types.ErrNotFound, fmt.Sprintf("task %s not found", id))
	}
	if err != nil {
		return engine.Snapshot{}, fmt.Errorf("load task %s: %w", id, err)
	}
	return rec.snapshot(), nil
}

// Steps loads the steps of a task ordered by position.
func (r *GormRecorder) Steps(ctx context.Context, taskID string) ([]engine.Step, error) {
	var recs []StepRecord
	if err := r.db.WithContext(ctx).Where("task_id = ?", taskID).Order("position ASC").Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("load steps of %s: %w", taskID, err)
	}
	out := make([]engine.Step, len(recs))
	for i, rec := range recs {
		out[i] = rec.step()
	}
	return out, nil
}

// ListTasks returns the newest tasks first, optionally filtered by status.
func (r *GormRecorder) ListTasks(ctx context.Context, status engine.Status, limit int) ([]engine.Snapshot, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	q := r.db.WithContext(ctx).Order("created_at DESC").Limit(limit)
	if status != "" {
		q = q.Where("status = ?", string(status))
	}
	var recs []TaskRecord
	if err := q.Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	out := make([]engine.Snapshot, len(recs))
	for i, rec := range recs {
		out[i] = rec.snapshot()
	}
	return out, nil
}
