package generation

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Repo struct {
	db *gorm.DB
}

func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

func (r *Repo) WithTx(tx *gorm.DB) *Repo {
	return &Repo{db: tx}
}

func (r *Repo) Transaction(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return r.db.WithContext(ctx).Transaction(fn)
}

func (r *Repo) CreateRecord(ctx context.Context, rec *Record) error {
	return r.db.WithContext(ctx).Create(rec).Error
}

func (r *Repo) DeleteRecord(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Delete(&Record{}, "id = ?", id).Error
}

func (r *Repo) GetByID(ctx context.Context, id string) (*Record, error) {
	var rec Record
	if err := r.db.WithContext(ctx).First(&rec, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}
	return &rec, nil
}

// GetByPredictionRef matches the column named by stage only.
func (r *Repo) GetByPredictionRef(ctx context.Context, stage Stage, ref string) (*Record, error) {
	col := "prediction_ref"
	if stage == StageAudio {
		col = "audio_prediction_ref"
	}
	var rec Record
	if err := r.db.WithContext(ctx).Where(col+" = ?", ref).First(&rec).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}
	return &rec, nil
}

// ListSegments returns the child records of parentID in segment order.
func (r *Repo) ListSegments(ctx context.Context, parentID string) ([]Record, error) {
	var recs []Record
	if err := r.db.WithContext(ctx).
		Where("parent_id = ?", parentID).
		Order("segment_index ASC").
		Find(&recs).Error; err != nil {
		return nil, err
	}
	return recs, nil
}

// ListTopLevel returns the user's top-level generations, newest first.
// beforeID pages with ULID ordering.
func (r *Repo) ListTopLevel(ctx context.Context, userID uint64, limit int, beforeID string) ([]Record, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	q := r.db.WithContext(ctx).
		Where("user_id = ? AND parent_id IS NULL", userID).
		Order("id DESC").
		Limit(limit)
	if beforeID != "" {
		q = q.Where("id < ?", beforeID)
	}
	var recs []Record
	if err := q.Find(&recs).Error; err != nil {
		return nil, err
	}
	return recs, nil
}

// SetPredictionRef fills the slot once; a second call is a no-op.
func (r *Repo) SetPredictionRef(ctx context.Context, id string, stage Stage, ref string) (bool, error) {
	col := "prediction_ref"
	if stage == StageAudio {
		col = "audio_prediction_ref"
	}
	res := r.db.WithContext(ctx).Model(&Record{}).
		Where("id = ? AND "+col+" IS NULL", id).
		Update(col, ref)
	return res.RowsAffected == 1, res.Error
}

// Transition moves id from any of from to to, applying fields in the same
// statement. It reports false when the stored status did not match.
func (r *Repo) Transition(ctx context.Context, id string, from []Status, to Status, fields map[string]any) (bool, error) {
	updates := map[string]any{"status": to}
	for k, v := range fields {
		updates[k] = v
	}
	res := r.db.WithContext(ctx).Model(&Record{}).
		Where("id = ? AND status IN ?", id, from).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// AdvanceSegment records completion of segment index on a processing parent
// and moves it to next. It is conditioned on segments_completed == index so
// a replayed completion cannot count twice.
func (r *Repo) AdvanceSegment(ctx context.Context, parentID string, index int, next Status) (bool, error) {
	res := r.db.WithContext(ctx).Model(&Record{}).
		Where("id = ? AND status = ? AND segments_completed = ?", parentID, StatusProcessing, index).
		Updates(map[string]any{
			"segments_completed": index + 1,
			"status":             next,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *Repo) UpdateFields(ctx context.Context, id string, fields map[string]any) error {
	return r.db.WithContext(ctx).Model(&Record{}).Where("id = ?", id).Updates(fields).Error
}

func (r *Repo) CreatePlans(ctx context.Context, plans []SegmentPlan) error {
	if len(plans) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Create(&plans).Error
}

func (r *Repo) DeletePlans(ctx context.Context, parentID string) error {
	return r.db.WithContext(ctx).Delete(&SegmentPlan{}, "parent_id = ?", parentID).Error
}

func (r *Repo) GetPlan(ctx context.Context, parentID string, index int) (*SegmentPlan, error) {
	var p SegmentPlan
	if err := r.db.WithContext(ctx).
		Where("parent_id = ? AND segment_index = ?", parentID, index).
		First(&p).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}
	return &p, nil
}

func (r *Repo) ListPlans(ctx context.Context, parentID string) ([]SegmentPlan, error) {
	var plans []SegmentPlan
	if err := r.db.WithContext(ctx).
		Where("parent_id = ?", parentID).
		Order("segment_index ASC").
		Find(&plans).Error; err != nil {
		return nil, err
	}
	return plans, nil
}

func (r *Repo) UpdatePlan(ctx context.Context, parentID string, index int, fields map[string]any) error {
	return r.db.WithContext(ctx).Model(&SegmentPlan{}).
		Where("parent_id = ? AND segment_index = ?", parentID, index).
		Updates(fields).Error
}

// SetPlanLastFrame writes the extracted frame unless the client already
// supplied one.
func (r *Repo) SetPlanLastFrame(ctx context.Context, parentID string, index int, frameRef string) (bool, error) {
	res := r.db.WithContext(ctx).Model(&SegmentPlan{}).
		Where("parent_id = ? AND segment_index = ? AND last_frame_ref IS NULL", parentID, index).
		Update("last_frame_ref", frameRef)
	return res.RowsAffected == 1, res.Error
}

// CreateVideo inserts the library row once per generation.
func (r *Repo) CreateVideo(ctx context.Context, v *Video) (bool, error) {
	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "generation_id"}}, DoNothing: true}).
		Create(v)
	return res.RowsAffected == 1, res.Error
}

func (r *Repo) UpdateVideoRef(ctx context.Context, generationID, ref string) error {
	return r.db.WithContext(ctx).Model(&Video{}).
		Where("generation_id = ?", generationID).
		Update("video_ref", ref).Error
}

func (r *Repo) CountVideos(ctx context.Context, generationID string) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&Video{}).Where("generation_id = ?", generationID).Count(&n).Error
	return n, err
}

func completedFields(now time.Time, extra map[string]any) map[string]any {
	fields := map[string]any{"completed_at": now}
	for k, v := range extra {
		fields[k] = v
	}
	return fields
}
