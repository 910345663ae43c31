package generation

import "time"

type Status string

const (
	StatusProcessing      Status = "processing"
	StatusWaitingForInput Status = "waiting_for_input"
	StatusStitching       Status = "stitching"
	StatusAddingAudio     Status = "adding_audio"
	StatusCompleted       Status = "completed"
	StatusFailed          Status = "failed"
)

func (s Status) Terminal() bool { return s == StatusCompleted || s == StatusFailed }

// Stage selects which prediction slot a webhook delivery is matched against.
type Stage string

const (
	StageVideo Stage = "video"
	StageAudio Stage = "audio"
)

func ParseStage(s string) (Stage, bool) {
	switch Stage(s) {
	case StageVideo, "":
		return StageVideo, true
	case StageAudio:
		return StageAudio, true
	}
	return "", false
}

// Record is one generation attempt. A top-level record has no ParentID; a
// multi-segment request owns one child record per dispatched segment.
type Record struct {
	ID     string `gorm:"type:varchar(26);primaryKey" json:"id"`
	UserID uint64 `gorm:"not null;index:idx_gen_user_created,priority:1" json:"-"`

	ParentID     *string `gorm:"type:varchar(26);index:uniq_gen_parent_segment,unique,priority:1" json:"parent_id,omitempty"`
	SegmentIndex *int    `gorm:"index:uniq_gen_parent_segment,unique,priority:2" json:"segment_index,omitempty"`

	TotalSegments          int `gorm:"not null;default:1" json:"total_segments"`
	SegmentsCompleted      int `gorm:"not null;default:0" json:"segments_completed"`
	SegmentDurationSeconds int `gorm:"not null" json:"segment_duration_seconds"`

	PredictionRef      *string `gorm:"type:varchar(128);uniqueIndex" json:"-"`
	AudioPredictionRef *string `gorm:"type:varchar(128);uniqueIndex" json:"-"`

	Status Status `gorm:"type:varchar(32);index;not null" json:"status"`

	ImageRef                 string `gorm:"type:text;not null" json:"image_ref"`
	Prompt                   string `gorm:"type:text" json:"prompt"`
	RequestedDurationSeconds int    `gorm:"not null" json:"requested_duration_seconds"`
	Resolution               string `gorm:"type:varchar(16)" json:"resolution"`
	GenerateAudio            bool   `gorm:"not null;default:false" json:"generate_audio"`
	AddAudio                 bool   `gorm:"not null;default:false" json:"add_audio"`
	Model                    string `gorm:"type:varchar(128)" json:"model"`

	VideoRef          *string `gorm:"type:text" json:"video_ref,omitempty"`
	PersistedVideoRef *string `gorm:"type:text" json:"persisted_video_ref,omitempty"`
	ErrorDetail       *string `gorm:"type:text" json:"error_detail,omitempty"`

	CreditsCharged int `gorm:"not null;default:0" json:"credits_charged"`

	CreatedAt   time.Time  `gorm:"index:idx_gen_user_created,priority:2" json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

func (Record) TableName() string { return "generations" }

func (r *Record) IsSegment() bool { return r.ParentID != nil }

// IsChain reports whether r is the parent of a multi-segment request.
func (r *Record) IsChain() bool { return r.ParentID == nil && r.TotalSegments > 1 }

// BestVideoRef prefers the durable copy over the provider output.
func (r *Record) BestVideoRef() string {
	if r.PersistedVideoRef != nil && *r.PersistedVideoRef != "" {
		return *r.PersistedVideoRef
	}
	if r.VideoRef != nil {
		return *r.VideoRef
	}
	return ""
}

// OutputSeconds is the length of video the request produces.
func (r *Record) OutputSeconds() int { return r.TotalSegments * r.SegmentDurationSeconds }

// SegmentPlan holds per-segment inputs before and while the segment runs.
type SegmentPlan struct {
	ID              uint64    `gorm:"primaryKey;autoIncrement" json:"-"`
	ParentID        string    `gorm:"type:varchar(26);not null;index:uniq_plan_parent_segment,unique,priority:1" json:"parent_id"`
	SegmentIndex    int       `gorm:"not null;index:uniq_plan_parent_segment,unique,priority:2" json:"segment_index"`
	Prompt          string    `gorm:"type:text" json:"prompt"`
	DurationSeconds int       `gorm:"not null" json:"duration_seconds"`
	LastFrameRef    *string   `gorm:"type:text" json:"last_frame_ref,omitempty"`
	GenerationID    *string   `gorm:"type:varchar(26)" json:"generation_id,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

func (SegmentPlan) TableName() string { return "generation_segment_plans" }

// Video is the user-facing library entry of a completed top-level generation.
type Video struct {
	ID              uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	GenerationID    string    `gorm:"type:varchar(26);uniqueIndex;not null" json:"generation_id"`
	UserID          uint64    `gorm:"index;not null" json:"-"`
	VideoRef        string    `gorm:"type:text;not null" json:"video_ref"`
	Prompt          string    `gorm:"type:text" json:"prompt"`
	DurationSeconds int       `gorm:"not null" json:"duration_seconds"`
	CreatedAt       time.Time `json:"created_at"`
}

func (Video) TableName() string { return "videos" }
