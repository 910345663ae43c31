package generation

import "context"

type SegmentView struct {
	Index           int     `json:"index"`
	Status          Status  `json:"status"`
	Prompt          string  `json:"prompt"`
	DurationSeconds int     `json:"duration_seconds"`
	VideoRef        string  `json:"video_ref,omitempty"`
	LastFrameRef    *string `json:"last_frame_ref,omitempty"`
}

// StatusView is what a polling client sees. Building it never mutates state.
type StatusView struct {
	ID                string        `json:"id"`
	Status            Status        `json:"status"`
	VideoRef          string        `json:"video_ref,omitempty"`
	ErrorDetail       *string       `json:"error_detail,omitempty"`
	SegmentsCompleted int           `json:"segments_completed"`
	TotalSegments     int           `json:"total_segments"`
	IsWaitingForInput bool          `json:"is_waiting_for_input"`
	NextSegmentIndex  *int          `json:"next_segment_index,omitempty"`
	LastFrameRef      *string       `json:"last_frame_ref,omitempty"`
	CreditsCharged    int           `json:"credits_charged"`
	Segments          []SegmentView `json:"segments,omitempty"`
}

func (s *Service) Status(ctx context.Context, userID uint64, id string) (*StatusView, error) {
	rec, err := s.Get(ctx, userID, id)
	if err != nil {
		return nil, err
	}

	view := &StatusView{
		ID:                rec.ID,
		Status:            rec.Status,
		VideoRef:          rec.BestVideoRef(),
		ErrorDetail:       rec.ErrorDetail,
		SegmentsCompleted: rec.SegmentsCompleted,
		TotalSegments:     rec.TotalSegments,
		IsWaitingForInput: rec.Status == StatusWaitingForInput,
		CreditsCharged:    rec.CreditsCharged,
	}
	if !rec.IsChain() {
		if rec.Status == StatusCompleted {
			view.SegmentsCompleted = 1
		}
		return view, nil
	}

	plans, err := s.repo.ListPlans(ctx, rec.ID)
	if err != nil {
		return nil, err
	}
	segs, err := s.repo.ListSegments(ctx, rec.ID)
	if err != nil {
		return nil, err
	}
	byIndex := make(map[int]*Record, len(segs))
	for i := range segs {
		if segs[i].SegmentIndex != nil {
			byIndex[*segs[i].SegmentIndex] = &segs[i]
		}
	}

	view.Segments = make([]SegmentView, 0, len(plans))
	for _, p := range plans {
		sv := SegmentView{
			Index:           p.SegmentIndex,
			Prompt:          p.Prompt,
			DurationSeconds: p.DurationSeconds,
			LastFrameRef:    p.LastFrameRef,
		}
		if seg, ok := byIndex[p.SegmentIndex]; ok {
			sv.Status = seg.Status
			sv.VideoRef = seg.BestVideoRef()
		}
		view.Segments = append(view.Segments, sv)
	}

	if view.IsWaitingForInput {
		next := rec.SegmentsCompleted
		view.NextSegmentIndex = &next
		if next < len(plans) {
			view.LastFrameRef = plans[next].LastFrameRef
		}
		// latest finished segment, for review before continuing
		if next > 0 && next-1 < len(view.Segments) && view.VideoRef == "" {
			view.VideoRef = view.Segments[next-1].VideoRef
		}
	}
	return view, nil
}
