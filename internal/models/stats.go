package models

import (
	"context"

	"gorm.io/gorm"
)

// AddGenerationStats bumps videos_generated and total_video_seconds in one
// UPDATE so concurrent finalizations cannot lose an increment.
func AddGenerationStats(ctx context.Context, db *gorm.DB, userID uint64, videos, seconds int) error {
	res := db.WithContext(ctx).Model(&User{}).
		Where("id = ?", userID).
		Updates(map[string]any{
			"videos_generated":    gorm.Expr("videos_generated + ?", videos),
			"total_video_seconds": gorm.Expr("total_video_seconds + ?", seconds),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}
