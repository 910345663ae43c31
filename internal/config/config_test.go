package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("DB_DRIVER", "")
	t.Setenv("DB_DSN", "")
	t.Setenv("JOB_MODE", "")
	t.Setenv("WORKER_CONCURRENCY", "")

	cfg := Load()

	assert.Equal(t, "mysql", cfg.DBDriver)
	assert.Contains(t, cfg.DBDSN, "tcp(127.0.0.1:3306)")
	assert.Equal(t, JobModeQueue, cfg.JobMode)
	assert.Equal(t, 2, cfg.WorkerConcurrency)
	assert.Equal(t, 6, cfg.MinDurationSeconds)
	assert.Equal(t, 240, cfg.MaxDurationSeconds)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("DB_DRIVER", "SQLite")
	t.Setenv("DB_DSN", "")
	t.Setenv("JOB_MODE", "inline")
	t.Setenv("WORKER_CONCURRENCY", "500")
	t.Setenv("PUBLIC_BASE_URL", "https://api.example.com/")
	t.Setenv("FRAME_EXTRACT_TIMEOUT", "5s")
	t.Setenv("CORS_ORIGINS", "https://a.example.com, https://b.example.com,")

	cfg := Load()

	assert.Equal(t, "sqlite", cfg.DBDriver)
	assert.Contains(t, cfg.DBDSN, "videogen.db")
	assert.Equal(t, JobModeInline, cfg.JobMode)
	assert.Equal(t, 50, cfg.WorkerConcurrency)
	assert.Equal(t, "https://api.example.com", cfg.PublicBaseURL)
	assert.Equal(t, 5*time.Second, cfg.FrameExtractTimeout)
	assert.Equal(t, []string{"https://a.example.com", "https://b.example.com"}, cfg.CORSOrigins)
}
