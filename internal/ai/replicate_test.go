package ai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReplicateCreatePrediction(t *testing.T) {
	var gotPath, gotAuth string
	var gotBody replicateCreateReq
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"pred_123","status":"starting"}`))
	}))
	defer srv.Close()

	p := NewReplicateProvider(srv.URL, "tok", "bytedance/seedance-1-lite")
	id, err := p.CreatePrediction(context.Background(), PredictionInput{
		Image:           "https://cdn.example.com/a.png",
		Prompt:          "a cat surfing",
		DurationSeconds: 6,
		Resolution:      "720p",
	}, "https://api.example.com/pipeline-webhook?stage=video&token=s")
	require.NoError(t, err)

	assert.Equal(t, "pred_123", id)
	assert.Equal(t, "/models/bytedance/seedance-1-lite/predictions", gotPath)
	assert.Equal(t, "Bearer tok", gotAuth)
	assert.Equal(t, []string{"completed"}, gotBody.WebhookEventsFilter)
	assert.Equal(t, "a cat surfing", gotBody.Input["prompt"])
	assert.EqualValues(t, 6, gotBody.Input["duration"])
	_, hasAudio := gotBody.Input["generate_audio"]
	assert.False(t, hasAudio)
}

func TestReplicateCreatePrediction_PinnedVersion(t *testing.T) {
	var gotPath string
	var gotBody replicateCreateReq
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_, _ = w.Write([]byte(`{"id":"pred_a"}`))
	}))
	defer srv.Close()

	p := NewReplicateProvider(srv.URL, "tok", "zsxkib/mmaudio:abc123")
	_, err := p.CreatePrediction(context.Background(), PredictionInput{Video: "https://x/v.mp4"}, "")
	require.NoError(t, err)

	assert.Equal(t, "/predictions", gotPath)
	assert.Equal(t, "abc123", gotBody.Version)
	assert.Equal(t, "https://x/v.mp4", gotBody.Input["video"])
	assert.Empty(t, gotBody.Webhook)
}

func TestReplicateCreatePrediction_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"detail":"image is not reachable"}`))
	}))
	defer srv.Close()

	p := NewReplicateProvider(srv.URL, "tok", "owner/model")
	_, err := p.CreatePrediction(context.Background(), PredictionInput{Image: "x"}, "")

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusUnprocessableEntity, apiErr.StatusCode)
	assert.Equal(t, "image is not reachable", apiErr.Detail)
}

func TestReplicateCreatePrediction_MissingToken(t *testing.T) {
	p := NewReplicateProvider("http://unused", "", "owner/model")
	_, err := p.CreatePrediction(context.Background(), PredictionInput{}, "")

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
}

func TestPredictionDecode(t *testing.T) {
	cases := []struct {
		name   string
		body   string
		output string
		errMsg string
		ok     bool
	}{
		{"string output", `{"id":"a","status":"succeeded","output":"https://x/1.mp4"}`, "https://x/1.mp4", "", true},
		{"list output", `{"id":"a","status":"succeeded","output":["","https://x/2.mp4"]}`, "https://x/2.mp4", "", true},
		{"failed", `{"id":"a","status":"failed","output":null,"error":"NSFW"}`, "", "NSFW", false},
		{"object error", `{"id":"a","status":"canceled","error":{"code":1}}`, "", `{"code":1}`, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var p Prediction
			require.NoError(t, json.Unmarshal([]byte(tc.body), &p))
			assert.Equal(t, tc.output, p.Output.First())
			assert.Equal(t, tc.errMsg, p.ErrorMessage())
			assert.Equal(t, tc.ok, p.Succeeded())
			assert.True(t, p.Terminal())
		})
	}
}
