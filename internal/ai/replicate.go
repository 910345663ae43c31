package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ReplicateProvider talks to the Replicate predictions API.
type ReplicateProvider struct {
	BaseURL string
	APIKey  string
	Model   string
	Client  *http.Client
}

func NewReplicateProvider(baseURL, apiKey, model string) *ReplicateProvider {
	if baseURL == "" {
		baseURL = "https://api.replicate.com/v1"
	}
	return &ReplicateProvider{
		BaseURL: strings.TrimRight(baseURL, "/"),
		APIKey:  apiKey,
		Model:   model,
		Client:  &http.Client{Timeout: 30 * time.Second},
	}
}

type replicateCreateReq struct {
	Version             string         `json:"version,omitempty"`
	Input               map[string]any `json:"input"`
	Webhook             string         `json:"webhook,omitempty"`
	WebhookEventsFilter []string       `json:"webhook_events_filter,omitempty"`
}

type replicateCreateResp struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

func (p *ReplicateProvider) CreatePrediction(ctx context.Context, in PredictionInput, webhookURL string) (string, error) {
	if p.Client == nil {
		return "", errors.New("replicate: http client is nil")
	}
	if strings.TrimSpace(p.APIKey) == "" {
		return "", &APIError{Provider: "replicate", StatusCode: http.StatusUnauthorized, Detail: "api token is required"}
	}
	model := strings.TrimSpace(p.Model)
	if model == "" {
		return "", &APIError{Provider: "replicate", StatusCode: http.StatusNotFound, Detail: "model is required"}
	}

	body := replicateCreateReq{
		Input: buildReplicateInput(in),
	}
	if webhookURL != "" {
		body.Webhook = webhookURL
		body.WebhookEventsFilter = []string{"completed"}
	}

	// "owner/name:version" pins a version; "owner/name" runs the latest one
	url := fmt.Sprintf("%s/models/%s/predictions", p.BaseURL, model)
	if _, version, ok := strings.Cut(model, ":"); ok {
		body.Version = version
		url = p.BaseURL + "/predictions"
	}

	b, err := json.Marshal(body)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.APIKey)

	resp, err := p.Client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4*1024))
		var decoded replicateCreateResp
		detail := strings.TrimSpace(string(raw))
		if json.Unmarshal(raw, &decoded) == nil && decoded.Detail != "" {
			detail = decoded.Detail
		}
		return "", &APIError{Provider: "replicate", StatusCode: resp.StatusCode, Detail: detail}
	}

	var decoded replicateCreateResp
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", err
	}
	if decoded.ID == "" {
		return "", errors.New("replicate: empty prediction id")
	}
	return decoded.ID, nil
}

func buildReplicateInput(in PredictionInput) map[string]any {
	input := map[string]any{}
	if in.Prompt != "" {
		input["prompt"] = in.Prompt
	}
	if in.Video != "" {
		input["video"] = in.Video
		return input
	}
	input["image"] = in.Image
	if in.DurationSeconds > 0 {
		input["duration"] = in.DurationSeconds
	}
	if in.Resolution != "" {
		input["resolution"] = in.Resolution
	}
	if in.GenerateAudio {
		input["generate_audio"] = true
	}
	return input
}
