package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
)

// Prediction statuses reported by the provider.
const (
	StatusStarting   = "starting"
	StatusProcessing = "processing"
	StatusSucceeded  = "succeeded"
	StatusFailed     = "failed"
	StatusCanceled   = "canceled"
)

// PredictionInput is one generation request. Video is set instead of Image
// for the audio pass.
type PredictionInput struct {
	Image           string
	Video           string
	Prompt          string
	DurationSeconds int
	Resolution      string
	GenerateAudio   bool
}

// Provider submits asynchronous predictions. The result is delivered later
// to webhookURL; CreatePrediction only returns the prediction id.
type Provider interface {
	CreatePrediction(ctx context.Context, in PredictionInput, webhookURL string) (string, error)
}

// APIError is a non-2xx answer from the provider.
type APIError struct {
	Provider   string
	StatusCode int
	Detail     string
}

func (e *APIError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("%s: status %d", e.Provider, e.StatusCode)
	}
	return fmt.Sprintf("%s: status %d: %s", e.Provider, e.StatusCode, e.Detail)
}

// Prediction is the callback payload posted to the webhook.
type Prediction struct {
	ID     string          `json:"id"`
	Status string          `json:"status"`
	Output Output          `json:"output"`
	Error  json.RawMessage `json:"error,omitempty"`
}

func (p Prediction) Succeeded() bool { return p.Status == StatusSucceeded }

func (p Prediction) Failed() bool {
	return p.Status == StatusFailed || p.Status == StatusCanceled
}

func (p Prediction) Terminal() bool { return p.Succeeded() || p.Failed() }

// ErrorMessage flattens the provider error, which is usually a string but
// may be an object.
func (p Prediction) ErrorMessage() string {
	raw := bytes.TrimSpace(p.Error)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

// Output accepts either a single URL or a list of URLs.
type Output []string

func (o *Output) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*o = nil
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*o = Output{s}
		return nil
	}
	if b[0] == '[' {
		var list []string
		if err := json.Unmarshal(b, &list); err != nil {
			return err
		}
		*o = list
		return nil
	}
	// unknown shape; treated as no output
	*o = nil
	return nil
}

func (o Output) First() string {
	for _, s := range o {
		if s != "" {
			return s
		}
	}
	return ""
}
