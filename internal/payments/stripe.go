package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

var (
	ErrNotPaid        = errors.New("payment session is not paid")
	ErrInvalidSession = errors.New("payment session is invalid")
)

// Session is the verified outcome of a checkout.
type Session struct {
	Paid       bool
	Credits    int
	UserID     uint64
	SessionRef string
}

// StripeVerifier looks up Checkout Sessions. The purchase metadata
// (user_id, credits) is written when the session is created.
type StripeVerifier struct {
	BaseURL   string
	SecretKey string
	Client    *http.Client
}

func NewStripeVerifier(baseURL, secretKey string) *StripeVerifier {
	if baseURL == "" {
		baseURL = "https://api.stripe.com/v1"
	}
	return &StripeVerifier{
		BaseURL:   strings.TrimRight(baseURL, "/"),
		SecretKey: secretKey,
		Client:    &http.Client{Timeout: 15 * time.Second},
	}
}

type stripeSession struct {
	ID            string            `json:"id"`
	PaymentStatus string            `json:"payment_status"`
	Metadata      map[string]string `json:"metadata"`
	Error         *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (v *StripeVerifier) VerifySession(ctx context.Context, sessionID string) (*Session, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, ErrInvalidSession
	}
	if v.SecretKey == "" {
		return nil, errors.New("stripe: secret key is required")
	}

	endpoint := fmt.Sprintf("%s/checkout/sessions/%s", v.BaseURL, url.PathEscape(sessionID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+v.SecretKey)

	resp, err := v.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrInvalidSession
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4*1024))
		return nil, fmt.Errorf("stripe: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var s stripeSession
	if err := json.NewDecoder(resp.Body).Decode(&s); err != nil {
		return nil, err
	}

	uid, err := strconv.ParseUint(s.Metadata["user_id"], 10, 64)
	if err != nil || uid == 0 {
		return nil, fmt.Errorf("%w: missing user_id metadata", ErrInvalidSession)
	}
	credits, err := strconv.Atoi(s.Metadata["credits"])
	if err != nil || credits <= 0 {
		return nil, fmt.Errorf("%w: missing credits metadata", ErrInvalidSession)
	}

	return &Session{
		Paid:       s.PaymentStatus == "paid",
		Credits:    credits,
		UserID:     uid,
		SessionRef: s.ID,
	}, nil
}
