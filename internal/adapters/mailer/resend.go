// Package mailer delivers digest emails through the Resend API.
package mailer

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

	"github.com/rs/zerolog"

	"capmatch-digest/internal/domain"
	"capmatch-digest/internal/infra/metrics"
	"capmatch-digest/internal/usecase/digest"
)

const (
	defaultBaseURL = "https://api.resend.com"
	maxRetries     = 3
	retryDelay     = 500 * time.Millisecond
)

// ErrNoRecipient is returned when the user has no email address on file.
var ErrNoRecipient = errors.New("user has no email address")

// Config holds the mailer settings.
type Config struct {
	BaseURL string
	APIKey  string
	From    string
	// TestMode redirects every send to TestRecipient.
	TestMode      bool
	TestRecipient string
	// ForceTo overrides the recipient unconditionally. Wins over TestMode.
	ForceTo string
	// DryRun logs the email instead of calling Resend.
	DryRun  bool
	Timeout time.Duration
}

// Resend implements domain.DigestSender.
type Resend struct {
	client *http.Client
	cfg    Config
	log    zerolog.Logger
}

var _ domain.DigestSender = (*Resend)(nil)

// NewResend builds the mailer.
func NewResend(cfg Config, logger zerolog.Logger) *Resend {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Resend{
		client: &http.Client{Timeout: cfg.Timeout},
		cfg:    cfg,
		log:    logger,
	}
}

type sendRequest struct {
	From    string `json:"from"`
	To      string `json:"to"`
	Subject string `json:"subject"`
	HTML    string `json:"html"`
	Text    string `json:"text"`
}

// Send renders and delivers one user's digest.
func (r *Resend) Send(ctx context.Context, user domain.User, summary domain.DigestSummary) error {
	to, err := r.recipient(user)
	if err != nil {
		return err
	}

	html, text, err := digest.BuildEmail(user, summary)
	if err != nil {
		return err
	}

	subject := fmt.Sprintf("Your CapMatch daily digest for %s", summary.Date.Format("January 2, 2006"))

	if r.cfg.DryRun {
		r.log.Info().
			Str("user_id", user.ID).
			Str("to", to).
			Str("subject", subject).
			Int("events", summary.TotalEvents()).
			Msg("mailer: dry run, not sending")
		return nil
	}

	payload, err := json.Marshal(sendRequest{
		From:    r.cfg.From,
		To:      to,
		Subject: subject,
		HTML:    html,
		Text:    text,
	})
	if err != nil {
		return fmt.Errorf("marshal send request: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(retryDelay * time.Duration(attempt-1)):
			}
		}
		retryable, err := r.post(ctx, payload)
		if err == nil {
			r.log.Info().Str("user_id", user.ID).Str("to", to).Msg("mailer: digest sent")
			return nil
		}
		lastErr = err
		if !retryable {
			break
		}
		r.log.Warn().Err(err).Str("user_id", user.ID).Int("attempt", attempt).Msg("mailer: send attempt failed")
	}
	return fmt.Errorf("send digest to %s: %w", to, lastErr)
}

// post performs one API call and reports whether a failure is retryable.
func (r *Resend) post(ctx context.Context, payload []byte) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.cfg.BaseURL+"/emails", bytes.NewReader(payload))
	if err != nil {
		return false, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+r.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := r.client.Do(req)
	metrics.ObserveNetworkRequest("resend", "send_email", "emails", start, err)
	if err != nil {
		return true, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 300 {
		return false, nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	retryable := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
	return retryable, fmt.Errorf("resend: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
}

// recipient decides where the email actually goes for this environment.
func (r *Resend) recipient(user domain.User) (string, error) {
	if r.cfg.ForceTo != "" {
		return r.cfg.ForceTo, nil
	}
	if r.cfg.TestMode {
		if r.cfg.TestRecipient != "" {
			return r.cfg.TestRecipient, nil
		}
		r.log.Warn().Str("user_id", user.ID).Msg("mailer: test mode without test recipient, using user email")
	}
	if user.Email == "" {
		return "", ErrNoRecipient
	}
	return user.Email, nil
}
