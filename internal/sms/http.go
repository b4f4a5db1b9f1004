package sms

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/BradenHooton/authcore/internal/models"
	"github.com/BradenHooton/authcore/pkg/logger"
)

const defaultTimeout = 15 * time.Second

// HTTPProvider posts messages to a JSON SMS gateway
type HTTPProvider struct {
	URL        string
	APIKey     string
	Sender     string
	HTTPClient *http.Client
	logger     *slog.Logger
}

type httpSendRequest struct {
	To      string `json:"to"`
	From    string `json:"from,omitempty"`
	Message string `json:"message"`
}

type httpSendResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// NewHTTPProvider returns a gateway client with a bounded request timeout
func NewHTTPProvider(url, apiKey, sender string, logger *slog.Logger) *HTTPProvider {
	return &HTTPProvider{
		URL:        url,
		APIKey:     apiKey,
		Sender:     sender,
		HTTPClient: &http.Client{Timeout: defaultTimeout},
		logger:     logger,
	}
}

func (p *HTTPProvider) Name() string {
	return "http"
}

func (p *HTTPProvider) Send(ctx context.Context, number, message string) (models.SMSSendResult, error) {
	raw, err := json.Marshal(httpSendRequest{To: number, From: p.Sender, Message: message})
	if err != nil {
		return models.SMSSendResult{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.URL, bytes.NewReader(raw))
	if err != nil {
		return models.SMSSendResult{}, fmt.Errorf("sms gateway request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.APIKey)
	}

	resp, err := p.HTTPClient.Do(req)
	if err != nil {
		return models.SMSSendResult{}, fmt.Errorf("sms gateway request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		p.logger.Warn("sms gateway rejected message",
			logger.PhoneAttr("phone", number),
			slog.Int("status", resp.StatusCode))
		return models.SMSSendResult{}, fmt.Errorf("sms gateway: status=%d body=%s", resp.StatusCode, string(b))
	}

	var out httpSendResponse
	// a 2xx with an unreadable body still counts as accepted
	_ = json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&out)

	p.logger.Info("sms accepted by gateway",
		logger.PhoneAttr("phone", number),
		slog.String("message_id", out.ID))
	return models.SMSSendResult{Success: true, ProviderMessageID: out.ID}, nil
}
