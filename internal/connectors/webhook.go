package connectors

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xela07ax/agentvault/internal/recovery"
)

// Webhook отправляет действие POST-запросом на внешний сервис (почтовый шлюз, соцсети, мессенджер).
type Webhook struct {
	url    string
	token  string
	client *http.Client
	logger *zap.Logger
}

type webhookRequest struct {
	Action string         `json:"action"`
	Params map[string]any `json:"params"`
}

type webhookResponse struct {
	Status string `json:"status"`
	ID     string `json:"id,omitempty"`
}

func NewWebhook(url, token string, client *http.Client, logger *zap.Logger) *Webhook {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &Webhook{url: url, token: token, client: client, logger: logger.Named("webhook")}
}

func (w *Webhook) Execute(ctx context.Context, actionType string, params map[string]any) (string, error) {
	body, err := json.Marshal(webhookRequest{Action: actionType, Params: params})
	if err != nil {
		return "", recovery.AsData(fmt.Errorf("encode webhook body: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return "", recovery.AsLogic(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if w.token != "" {
		req.Header.Set("Authorization", "Bearer "+w.token)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return "", recovery.AsTransient(fmt.Errorf("webhook %s: %w", actionType, err))
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return "", &ThrottleError{
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
			Cause:      &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(raw))},
		}
	case resp.StatusCode >= 300:
		return "", &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}

	var out webhookResponse
	if err := json.Unmarshal(raw, &out); err != nil || out.Status == "" {
		// Сервис ответил 2xx без тела: действие исполнено
		return fmt.Sprintf("%s: %d", actionType, resp.StatusCode), nil
	}
	w.logger.Debug("webhook delivered", zap.String("action", actionType), zap.String("status", out.Status))
	if out.ID != "" {
		return fmt.Sprintf("%s: %s (%s)", actionType, out.Status, out.ID), nil
	}
	return fmt.Sprintf("%s: %s", actionType, out.Status), nil
}

// parseRetryAfter понимает только секунды; HTTP-дата сводится к backoff по умолчанию.
func parseRetryAfter(v string) time.Duration {
	secs, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
