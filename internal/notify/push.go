package notify

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"
)

// PushNotifier posts events to a push gateway (FCM proxy or similar) with a
// bearer key. Sends run in the caller's goroutine but with a short client
// timeout so the core path is never held hostage.
type PushNotifier struct {
	Endpoint string
	Key      string
	Client   *http.Client
	Logger   *slog.Logger
}

func NewPushNotifier(endpoint, key string, logger *slog.Logger) *PushNotifier {
	return &PushNotifier{Endpoint: endpoint, Key: key, Client: &http.Client{Timeout: 3 * time.Second}, Logger: logger}
}

func (p *PushNotifier) Notify(ev Event) {
	body := map[string]any{"message": map[string]any{
		"recipient": ev.RecipientID,
		"data":      map[string]any{"type": ev.Type, "message": ev.Message, "data": ev.Data},
	}}
	b, _ := json.Marshal(body)
	req, err := http.NewRequest(http.MethodPost, p.Endpoint, bytes.NewReader(b))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	if p.Key != "" {
		req.Header.Set("Authorization", "Bearer "+p.Key)
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		if p.Logger != nil {
			p.Logger.Warn("push send failed", "recipient", ev.RecipientID, "type", ev.Type, "error", err)
		}
		return
	}
	_ = resp.Body.Close()
}
