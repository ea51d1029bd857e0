package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// PushNotifier posts JSON to an external push gateway (FCM-style HTTP
// endpoint with a bearer key). Used when the target has no live websocket.
type PushNotifier struct {
	Endpoint string
	Key      string
	Client   *http.Client
}

func NewPushNotifier(endpoint, key string) *PushNotifier {
	return &PushNotifier{Endpoint: endpoint, Key: key, Client: &http.Client{Timeout: 3 * time.Second}}
}

func (p *PushNotifier) Notify(ctx context.Context, targetID, event string, payload any) error {
	body := map[string]any{"target": targetID, "message": Message{Type: event, Data: payload}}
	b, _ := json.Marshal(body)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.Endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.Key != "" {
		req.Header.Set("Authorization", "Bearer "+p.Key)
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("push gateway status %d", resp.StatusCode)
	}
	return nil
}

// WSFirst tries the websocket channel and falls back to push delivery for
// targets with no live connection.
type WSFirst struct {
	WS       *WSRegistry
	Fallback Notifier // optional
}

func (w *WSFirst) Notify(ctx context.Context, targetID, event string, payload any) error {
	err := w.WS.Notify(ctx, targetID, event, payload)
	if err == nil {
		return nil
	}
	if w.Fallback != nil {
		return w.Fallback.Notify(ctx, targetID, event, payload)
	}
	return err
}
