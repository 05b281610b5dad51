package dispatch

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// WebhookNotifier posts offers to a driver-app backend endpoint.
type WebhookNotifier struct {
	Endpoint string
	Client   *http.Client
}

func NewWebhookNotifier(endpoint string) *WebhookNotifier {
	return &WebhookNotifier{Endpoint: endpoint, Client: &http.Client{Timeout: 3 * time.Second}}
}

func (w *WebhookNotifier) Offer(driverID string, offer Offer) error {
	payload := map[string]any{"driver_id": driverID, "offer": offer}
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	resp, err := w.Client.Post(w.Endpoint, "application/json", bytes.NewReader(b))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	}
	return nil
}

// FCMNotifier posts offers as data messages to the FCM HTTPv1 endpoint.
type FCMNotifier struct {
	Endpoint string
	Key      string
	Client   *http.Client
}

func NewFCMNotifier(endpoint, key string) *FCMNotifier {
	return &FCMNotifier{Endpoint: endpoint, Key: key, Client: &http.Client{Timeout: 3 * time.Second}}
}

func (f *FCMNotifier) Offer(driverID string, offer Offer) error {
	body := map[string]any{"message": map[string]any{
		"token": driverID,
		"data":  map[string]any{"assignment_id": offer.AssignmentID, "ride_id": offer.RideID},
	}}
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodPost, f.Endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if f.Key != "" {
		req.Header.Set("Authorization", "Bearer "+f.Key)
	}
	resp, err := f.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("fcm returned %d", resp.StatusCode)
	}
	return nil
}

// ChainNotifier tries each notifier in order until one delivers. The
// websocket session comes first, push fallbacks after.
type ChainNotifier struct {
	Notifiers []Notifier
}

func (c *ChainNotifier) Offer(driverID string, offer Offer) error {
	var lastErr error = ErrNoSession
	for _, n := range c.Notifiers {
		if n == nil {
			continue
		}
		if err := n.Offer(driverID, offer); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return lastErr
}
