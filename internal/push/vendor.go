package push

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// VendorResult is one token's outcome from a vendor send call.
type VendorResult struct {
	Token     string
	Success   bool
	MessageID string
	ErrorCode string
}

// AndroidPayload carries the fields the push dispatcher varies per
// platform (spec.md §4.6: "Android and iOS configurations differ in
// TTL/priority/channel/sound").
type AndroidPayload struct {
	Title, Body string
	Data        map[string]interface{}
	Priority    string
	TTL         time.Duration
	Sound       string
}

// IOSPayload carries the APNs-specific fields, including the VoIP flag
// that routes call notifications to the data-only VoIP topic.
type IOSPayload struct {
	Title, Body string
	Data        map[string]interface{}
	Sound       string
	Badge       int
	VoIP        bool
	Topic       string
}

// Vendor is the outbound push transport. No vendor push SDK (FCM/APNs)
// is available to import, so implementations speak each vendor's HTTP
// API directly, grounded on the teacher's sendWebhookNotification
// (internal/handlers/notifications.go): a plain http.Client with a
// fixed timeout, JSON body, and status-code-based error classification.
type Vendor interface {
	SendAndroid(ctx context.Context, tokens []string, payload AndroidPayload) ([]VendorResult, error)
	SendIOS(ctx context.Context, tokens []string, payload IOSPayload) ([]VendorResult, error)
}

// FCMConfig configures the legacy FCM HTTP multicast endpoint, which
// (unlike FCM's newer per-token v1 API) accepts up to 1000
// registration_ids in a single call and returns a per-token results
// array — matching the batch/classify shape the dispatcher needs.
type FCMConfig struct {
	ServerKey string
	Endpoint  string // defaults to https://fcm.googleapis.com/fcm/send
}

type FCMVendor struct {
	config FCMConfig
	client *http.Client
}

func NewFCMVendor(config FCMConfig) *FCMVendor {
	if config.Endpoint == "" {
		config.Endpoint = "https://fcm.googleapis.com/fcm/send"
	}
	return &FCMVendor{config: config, client: &http.Client{Timeout: 10 * time.Second}}
}

type fcmRequest struct {
	RegistrationIDs []string          `json:"registration_ids"`
	Priority        string            `json:"priority"`
	TimeToLive      int               `json:"time_to_live"`
	Notification    *fcmNotification  `json:"notification,omitempty"`
	Data            map[string]interface{} `json:"data,omitempty"`
}

type fcmNotification struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	Sound string `json:"sound,omitempty"`
}

type fcmResponse struct {
	Results []struct {
		MessageID string `json:"message_id"`
		Error     string `json:"error"`
	} `json:"results"`
}

func (v *FCMVendor) SendAndroid(ctx context.Context, tokens []string, payload AndroidPayload) ([]VendorResult, error) {
	body, err := json.Marshal(fcmRequest{
		RegistrationIDs: tokens,
		Priority:        payload.Priority,
		TimeToLive:      int(payload.TTL.Seconds()),
		Notification:    &fcmNotification{Title: payload.Title, Body: payload.Body, Sound: payload.Sound},
		Data:            payload.Data,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.config.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "key="+v.config.ServerKey)

	resp, err := v.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("fcm: status %d: %s", resp.StatusCode, string(raw))
	}

	var parsed fcmResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, err
	}

	results := make([]VendorResult, 0, len(tokens))
	for i, tok := range tokens {
		r := VendorResult{Token: tok}
		if i < len(parsed.Results) {
			item := parsed.Results[i]
			if item.Error == "" {
				r.Success = true
				r.MessageID = item.MessageID
			} else {
				r.ErrorCode = item.Error
			}
		}
		results = append(results, r)
	}
	return results, nil
}

// APNsConfig configures the APNs HTTP/2 gateway. AuthToken is a
// pre-signed provider JWT (ES256 over the APNs auth key); signing it is
// outside the push dispatcher's scope.
type APNsConfig struct {
	AuthToken string
	Endpoint  string // defaults to https://api.push.apple.com
}

type APNsVendor struct {
	config APNsConfig
	client *http.Client
}

func NewAPNsVendor(config APNsConfig) *APNsVendor {
	if config.Endpoint == "" {
		config.Endpoint = "https://api.push.apple.com"
	}
	return &APNsVendor{config: config, client: &http.Client{Timeout: 10 * time.Second}}
}

type apnsAlert struct {
	Title string `json:"title,omitempty"`
	Body  string `json:"body,omitempty"`
}

type apnsAps struct {
	Alert            *apnsAlert `json:"alert,omitempty"`
	Sound            string     `json:"sound,omitempty"`
	Badge            int        `json:"badge,omitempty"`
	ContentAvailable int        `json:"content-available,omitempty"`
}

type apnsPayload struct {
	Aps  apnsAps                `json:"aps"`
	Data map[string]interface{} `json:"data,omitempty"`
}

// SendIOS has no native multicast (unlike FCM legacy), so it issues one
// HTTP/2 request per token and collects results individually. VoIP
// pushes are data-only: no alert/sound/badge, just content-available.
func (v *APNsVendor) SendIOS(ctx context.Context, tokens []string, payload IOSPayload) ([]VendorResult, error) {
	aps := apnsAps{}
	if payload.VoIP {
		aps.ContentAvailable = 1
	} else {
		aps.Alert = &apnsAlert{Title: payload.Title, Body: payload.Body}
		aps.Sound = payload.Sound
		aps.Badge = payload.Badge
	}
	body, err := json.Marshal(apnsPayload{Aps: aps, Data: payload.Data})
	if err != nil {
		return nil, err
	}

	results := make([]VendorResult, 0, len(tokens))
	for _, tok := range tokens {
		results = append(results, v.sendOne(ctx, tok, body, payload.Topic, payload.VoIP))
	}
	return results, nil
}

func (v *APNsVendor) sendOne(ctx context.Context, token string, body []byte, topic string, voip bool) VendorResult {
	url := fmt.Sprintf("%s/3/device/%s", v.config.Endpoint, token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return VendorResult{Token: token, ErrorCode: "InternalError"}
	}
	req.Header.Set("Authorization", "bearer "+v.config.AuthToken)
	req.Header.Set("apns-topic", topic)
	req.Header.Set("apns-priority", "10")
	if voip {
		req.Header.Set("apns-push-type", "voip")
	} else {
		req.Header.Set("apns-push-type", "alert")
	}

	resp, err := v.client.Do(req)
	if err != nil {
		return VendorResult{Token: token, ErrorCode: "InternalError"}
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)

	if resp.StatusCode == http.StatusOK {
		return VendorResult{Token: token, Success: true, MessageID: resp.Header.Get("apns-id")}
	}

	var parsed struct {
		Reason string `json:"reason"`
	}
	_ = json.Unmarshal(raw, &parsed)
	code := parsed.Reason
	if code == "" {
		code = fmt.Sprintf("status_%d", resp.StatusCode)
	}
	if resp.StatusCode == http.StatusGone || code == "BadDeviceToken" || code == "Unregistered" {
		return VendorResult{Token: token, ErrorCode: "UNREGISTERED"}
	}
	return VendorResult{Token: token, ErrorCode: code}
}

// DualVendor composes the Android and iOS transports into a single Vendor,
// since the dispatcher (internal/push/push.go) fans a batch out by platform
// but only holds one Vendor reference.
type DualVendor struct {
	Android *FCMVendor
	IOS     *APNsVendor
}

func NewDualVendor(android *FCMVendor, ios *APNsVendor) *DualVendor {
	return &DualVendor{Android: android, IOS: ios}
}

func (v *DualVendor) SendAndroid(ctx context.Context, tokens []string, payload AndroidPayload) ([]VendorResult, error) {
	return v.Android.SendAndroid(ctx, tokens, payload)
}

func (v *DualVendor) SendIOS(ctx context.Context, tokens []string, payload IOSPayload) ([]VendorResult, error) {
	return v.IOS.SendIOS(ctx, tokens, payload)
}
