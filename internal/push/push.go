// Package push is the Push Dispatcher (spec.md §4.6): a gate sequence
// that decides whether a notification should be sent at all, followed by
// an asynchronous worker pool that fans it out to the recipient's active
// devices through a vendor (FCM for Android, APNs for iOS).
//
// The worker pool shape is grounded on the teacher's CommandDispatcher
// (internal/services/command_dispatcher.go): a buffered channel plus N
// goroutines draining it, with DispatchCommand's non-blocking enqueue and
// Start/Stop lifecycle.
package push

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/umbra-msg/umbra-core/internal/db"
	"github.com/umbra-msg/umbra-core/internal/logger"
	"github.com/umbra-msg/umbra-core/internal/models"
)

// ThrottleWindow suppresses repeat non-high-priority sends for the same
// (recipient, type, source) within this window (spec.md §4.6 gate 5).
const ThrottleWindow = 30 * time.Second

const (
	maxRetries     = 3
	maxTokensBatch = 500
)

var retryBackoff = []time.Duration{10 * time.Second, 20 * time.Second, 40 * time.Second}

// SendRequest is the Push Dispatcher's entry point payload (spec.md §4.6:
// "send(recipient_id, type, title, body, data, sender_id, source_type,
// source_id, target_type?, target_id?, high_priority)").
type SendRequest struct {
	RecipientID  int64
	SenderID     *int64
	Type         string
	Title        string
	Body         string
	Data         map[string]interface{}
	SourceType   string
	SourceID     string
	TargetType   string
	TargetID     string
	HighPriority bool
}

// Dispatcher implements messaging.PushDispatcher and
// callsignaling.PushDispatcher in addition to its own Send entry point.
type Dispatcher struct {
	devices *db.DeviceDB
	vendor  Vendor

	queue   chan deliveryTask
	workers int
	stop    chan struct{}

	mu       sync.Mutex
	throttle map[string]time.Time
}

func NewDispatcher(devices *db.DeviceDB, vendor Vendor) *Dispatcher {
	return &Dispatcher{
		devices:  devices,
		vendor:   vendor,
		queue:    make(chan deliveryTask, 1000),
		workers:  10,
		stop:     make(chan struct{}),
		throttle: make(map[string]time.Time),
	}
}

// SetWorkers configures the worker pool size. Call before Start.
func (d *Dispatcher) SetWorkers(n int) {
	if n > 0 {
		d.workers = n
	}
}

// Start launches the worker pool and blocks until Stop is called.
func (d *Dispatcher) Start() {
	logger.Push().Info().Int("workers", d.workers).Msg("starting push dispatcher")
	for i := 0; i < d.workers; i++ {
		go d.worker(i)
	}
	<-d.stop
	logger.Push().Info().Msg("push dispatcher stopped")
}

// Stop signals every worker to exit once its current task finishes.
func (d *Dispatcher) Stop() {
	close(d.stop)
}

// EnqueueNewMessage implements messaging.PushDispatcher. The message body
// is end-to-end encrypted, so the push carries no content — only the
// fact that a new message arrived (spec.md §4.3 step 9, §4.6).
func (d *Dispatcher) EnqueueNewMessage(ctx context.Context, recipientID int64, conversationID, messageID string) error {
	return d.Send(ctx, SendRequest{
		RecipientID: recipientID,
		Type:        models.NotifyTypeNewMessage,
		Title:       "New message",
		SourceType:  "message",
		SourceID:    messageID,
		TargetType:  "conversation",
		TargetID:    conversationID,
	})
}

// EnqueueIncomingCall implements callsignaling.PushDispatcher. Incoming
// calls are high priority, so they skip the DND and throttle gates
// (spec.md §4.5, §4.6 gates 3 and 5).
func (d *Dispatcher) EnqueueIncomingCall(ctx context.Context, recipientID int64, callID, conversationID string) error {
	return d.Send(ctx, SendRequest{
		RecipientID:  recipientID,
		Type:         models.NotifyTypeCall,
		Title:        "Incoming call",
		SourceType:   "call",
		SourceID:     callID,
		TargetType:   "conversation",
		TargetID:     conversationID,
		HighPriority: true,
	})
}

// Send runs the full gate sequence and, if the notification survives,
// persists it and queues its delivery task (spec.md §4.6).
func (d *Dispatcher) Send(ctx context.Context, req SendRequest) error {
	// Gate 1: self-recipient.
	if req.SenderID != nil && *req.SenderID == req.RecipientID {
		return nil
	}

	prefs, err := d.devices.EnsurePreferences(ctx, req.RecipientID)
	if err != nil {
		return err
	}

	// Gate 2: preference for type.
	if !preferenceEnabled(prefs, req.Type) {
		return nil
	}

	// Gate 3: DND, unless high priority.
	if !req.HighPriority && prefs.DNDEnabled && inDNDWindow(time.Now(), prefs.DNDStart, prefs.DNDEnd) {
		return nil
	}

	// Gate 4: mute rule on the target.
	if req.TargetType != "" && req.TargetID != "" {
		rule, err := d.devices.GetMuteRule(ctx, req.RecipientID, req.TargetType, req.TargetID)
		if err != nil {
			return err
		}
		if rule != nil && rule.IsActive(time.Now()) {
			return nil
		}
	}

	// Gate 5: 30s throttle per (recipient, type, source), unless high priority.
	if !req.HighPriority && d.throttled(req) {
		return nil
	}

	// Gate 6: enrich data with preview/sound/vibration flags.
	data := req.Data
	if data == nil {
		data = make(map[string]interface{})
	}
	data["show_preview"] = prefs.ShowPreview
	data["sound"] = prefs.Sound
	data["vibration"] = prefs.Vibration

	// Gate 7: persist.
	n := &models.Notification{
		RecipientID: req.RecipientID,
		SenderID:    req.SenderID,
		Type:        req.Type,
		Title:       req.Title,
		Body:        req.Body,
		Data:        data,
		SourceType:  req.SourceType,
		SourceID:    req.SourceID,
	}
	id, err := d.devices.InsertNotification(ctx, n)
	if err != nil {
		return err
	}

	// Gate 8: enqueue delivery.
	task := deliveryTask{
		notificationID: id,
		recipientID:    req.RecipientID,
		notifyType:     req.Type,
		title:          req.Title,
		body:           req.Body,
		data:           data,
		highPriority:   req.HighPriority,
		sound:          prefs.Sound,
	}
	select {
	case d.queue <- task:
	default:
		logger.Push().Warn().Int64("recipient_id", req.RecipientID).Msg("push delivery queue full, dropping task")
	}
	return nil
}

func preferenceEnabled(p *models.NotificationPreference, notifyType string) bool {
	switch notifyType {
	case models.NotifyTypeNewMessage:
		return p.NewMessage
	case models.NotifyTypeCall:
		return p.Call
	case models.NotifyTypeReaction:
		return p.Reaction
	case models.NotifyTypeGroupInvite:
		return p.GroupInvite
	case models.NotifyTypeSecurityAlert:
		return p.SecurityAlert
	default:
		return true
	}
}

// inDNDWindow reports whether now's local HH:MM falls within [start, end),
// handling windows that wrap past midnight (e.g. 22:00-07:00).
func inDNDWindow(now time.Time, start, end string) bool {
	if start == "" || end == "" {
		return false
	}
	cur := now.Format("15:04")
	if start <= end {
		return cur >= start && cur < end
	}
	return cur >= start || cur < end
}

func (d *Dispatcher) throttled(req SendRequest) bool {
	key := throttleKey(req.RecipientID, req.Type, req.SourceType, req.SourceID)
	now := time.Now()

	d.mu.Lock()
	defer d.mu.Unlock()
	if last, ok := d.throttle[key]; ok && now.Sub(last) < ThrottleWindow {
		return true
	}
	d.throttle[key] = now
	if len(d.throttle) > 100000 {
		d.throttle = make(map[string]time.Time)
	}
	return false
}

func throttleKey(recipientID int64, notifyType, sourceType, sourceID string) string {
	sum := md5.Sum([]byte(fmt.Sprintf("%d:%s:%s:%s", recipientID, notifyType, sourceType, sourceID)))
	return hex.EncodeToString(sum[:])
}

// PruneThrottle drops throttle entries older than the throttle window.
// Entries expire naturally against new Send calls, but a long idle
// period otherwise leaves them in memory forever; the maintenance
// scheduler calls this periodically (spec.md §4.7).
func (d *Dispatcher) PruneThrottle() {
	cutoff := time.Now().Add(-ThrottleWindow)
	d.mu.Lock()
	defer d.mu.Unlock()
	for key, at := range d.throttle {
		if at.Before(cutoff) {
			delete(d.throttle, key)
		}
	}
}

// deliveryTask is the unit of work a worker drains from the queue.
type deliveryTask struct {
	notificationID int64
	recipientID    int64
	notifyType     string
	title          string
	body           string
	data           map[string]interface{}
	highPriority   bool
	sound          bool
}

func (d *Dispatcher) worker(id int) {
	for {
		select {
		case task := <-d.queue:
			d.deliver(task)
		case <-d.stop:
			return
		}
	}
}

// deliver fetches active devices, builds per-vendor payloads, and stamps
// the outcome back onto the Notification row (spec.md §4.6).
func (d *Dispatcher) deliver(task deliveryTask) {
	ctx := context.Background()

	devices, err := d.devices.ListActiveDevices(ctx, task.recipientID)
	if err != nil {
		logger.Push().Error().Err(err).Int64("recipient_id", task.recipientID).Msg("failed to list active devices")
		return
	}
	if len(devices) == 0 {
		return
	}

	var androidTokens, iosTokens []string
	for _, dev := range devices {
		switch dev.Platform {
		case models.PlatformAndroid:
			androidTokens = append(androidTokens, dev.Token)
		case models.PlatformIOS:
			iosTokens = append(iosTokens, dev.Token)
		}
	}

	var anySent bool
	var lastMessageID, lastErr *string

	if len(androidTokens) > 0 {
		payload := AndroidPayload{
			Title: task.title, Body: task.body, Data: task.data,
			Priority: androidPriority(task.highPriority),
			TTL:      androidTTL(task.notifyType),
			Sound:    boolToSound(task.sound),
		}
		sent, mid, verr := d.deliverBatches(ctx, androidTokens, func(ctx context.Context, batch []string) ([]VendorResult, error) {
			return d.vendor.SendAndroid(ctx, batch, payload)
		})
		anySent = anySent || sent
		lastMessageID, lastErr = mid, verr
	}

	if len(iosTokens) > 0 {
		badge := 0
		if n, err := d.devices.CountUnreadNotifications(ctx, task.recipientID); err == nil {
			badge = n
		}
		payload := IOSPayload{
			Title: task.title, Body: task.body, Data: task.data,
			Sound: boolToSound(task.sound), Badge: badge,
			VoIP:  task.notifyType == models.NotifyTypeCall,
			Topic: iosTopic(task.notifyType),
		}
		sent, mid, verr := d.deliverBatches(ctx, iosTokens, func(ctx context.Context, batch []string) ([]VendorResult, error) {
			return d.vendor.SendIOS(ctx, batch, payload)
		})
		anySent = anySent || sent
		if mid != nil {
			lastMessageID = mid
		}
		if verr != nil {
			lastErr = verr
		}
	}

	if err := d.devices.UpdateNotificationVendorResult(ctx, task.notificationID, anySent, lastMessageID, lastErr); err != nil {
		logger.Push().Error().Err(err).Int64("notification_id", task.notificationID).Msg("failed to stamp vendor result")
	}
}

type sendFunc func(ctx context.Context, batch []string) ([]VendorResult, error)

// deliverBatches chunks tokens into groups of at most maxTokensBatch,
// retries transient failures with exponential backoff, and deactivates
// tokens the vendor reports as dead (spec.md §4.6 delivery task).
func (d *Dispatcher) deliverBatches(ctx context.Context, tokens []string, send sendFunc) (sent bool, messageID, vendorErr *string) {
	for start := 0; start < len(tokens); start += maxTokensBatch {
		end := start + maxTokensBatch
		if end > len(tokens) {
			end = len(tokens)
		}
		batch := tokens[start:end]
		s, mid, verr := d.deliverBatchWithRetry(ctx, batch, send)
		sent = sent || s
		if mid != nil {
			messageID = mid
		}
		if verr != nil {
			vendorErr = verr
		}
	}
	return sent, messageID, vendorErr
}

func (d *Dispatcher) deliverBatchWithRetry(ctx context.Context, batch []string, send sendFunc) (sent bool, messageID, vendorErr *string) {
	pending := batch
	for attempt := 0; ; attempt++ {
		results, err := send(ctx, pending)
		if err != nil {
			msg := err.Error()
			vendorErr = &msg
			if attempt >= maxRetries {
				return sent, messageID, vendorErr
			}
			time.Sleep(retryBackoff[attempt])
			continue
		}

		var retry []string
		for _, r := range results {
			switch {
			case r.Success:
				sent = true
				if r.MessageID != "" {
					mid := r.MessageID
					messageID = &mid
				}
			case isDeadTokenError(r.ErrorCode):
				if err := d.devices.DeactivateByToken(ctx, r.Token); err != nil {
					logger.Push().Warn().Err(err).Msg("failed to deactivate dead token")
				}
			default:
				retry = append(retry, r.Token)
				if r.ErrorCode != "" {
					code := r.ErrorCode
					vendorErr = &code
				}
			}
		}

		if len(retry) == 0 || attempt >= maxRetries {
			return sent, messageID, vendorErr
		}
		time.Sleep(retryBackoff[attempt])
		pending = retry
	}
}

func isDeadTokenError(code string) bool {
	switch code {
	case "NOT_FOUND", "UNREGISTERED", "INVALID_ARGUMENT":
		return true
	default:
		return false
	}
}

func androidPriority(highPriority bool) string {
	if highPriority {
		return "high"
	}
	return "normal"
}

func androidTTL(notifyType string) time.Duration {
	if notifyType == models.NotifyTypeCall {
		return 30 * time.Second
	}
	return 24 * time.Hour
}

func iosTopic(notifyType string) string {
	if notifyType == models.NotifyTypeCall {
		return "com.umbra.app.voip"
	}
	return "com.umbra.app"
}

func boolToSound(enabled bool) string {
	if enabled {
		return "default"
	}
	return ""
}
