package push

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/umbra-msg/umbra-core/internal/db"
)

type fakeVendor struct {
	androidCalls [][]string
	iosCalls     [][]string
	androidResp  []VendorResult
	iosResp      []VendorResult
	err          error
}

func (f *fakeVendor) SendAndroid(ctx context.Context, tokens []string, payload AndroidPayload) ([]VendorResult, error) {
	f.androidCalls = append(f.androidCalls, tokens)
	if f.err != nil {
		return nil, f.err
	}
	if f.androidResp != nil {
		return f.androidResp, nil
	}
	results := make([]VendorResult, len(tokens))
	for i, t := range tokens {
		results[i] = VendorResult{Token: t, Success: true, MessageID: "msg-" + t}
	}
	return results, nil
}

func (f *fakeVendor) SendIOS(ctx context.Context, tokens []string, payload IOSPayload) ([]VendorResult, error) {
	f.iosCalls = append(f.iosCalls, tokens)
	if f.err != nil {
		return nil, f.err
	}
	if f.iosResp != nil {
		return f.iosResp, nil
	}
	results := make([]VendorResult, len(tokens))
	for i, t := range tokens {
		results[i] = VendorResult{Token: t, Success: true, MessageID: "msg-" + t}
	}
	return results, nil
}

func preferenceColumns() []string {
	return []string{
		"user_id", "new_message", "call", "reaction", "group_invite", "security_alert",
		"dnd_enabled", "dnd_start", "dnd_end", "show_preview", "sound", "vibration",
	}
}

func newTestDispatcher(t *testing.T) (*Dispatcher, sqlmock.Sqlmock, *fakeVendor) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })

	devices := db.NewDeviceDB(sqlDB)
	vendor := &fakeVendor{}
	return NewDispatcher(devices, vendor), mock, vendor
}

func TestSend_SelfRecipientDropsWithoutAnyQuery(t *testing.T) {
	d, mock, _ := newTestDispatcher(t)
	sender := int64(7)

	err := d.Send(context.Background(), SendRequest{
		RecipientID: 7, SenderID: &sender, Type: "new_message",
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSend_PreferenceDisabledDrops(t *testing.T) {
	d, mock, _ := newTestDispatcher(t)

	mock.ExpectQuery("SELECT user_id, new_message").
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows(preferenceColumns()).
			AddRow(int64(1), false, true, true, true, true, false, "", "", true, true, true))

	err := d.Send(context.Background(), SendRequest{
		RecipientID: 1, Type: "new_message", SourceType: "message", SourceID: "m-1",
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSend_DNDActiveDropsUnlessHighPriority(t *testing.T) {
	d, mock, _ := newTestDispatcher(t)

	mock.ExpectQuery("SELECT user_id, new_message").
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows(preferenceColumns()).
			AddRow(int64(1), true, true, true, true, true, true, "00:00", "23:59", true, true, true))

	err := d.Send(context.Background(), SendRequest{
		RecipientID: 1, Type: "new_message", SourceType: "message", SourceID: "m-1",
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSend_ThrottlesRepeatWithinWindow(t *testing.T) {
	d, mock, _ := newTestDispatcher(t)

	// First send: survives the gate and persists + enqueues.
	mock.ExpectQuery("SELECT user_id, new_message").
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows(preferenceColumns()).
			AddRow(int64(1), true, true, true, true, true, false, "", "", true, true, true))
	mock.ExpectQuery("INSERT INTO notifications").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(100)))

	req := SendRequest{RecipientID: 1, Type: "new_message", SourceType: "message", SourceID: "m-1"}
	require.NoError(t, d.Send(context.Background(), req))

	// Second identical send within the throttle window: dropped before any
	// further query (same preference lookup always happens first; after
	// that, no INSERT should fire).
	mock.ExpectQuery("SELECT user_id, new_message").
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows(preferenceColumns()).
			AddRow(int64(1), true, true, true, true, true, false, "", "", true, true, true))

	require.NoError(t, d.Send(context.Background(), req))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSend_HighPrioritySkipsThrottleAndDND(t *testing.T) {
	d, mock, _ := newTestDispatcher(t)

	for i := 0; i < 2; i++ {
		mock.ExpectQuery("SELECT user_id, new_message").
			WithArgs(int64(1)).
			WillReturnRows(sqlmock.NewRows(preferenceColumns()).
				AddRow(int64(1), true, true, true, true, true, true, "00:00", "23:59", true, true, true))
		mock.ExpectQuery("INSERT INTO notifications").
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(int64(200 + i))))
	}

	req := SendRequest{RecipientID: 1, Type: "call", SourceType: "call", SourceID: "c-1", HighPriority: true}
	require.NoError(t, d.Send(context.Background(), req))
	require.NoError(t, d.Send(context.Background(), req))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInDNDWindow_HandlesWraparound(t *testing.T) {
	night := time.Date(2026, 1, 1, 23, 0, 0, 0, time.UTC)
	morning := time.Date(2026, 1, 1, 3, 0, 0, 0, time.UTC)
	noon := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	assert.True(t, inDNDWindow(night, "22:00", "07:00"))
	assert.True(t, inDNDWindow(morning, "22:00", "07:00"))
	assert.False(t, inDNDWindow(noon, "22:00", "07:00"))
	assert.False(t, inDNDWindow(noon, "", ""))
}

func TestDeliverBatches_ClassifiesDeadTokensAndRetriesOthers(t *testing.T) {
	d, mock, vendor := newTestDispatcher(t)
	vendor.androidResp = []VendorResult{
		{Token: "tok-dead", ErrorCode: "UNREGISTERED"},
		{Token: "tok-ok", Success: true, MessageID: "m-1"},
	}

	mock.ExpectExec("UPDATE device_tokens SET active = false WHERE token").
		WithArgs("tok-dead").
		WillReturnResult(sqlmock.NewResult(0, 1))

	sent, mid, verr := d.deliverBatches(context.Background(), []string{"tok-dead", "tok-ok"},
		func(ctx context.Context, batch []string) ([]VendorResult, error) {
			return vendor.SendAndroid(ctx, batch, AndroidPayload{})
		})

	assert.True(t, sent)
	require.NotNil(t, mid)
	assert.Equal(t, "m-1", *mid)
	assert.Nil(t, verr)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func muteRuleColumns() []string {
	return []string{"id", "user_id", "target_type", "target_id", "muted_until", "created_at"}
}

func TestEnqueueNewMessage_SetsNewMessageType(t *testing.T) {
	d, mock, _ := newTestDispatcher(t)

	mock.ExpectQuery("SELECT user_id, new_message").
		WithArgs(int64(9)).
		WillReturnRows(sqlmock.NewRows(preferenceColumns()).
			AddRow(int64(9), true, true, true, true, true, false, "", "", true, true, true))
	mock.ExpectQuery("SELECT id, user_id, target_type, target_id, muted_until").
		WithArgs(int64(9), "conversation", "conv-1").
		WillReturnRows(sqlmock.NewRows(muteRuleColumns()))
	mock.ExpectQuery("INSERT INTO notifications").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(1)))

	err := d.EnqueueNewMessage(context.Background(), 9, "conv-1", "msg-1")
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEnqueueIncomingCall_IsHighPriority(t *testing.T) {
	d, mock, _ := newTestDispatcher(t)

	mock.ExpectQuery("SELECT user_id, new_message").
		WithArgs(int64(9)).
		WillReturnRows(sqlmock.NewRows(preferenceColumns()).
			AddRow(int64(9), true, true, true, true, true, true, "00:00", "23:59", true, true, true))
	mock.ExpectQuery("SELECT id, user_id, target_type, target_id, muted_until").
		WithArgs(int64(9), "conversation", "conv-1").
		WillReturnRows(sqlmock.NewRows(muteRuleColumns()))
	mock.ExpectQuery("INSERT INTO notifications").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(2)))

	err := d.EnqueueIncomingCall(context.Background(), 9, "call-1", "conv-1")
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestThrottleKey_IsStablePerInputs(t *testing.T) {
	a := throttleKey(1, "new_message", "message", "m-1")
	b := throttleKey(1, "new_message", "message", "m-1")
	c := throttleKey(1, "new_message", "message", "m-2")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}
