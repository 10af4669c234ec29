package notifier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	"riskguard/internal/store/model"
)

func newTestTelegram(url string) *Telegram {
	tg := NewTelegram("token", "42")
	tg.BaseURL = url
	tg.retryInterval = time.Millisecond
	return tg
}

func TestTelegramSendsMessage(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/bottoken/sendMessage", r.URL.Path)
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	require.NoError(t, newTestTelegram(srv.URL).SendText(context.Background(), "hello"))
	assert.Equal(t, "42", got["chat_id"])
	assert.Equal(t, "hello", got["text"])
}

func TestTelegramRetriesServerErrorsOnly(t *testing.T) {
	var calls, status atomic.Int32
	status.Store(http.StatusBadGateway)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(int(status.Load()))
	}))
	defer srv.Close()
	tg := newTestTelegram(srv.URL)

	assert.Error(t, tg.SendText(context.Background(), "x"))
	assert.Equal(t, int32(telegramAttempts), calls.Load())

	calls.Store(0)
	status.Store(http.StatusBadRequest)
	assert.Error(t, tg.SendText(context.Background(), "x"))
	assert.Equal(t, int32(1), calls.Load())
}

func TestTelegramRequiresCredentials(t *testing.T) {
	assert.Error(t, NewTelegram("", "1").SendText(context.Background(), "x"))
}

func TestReconciliationMessage(t *testing.T) {
	entry := model.ReconciliationEntry{
		ID: "rec-1", Operation: "executePartialTakeProfit", Symbol: "BTC/USDT", Side: "long",
		OrderID: "mkt-7", VenueSuccess: true,
		Details:   datatypes.JSON(`{"stage":2,"error":"disk full"}`),
		CreatedAt: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
	text := RenderReconciliation(entry)
	assert.Contains(t, text, "需要人工对账")
	assert.Contains(t, text, "订单: mkt-7")
	assert.Contains(t, text, "error: disk full")
	assert.Contains(t, text, "记录 ID: rec-1")
	assert.Contains(t, text, "2024-05-01 12:00:00 UTC")
	assert.NotContains(t, text, "仓位:")
	assert.Less(t, strings.Index(text, "error:"), strings.Index(text, "stage:"))
}

func TestReconciliationMessageTruncatesDetails(t *testing.T) {
	long := strings.Repeat("超时", 2000)
	raw, err := json.Marshal(map[string]any{"error": long, "note": "x```y"})
	require.NoError(t, err)
	entry := model.ReconciliationEntry{ID: "rec-3", Operation: "closePosition", Symbol: "BTC/USDT", Details: datatypes.JSON(raw)}

	text := RenderReconciliation(entry)
	assert.True(t, utf8.ValidString(text))
	assert.LessOrEqual(t, utf8.RuneCountInString(text), maxAlertRunes)
	assert.Contains(t, text, "error: "+strings.Repeat("超时", maxDetailRunes/2)+"...")
	assert.Contains(t, text, "note: x'''y")
	assert.True(t, strings.HasSuffix(text, "记录 ID: rec-3"))
	assert.Equal(t, 2, strings.Count(text, "```"))

	// 字段很多时整体截断，页脚仍保留
	many := make(map[string]any)
	for i := 0; i < 40; i++ {
		many[fmt.Sprintf("k%02d", i)] = long
	}
	raw, err = json.Marshal(many)
	require.NoError(t, err)
	entry.Details = datatypes.JSON(raw)
	text = RenderReconciliation(entry)
	assert.LessOrEqual(t, utf8.RuneCountInString(text), maxAlertRunes)
	assert.True(t, strings.HasSuffix(text, "记录 ID: rec-3"))
	assert.Equal(t, 2, strings.Count(text, "```"))
}

type recordingSender struct {
	mu    sync.Mutex
	texts []string
	err   error
}

func (r *recordingSender) SendText(_ context.Context, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.texts = append(r.texts, text)
	return r.err
}

func TestAlerterSwallowsDeliveryErrors(t *testing.T) {
	sender := &recordingSender{err: errors.New("offline")}
	a := NewReconciliationAlerter(sender)
	a.ReconciliationRecorded(context.Background(), model.ReconciliationEntry{ID: "rec-2", Operation: "closePosition", Symbol: "ETH/USDT"})
	require.Len(t, sender.texts, 1)
	assert.Contains(t, sender.texts[0], "closePosition")

	var nilAlerter *ReconciliationAlerter
	nilAlerter.ReconciliationRecorded(context.Background(), model.ReconciliationEntry{})
}
