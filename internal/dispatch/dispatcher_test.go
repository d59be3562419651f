package dispatch

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/peopleops/pulse/internal/channel"
	"github.com/peopleops/pulse/internal/delivery"
)

type fakeSender struct {
	// errs are returned in order; once exhausted every call succeeds.
	errs      []error
	calls     int
	lastAddr  string
	lastText  string
	messageID string
}

func (f *fakeSender) Send(ctx context.Context, address, text string) (string, error) {
	f.calls++
	f.lastAddr = address
	f.lastText = text
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return "", err
		}
	}
	if f.messageID == "" {
		return "msg_1", nil
	}
	return f.messageID, nil
}

type fakeContent struct {
	surveyID string
	question string
	err      error
}

func (f *fakeContent) Content(ctx context.Context, scheduleID string) (string, string, error) {
	return f.surveyID, f.question, f.err
}

func testDispatcher(t *testing.T, ledger delivery.Ledger, sender channel.Sender) *Dispatcher {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	content := &fakeContent{surveyID: "survey-1", question: "How was your week?"}
	return NewDispatcher(ledger, sender, content, nil, "https://hr.example.com", log)
}

func insertPending(t *testing.T, ledger *delivery.MemoryLedger, address string) *delivery.Record {
	t.Helper()
	token, err := delivery.NewResponseToken()
	if err != nil {
		t.Fatal(err)
	}
	rec := &delivery.Record{
		ScheduleID:    "s1",
		RecipientID:   "e1",
		Address:       address,
		ResponseToken: token,
	}
	if _, err := ledger.Insert(context.Background(), rec); err != nil {
		t.Fatal(err)
	}
	return ledger.Get(rec.ID)
}

func TestDispatchSuccess(t *testing.T) {
	ledger := delivery.NewMemoryLedger()
	sender := &fakeSender{messageID: "msg_77"}
	d := testDispatcher(t, ledger, sender)

	rec := insertPending(t, ledger, "2025550100")
	if err := d.Dispatch(context.Background(), rec); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}

	got := ledger.Get(rec.ID)
	if got.Status != delivery.StatusSent {
		t.Fatalf("status = %s, want sent", got.Status)
	}
	if got.ProviderMessageID != "msg_77" {
		t.Errorf("provider message id = %q, want msg_77", got.ProviderMessageID)
	}
	if got.Address != "12025550100" {
		t.Errorf("address = %q, want canonical 12025550100", got.Address)
	}
	if got.SentAt == nil {
		t.Error("sent_at not stamped")
	}
	if sender.lastAddr != "12025550100" {
		t.Errorf("sender called with %q, want canonical address", sender.lastAddr)
	}
}

func TestDispatchRendersReplyURL(t *testing.T) {
	ledger := delivery.NewMemoryLedger()
	sender := &fakeSender{}
	d := testDispatcher(t, ledger, sender)

	rec := insertPending(t, ledger, "2025550100")
	if err := d.Dispatch(context.Background(), rec); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}

	wantURL := "https://hr.example.com/r/" + rec.ResponseToken
	if !strings.Contains(sender.lastText, "How was your week?") || !strings.Contains(sender.lastText, wantURL) {
		t.Errorf("message text missing question or reply URL:\n%s", sender.lastText)
	}
}

func TestDispatchLinearBackoff(t *testing.T) {
	ledger := delivery.NewMemoryLedger()
	transient := &channel.APIError{StatusCode: http.StatusInternalServerError, Body: "boom"}
	sender := &fakeSender{errs: []error{transient, transient, transient}}

	now := time.Date(2024, 6, 10, 12, 0, 0, 0, time.UTC)
	d := testDispatcher(t, ledger, sender).WithClock(func() time.Time { return now })

	rec := insertPending(t, ledger, "2025550100")

	// First failure: retry in 1 x 5m.
	if err := d.Dispatch(context.Background(), rec); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	got := ledger.Get(rec.ID)
	if got.Status != delivery.StatusPending || got.RetryCount != 1 {
		t.Fatalf("after 1st failure: status=%s retries=%d, want pending/1", got.Status, got.RetryCount)
	}
	if want := now.Add(5 * time.Minute); !got.NextRetryAt.Equal(want) {
		t.Errorf("next_retry_at = %v, want %v", got.NextRetryAt, want)
	}

	// Second failure: retry in 2 x 5m, strictly later than the first.
	if err := d.Dispatch(context.Background(), got); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	got = ledger.Get(rec.ID)
	if got.Status != delivery.StatusPending || got.RetryCount != 2 {
		t.Fatalf("after 2nd failure: status=%s retries=%d, want pending/2", got.Status, got.RetryCount)
	}
	if want := now.Add(10 * time.Minute); !got.NextRetryAt.Equal(want) {
		t.Errorf("next_retry_at = %v, want %v", got.NextRetryAt, want)
	}

	// Third failure exhausts the budget (max 3): terminal.
	if err := d.Dispatch(context.Background(), got); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	got = ledger.Get(rec.ID)
	if got.Status != delivery.StatusFailed {
		t.Fatalf("after 3rd failure: status = %s, want failed", got.Status)
	}
	if got.RetryCount != 3 {
		t.Errorf("retry count = %d, want 3", got.RetryCount)
	}
	if got.ErrorMessage == "" {
		t.Error("error message not recorded")
	}

	// Failed records never come back into the due set.
	due, err := ledger.Due(context.Background(), now.Add(24*time.Hour), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 0 {
		t.Errorf("failed record still polled: %v", due)
	}
}

func TestDispatchPermanentRejectionDoesNotRetry(t *testing.T) {
	ledger := delivery.NewMemoryLedger()
	sender := &fakeSender{errs: []error{&channel.APIError{StatusCode: http.StatusBadRequest, Body: "bad address"}}}
	d := testDispatcher(t, ledger, sender)

	rec := insertPending(t, ledger, "2025550100")
	if err := d.Dispatch(context.Background(), rec); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}

	got := ledger.Get(rec.ID)
	if got.Status != delivery.StatusFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	if got.NextRetryAt != nil {
		t.Error("permanent rejection scheduled a retry")
	}
}

func TestDispatchInvalidAddressFailsWithoutSending(t *testing.T) {
	ledger := delivery.NewMemoryLedger()
	sender := &fakeSender{}
	d := testDispatcher(t, ledger, sender)

	rec := insertPending(t, ledger, "911")
	if err := d.Dispatch(context.Background(), rec); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}

	if sender.calls != 0 {
		t.Errorf("provider called %d times for invalid address, want 0", sender.calls)
	}
	got := ledger.Get(rec.ID)
	if got.Status != delivery.StatusFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	if got.ErrorMessage == "" {
		t.Error("error message not recorded")
	}
}

func TestDispatchSkipsAlreadyClaimedRecord(t *testing.T) {
	ledger := delivery.NewMemoryLedger()
	sender := &fakeSender{}
	d := testDispatcher(t, ledger, sender)

	rec := insertPending(t, ledger, "2025550100")
	if ok, _ := ledger.Claim(context.Background(), rec.ID); !ok {
		t.Fatal("setup claim failed")
	}

	if err := d.Dispatch(context.Background(), rec); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if sender.calls != 0 {
		t.Errorf("provider called for a record another worker claimed")
	}
}
