package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/peopleops/pulse/internal/delivery"
	"github.com/peopleops/pulse/internal/dispatch"
	"github.com/peopleops/pulse/internal/recipient"
	"github.com/peopleops/pulse/internal/schedule"
	"github.com/peopleops/pulse/internal/survey"
	"github.com/peopleops/pulse/internal/webhook"
)

type memScheduleStore struct {
	mu        sync.Mutex
	schedules map[string]*schedule.Schedule
}

func newMemScheduleStore(schedules ...*schedule.Schedule) *memScheduleStore {
	s := &memScheduleStore{schedules: make(map[string]*schedule.Schedule)}
	for _, sc := range schedules {
		s.schedules[sc.ID] = sc
	}
	return s
}

func (s *memScheduleStore) Due(ctx context.Context, now time.Time, limit int) ([]*schedule.Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*schedule.Schedule
	for _, sc := range s.schedules {
		if sc.Status != schedule.StatusActive {
			continue
		}
		if sc.NextRunAt != nil && sc.NextRunAt.After(now) {
			continue
		}
		clone := *sc
		due = append(due, &clone)
		if len(due) == limit {
			break
		}
	}
	return due, nil
}

func (s *memScheduleStore) MarkCompleted(ctx context.Context, id string, ranAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sc, ok := s.schedules[id]; ok && sc.Status == schedule.StatusActive {
		sc.Status = schedule.StatusCompleted
		sc.LastRunAt = &ranAt
		sc.NextRunAt = nil
	}
	return nil
}

func (s *memScheduleStore) AdvanceNextRun(ctx context.Context, id string, ranAt, next time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sc, ok := s.schedules[id]; ok && sc.Status == schedule.StatusActive {
		sc.LastRunAt = &ranAt
		sc.NextRunAt = &next
	}
	return nil
}

func (s *memScheduleStore) Content(ctx context.Context, id string) (string, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sc, ok := s.schedules[id]
	if !ok {
		return "", "", errors.New("schedule not found")
	}
	return sc.SurveyID, sc.Question, nil
}

func (s *memScheduleStore) get(id string) *schedule.Schedule {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *s.schedules[id]
	return &clone
}

type memDirectory struct {
	employees []*recipient.Employee
}

func (d *memDirectory) GetByIDs(ctx context.Context, ids []string) ([]*recipient.Employee, error) {
	var out []*recipient.Employee
	for _, e := range d.employees {
		for _, id := range ids {
			if e.ID == id {
				out = append(out, e)
			}
		}
	}
	return out, nil
}

func (d *memDirectory) FindByCriteria(ctx context.Context, departments, roles []string) ([]*recipient.Employee, error) {
	var out []*recipient.Employee
	for _, e := range d.employees {
		if matches(e.Department, departments) && matches(e.Role, roles) {
			out = append(out, e)
		}
	}
	return out, nil
}

func matches(value string, filter []string) bool {
	if len(filter) == 0 {
		return true
	}
	for _, f := range filter {
		if f == value {
			return true
		}
	}
	return false
}

// scriptedSender returns per-address scripted errors, in order, then
// succeeds.
type scriptedSender struct {
	mu     sync.Mutex
	fail   map[string][]error
	sent   map[string][]string
	nextID int
}

func newScriptedSender() *scriptedSender {
	return &scriptedSender{fail: make(map[string][]error), sent: make(map[string][]string)}
}

func (s *scriptedSender) failNext(address string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail[address] = append(s.fail[address], err)
}

func (s *scriptedSender) Send(ctx context.Context, address, text string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if errs := s.fail[address]; len(errs) > 0 {
		s.fail[address] = errs[1:]
		return "", errs[0]
	}
	s.nextID++
	id := "msg_" + strconv.Itoa(s.nextID)
	s.sent[address] = append(s.sent[address], text)
	return id, nil
}

type memResponses struct {
	mu        sync.Mutex
	responses []*survey.Response
}

func (m *memResponses) Insert(ctx context.Context, resp *survey.Response) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses = append(m.responses, resp)
	return nil
}

var testLog = slog.New(slog.NewTextHandler(io.Discard, nil))

func salesSchedule(typ schedule.Type, rec *schedule.Recurrence) *schedule.Schedule {
	return &schedule.Schedule{
		ID:         "sched-1",
		Kind:       "survey",
		Type:       typ,
		Recurrence: rec,
		Target:     schedule.TargetSelector{Departments: []string{"Sales"}},
		SurveyID:   "enps-q3",
		Question:   "How likely are you to recommend us as a place to work?",
		Status:     schedule.StatusActive,
	}
}

func salesDirectory() *memDirectory {
	return &memDirectory{employees: []*recipient.Employee{
		{ID: "e1", Name: "Ana", Department: "Sales", Role: "AE", Phone: "2025550101", Active: true},
		{ID: "e2", Name: "Ben", Department: "Sales", Role: "AE", Phone: "2025550102", Active: true},
		{ID: "e3", Name: "Cyd", Department: "Sales", Role: "SDR", Phone: "", Active: true},
		{ID: "e4", Name: "Dee", Department: "Support", Role: "Agent", Phone: "2025550104", Active: true},
	}}
}

func TestPipelineEndToEnd(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, time.August, 28, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	store := newMemScheduleStore(salesSchedule(schedule.TypeOneShot, nil))
	ledger := delivery.NewMemoryLedger()
	sender := newScriptedSender()
	sender.failNext("12025550102", errors.New("connection reset"))

	generator := delivery.NewGenerator(ledger, testLog)
	dispatcher := dispatch.NewDispatcher(ledger, sender, store, nil, "https://pulse.example.com", testLog).WithClock(clock)
	responses := &memResponses{}
	processor := webhook.NewProcessor(ledger, responses, store, sender, nil, testLog).WithClock(clock)

	s := New(store, recipient.NewResolver(salesDirectory()), generator, ledger, dispatcher, Options{
		ScheduleBatchSize: 10,
		DispatchBatchSize: 50,
	}, testLog).WithClock(clock)

	// Schedule pass: three Sales employees, one without a phone number.
	s.ProcessSchedules(ctx)

	records := ledger.All()
	if len(records) != 2 {
		t.Fatalf("%d delivery records created, want 2", len(records))
	}
	for _, r := range records {
		if r.Status != delivery.StatusPending {
			t.Errorf("record %s status = %s, want pending", r.ID, r.Status)
		}
	}
	if got := store.get("sched-1").Status; got != schedule.StatusCompleted {
		t.Errorf("one-shot schedule status = %s, want completed", got)
	}

	// Dispatch pass: one send succeeds, one hits a transient failure.
	s.ProcessDispatches(ctx)

	var sent, retried *delivery.Record
	for _, r := range ledger.All() {
		switch r.Status {
		case delivery.StatusSent:
			sent = r
		case delivery.StatusPending:
			retried = r
		}
	}
	if sent == nil || retried == nil {
		t.Fatalf("expected one sent and one pending record, got %+v", ledger.All())
	}
	if sent.Address != "12025550101" {
		t.Errorf("sent record address = %s, want canonical 12025550101", sent.Address)
	}
	if sent.ProviderMessageID == "" {
		t.Error("sent record has no provider message id")
	}
	if retried.RetryCount != 1 {
		t.Errorf("retried record retry_count = %d, want 1", retried.RetryCount)
	}
	wantRetryAt := now.Add(dispatch.RetryBackoffStep)
	if retried.NextRetryAt == nil || !retried.NextRetryAt.Equal(wantRetryAt) {
		t.Errorf("retried record next_retry_at = %v, want %v", retried.NextRetryAt, wantRetryAt)
	}

	// The retried record is held off; a pass before the hold-off elapses
	// must not touch it.
	s.ProcessDispatches(ctx)
	if got := ledger.Get(retried.ID); got.RetryCount != 1 {
		t.Errorf("held-off record was re-dispatched, retry_count = %d", got.RetryCount)
	}

	// After the hold-off the retry goes out and succeeds.
	now = now.Add(dispatch.RetryBackoffStep + time.Second)
	s.ProcessDispatches(ctx)
	if got := ledger.Get(retried.ID); got.Status != delivery.StatusSent {
		t.Fatalf("retried record status = %s, want sent", got.Status)
	}

	// Inbound reply "9" closes the loop.
	data, _ := json.Marshal(webhook.InboundData{From: "+1 202 555 0101", Text: "9"})
	err := processor.Process(ctx, &webhook.Event{ID: "ev-1", Event: "inbound", Data: data})
	if err != nil {
		t.Fatalf("Process(inbound) error = %v", err)
	}

	got := ledger.Get(sent.ID)
	if got.Status != delivery.StatusResponded {
		t.Errorf("status = %s, want responded", got.Status)
	}
	if got.ResponseScore == nil || *got.ResponseScore != 9 {
		t.Errorf("score = %v, want 9", got.ResponseScore)
	}
	if len(responses.responses) != 1 {
		t.Fatalf("%d survey responses stored, want 1", len(responses.responses))
	}
	resp := responses.responses[0]
	if resp.SurveyID != "enps-q3" || resp.RecipientID != "e1" || resp.Score != 9 {
		t.Errorf("stored response = %+v", resp)
	}
	thanks := sender.sent["12025550101"]
	if len(thanks) != 2 || !strings.Contains(thanks[1], "really glad") {
		t.Errorf("thank-you reply = %v, want high-band variant after the survey text", thanks)
	}
}

func TestProcessSchedulesAdvancesRecurring(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, time.August, 28, 9, 0, 0, 0, time.UTC)

	rec, err := schedule.NewRecurrence(schedule.UnitWeekly, 1)
	if err != nil {
		t.Fatal(err)
	}
	store := newMemScheduleStore(salesSchedule(schedule.TypeRecurring, &rec))
	ledger := delivery.NewMemoryLedger()

	s := New(store, recipient.NewResolver(salesDirectory()), delivery.NewGenerator(ledger, testLog),
		ledger, nil, Options{ScheduleBatchSize: 10, DispatchBatchSize: 50}, testLog).
		WithClock(func() time.Time { return now })

	s.ProcessSchedules(ctx)

	got := store.get("sched-1")
	if got.Status != schedule.StatusActive {
		t.Errorf("recurring schedule status = %s, want still active", got.Status)
	}
	if got.LastRunAt == nil || !got.LastRunAt.Equal(now) {
		t.Errorf("last_run_at = %v, want %v", got.LastRunAt, now)
	}
	want := now.AddDate(0, 0, 7)
	if got.NextRunAt == nil || !got.NextRunAt.Equal(want) {
		t.Errorf("next_run_at = %v, want %v", got.NextRunAt, want)
	}

	// Next pass before the new trigger time finds nothing due.
	before := len(ledger.All())
	s.ProcessSchedules(ctx)
	if after := len(ledger.All()); after != before {
		t.Errorf("early pass created %d extra records", after-before)
	}
}

func TestProcessSchedulesLeavesMisconfiguredScheduleDue(t *testing.T) {
	ctx := context.Background()
	sched := salesSchedule(schedule.TypeOneShot, nil)
	sched.SurveyID = ""
	store := newMemScheduleStore(sched)
	ledger := delivery.NewMemoryLedger()

	s := New(store, recipient.NewResolver(salesDirectory()), delivery.NewGenerator(ledger, testLog),
		ledger, nil, Options{ScheduleBatchSize: 10, DispatchBatchSize: 50}, testLog)

	s.ProcessSchedules(ctx)

	if len(ledger.All()) != 0 {
		t.Error("schedule without content produced delivery records")
	}
	if got := store.get("sched-1").Status; got != schedule.StatusActive {
		t.Errorf("schedule status = %s, want still active for a later fix", got)
	}
}
