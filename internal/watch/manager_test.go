package watch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/relayops/mailbridge/internal/provider"
)

type fakeCursorStore struct {
	cursor string
	saves  []string
}

func (f *fakeCursorStore) LockCursor() func() { return func() {} }

func (f *fakeCursorStore) LoadCursor(context.Context) (string, error) {
	return f.cursor, nil
}

func (f *fakeCursorStore) SaveCursor(_ context.Context, cursor string) error {
	f.cursor = cursor
	f.saves = append(f.saves, cursor)
	return nil
}

type fakeMailbox struct {
	watchRes   *provider.WatchResult
	watchErr   error
	historyRes *provider.HistoryDelta
	historyErr error

	watchCalls   int
	stopCalls    int
	historyFrom  []string
	watchedTopic string
}

func (f *fakeMailbox) Watch(_ context.Context, topic string) (*provider.WatchResult, error) {
	f.watchCalls++
	f.watchedTopic = topic
	if f.watchErr != nil {
		return nil, f.watchErr
	}
	return f.watchRes, nil
}

func (f *fakeMailbox) StopWatch(context.Context) error {
	f.stopCalls++
	return nil
}

func (f *fakeMailbox) History(_ context.Context, cursor string) (*provider.HistoryDelta, error) {
	f.historyFrom = append(f.historyFrom, cursor)
	if f.historyErr != nil {
		return nil, f.historyErr
	}
	return f.historyRes, nil
}

func watching(t *testing.T, mb *fakeMailbox) (*Manager, *fakeCursorStore) {
	t.Helper()
	if mb.watchRes == nil {
		mb.watchRes = &provider.WatchResult{Cursor: "1000", Expiry: time.Now().Add(7 * 24 * time.Hour)}
	}
	cursors := &fakeCursorStore{}
	m := NewManager(mb, cursors, "projects/p/topics/mail")
	if err := m.Initiate(context.Background()); err != nil {
		t.Fatalf("Initiate() error = %v", err)
	}
	return m, cursors
}

func TestInitiateWithoutTopicStaysUnwatched(t *testing.T) {
	mb := &fakeMailbox{}
	m := NewManager(mb, &fakeCursorStore{}, "")

	if err := m.Initiate(context.Background()); err != nil {
		t.Fatalf("Initiate() error = %v", err)
	}
	if m.Watching() {
		t.Error("manager watching without a topic")
	}
	if mb.watchCalls != 0 {
		t.Errorf("watchCalls = %d, want 0", mb.watchCalls)
	}

	if _, err := m.OnNotification(context.Background()); !errors.Is(err, ErrNotWatching) {
		t.Errorf("OnNotification() error = %v, want ErrNotWatching", err)
	}
}

func TestInitiateRegistersAndBaselines(t *testing.T) {
	mb := &fakeMailbox{}
	m, cursors := watching(t, mb)

	if !m.Watching() {
		t.Error("manager not watching after Initiate")
	}
	if mb.watchedTopic != "projects/p/topics/mail" {
		t.Errorf("topic = %q", mb.watchedTopic)
	}
	if cursors.cursor != "1000" {
		t.Errorf("baseline cursor = %q, want 1000", cursors.cursor)
	}
}

func TestInitiateInvalidTopic(t *testing.T) {
	mb := &fakeMailbox{watchErr: provider.ErrInvalidTopic}
	m := NewManager(mb, &fakeCursorStore{}, "not-a-topic")

	err := m.Initiate(context.Background())
	if !errors.Is(err, provider.ErrInvalidTopic) {
		t.Errorf("Initiate() error = %v, want ErrInvalidTopic", err)
	}
	if m.Watching() {
		t.Error("manager watching after rejected registration")
	}
}

func TestOnNotificationExtractsInboundAdds(t *testing.T) {
	mb := &fakeMailbox{
		historyRes: &provider.HistoryDelta{
			Cursor: "1042",
			Added: []provider.AddedMessage{
				{ID: "m1", Labels: []string{provider.LabelInbox}},
				{ID: "m2", Labels: []string{provider.LabelInbox, "IMPORTANT"}},
				{ID: "m3", Labels: []string{provider.LabelSent}}, // own echo
			},
		},
	}
	m, cursors := watching(t, mb)

	ids, err := m.OnNotification(context.Background())
	if err != nil {
		t.Fatalf("OnNotification() error = %v", err)
	}
	if diff := cmp.Diff([]string{"m1", "m2"}, ids); diff != "" {
		t.Errorf("ids mismatch (-want +got):\n%s", diff)
	}
	if cursors.cursor != "1042" {
		t.Errorf("cursor = %q, want 1042", cursors.cursor)
	}
	if mb.historyFrom[0] != "1000" {
		t.Errorf("history fetched from %q, want the baseline", mb.historyFrom[0])
	}
}

func TestOnNotificationDeduplicatesWithinOneFetch(t *testing.T) {
	mb := &fakeMailbox{
		historyRes: &provider.HistoryDelta{
			Cursor: "1042",
			Added: []provider.AddedMessage{
				{ID: "m1", Labels: []string{provider.LabelInbox}},
				{ID: "m1", Labels: []string{provider.LabelInbox, "IMPORTANT"}},
			},
		},
	}
	m, _ := watching(t, mb)

	ids, err := m.OnNotification(context.Background())
	if err != nil {
		t.Fatalf("OnNotification() error = %v", err)
	}
	if diff := cmp.Diff([]string{"m1"}, ids); diff != "" {
		t.Errorf("ids mismatch (-want +got):\n%s", diff)
	}
}

func TestOnNotificationEmptyDeltaStillAdvancesCursor(t *testing.T) {
	mb := &fakeMailbox{
		historyRes: &provider.HistoryDelta{Cursor: "1042"},
	}
	m, cursors := watching(t, mb)

	for i := 0; i < 2; i++ {
		ids, err := m.OnNotification(context.Background())
		if err != nil {
			t.Fatalf("OnNotification() #%d error = %v", i+1, err)
		}
		if len(ids) != 0 {
			t.Errorf("OnNotification() #%d = %v, want empty", i+1, ids)
		}
	}

	// The cursor was written on both calls (to the same value), not
	// merely left alone when the delta was empty.
	want := []string{"1000", "1042", "1042"}
	if diff := cmp.Diff(want, cursors.saves); diff != "" {
		t.Errorf("cursor save history mismatch (-want +got):\n%s", diff)
	}
}

func TestOnNotificationCursorExpired(t *testing.T) {
	mb := &fakeMailbox{historyErr: provider.ErrCursorExpired}
	m, cursors := watching(t, mb)

	_, err := m.OnNotification(context.Background())
	if !errors.Is(err, provider.ErrCursorExpired) {
		t.Fatalf("OnNotification() error = %v, want ErrCursorExpired", err)
	}
	// No fabricated cursor: still at the baseline until Initiate re-runs.
	if cursors.cursor != "1000" {
		t.Errorf("cursor = %q, want 1000 untouched", cursors.cursor)
	}

	// Recovery path: re-baseline via Initiate.
	mb.watchRes = &provider.WatchResult{Cursor: "2000"}
	if err := m.Initiate(context.Background()); err != nil {
		t.Fatalf("Initiate() error = %v", err)
	}
	if cursors.cursor != "2000" {
		t.Errorf("cursor after re-baseline = %q, want 2000", cursors.cursor)
	}
}

func TestOnNotificationTransientFailureKeepsCursor(t *testing.T) {
	mb := &fakeMailbox{historyErr: provider.ErrUnreachable}
	m, cursors := watching(t, mb)

	if _, err := m.OnNotification(context.Background()); !errors.Is(err, provider.ErrUnreachable) {
		t.Fatalf("OnNotification() error = %v, want ErrUnreachable", err)
	}
	if cursors.cursor != "1000" {
		t.Errorf("cursor = %q, want 1000 untouched", cursors.cursor)
	}
}

func TestStop(t *testing.T) {
	mb := &fakeMailbox{}
	m, cursors := watching(t, mb)

	if err := m.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if m.Watching() {
		t.Error("manager still watching after Stop")
	}
	if mb.stopCalls != 1 {
		t.Errorf("stopCalls = %d, want 1", mb.stopCalls)
	}
	// Cursor survives a stop; the next Initiate re-baselines it.
	if cursors.cursor != "1000" {
		t.Errorf("cursor = %q, want preserved", cursors.cursor)
	}

	// Stopping twice is harmless.
	if err := m.Stop(context.Background()); err != nil {
		t.Fatalf("second Stop() error = %v", err)
	}
	if mb.stopCalls != 1 {
		t.Errorf("stopCalls = %d, want still 1", mb.stopCalls)
	}
}
