package intake

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"

	"github.com/hochfrequenz/conveyor/internal/domain"
	"github.com/hochfrequenz/conveyor/internal/platform"
	"github.com/hochfrequenz/conveyor/internal/runstate"
)

type fakeLister struct {
	tickets []*platform.Ticket
	err     error
}

func (f *fakeLister) ListCandidateTickets(label string) ([]*platform.Ticket, error) {
	return f.tickets, f.err
}

type fakeSlots struct {
	capacity int
	active   int
	err      error
}

func (f *fakeSlots) Capacity() int { return f.capacity }

func (f *fakeSlots) Active() ([]*domain.Lease, error) {
	if f.err != nil {
		return nil, f.err
	}
	leases := make([]*domain.Lease, f.active)
	for i := range leases {
		leases[i] = &domain.Lease{SlotIndex: i}
	}
	return leases, nil
}

type fakeStarter struct {
	mu      sync.Mutex
	started []string
	err     error
}

func (f *fakeStarter) Start(ctx context.Context, runID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, runID)
	return f.err
}

func (f *fakeStarter) startedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := append([]string(nil), f.started...)
	sort.Strings(ids)
	return ids
}

func ticket(number int, labels ...string) *platform.Ticket {
	return &platform.Ticket{
		Number: number,
		Title:  fmt.Sprintf("Ticket %d", number),
		State:  "OPEN",
		Labels: append([]string{"conveyor"}, labels...),
	}
}

func newTestIntake(t *testing.T, lister *fakeLister, slots *fakeSlots, starter *fakeStarter) (*Intake, *runstate.Store) {
	t.Helper()
	states := runstate.NewStore(t.TempDir())
	in := New(Deps{
		States:  states,
		Tickets: lister,
		Leases:  slots,
		Exec:    starter,
		Log:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	}, Options{Label: "conveyor", MaxRuns: 5})
	return in, states
}

func TestCandidatesOrderedByPriorityThenAge(t *testing.T) {
	lister := &fakeLister{tickets: []*platform.Ticket{
		ticket(50, "priority:low"),
		ticket(10),
		ticket(30, "priority:critical"),
		ticket(20, "priority:critical"),
	}}
	in, _ := newTestIntake(t, lister, &fakeSlots{capacity: 10}, &fakeStarter{})

	got, err := in.Candidates()
	if err != nil {
		t.Fatal(err)
	}

	want := []int{20, 30, 10, 50}
	if len(got) != len(want) {
		t.Fatalf("got %d candidates, want %d", len(got), len(want))
	}
	for i, number := range want {
		if got[i].Number != number {
			t.Errorf("candidates[%d] = #%d, want #%d", i, got[i].Number, number)
		}
	}
}

func TestCandidatesSkipClaimedTickets(t *testing.T) {
	lister := &fakeLister{tickets: []*platform.Ticket{ticket(41), ticket(42)}}
	in, states := newTestIntake(t, lister, &fakeSlots{capacity: 10}, &fakeStarter{})

	claimed := domain.NewRun("41", "feature", domain.ClassFeature)
	claimed.Status = domain.RunFailed
	if err := states.Save(claimed); err != nil {
		t.Fatal(err)
	}

	got, err := in.Candidates()
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Number != 42 {
		t.Fatalf("candidates = %+v, want only the unclaimed #42", got)
	}
}

func TestBatchNeverExceedsFreeSlots(t *testing.T) {
	lister := &fakeLister{tickets: []*platform.Ticket{ticket(10), ticket(11), ticket(12)}}
	starter := &fakeStarter{}
	in, states := newTestIntake(t, lister, &fakeSlots{capacity: 2, active: 1}, starter)

	started, err := in.Batch(context.Background(), 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(started) != 1 {
		t.Fatalf("started %d runs with 1 free slot, want 1", len(started))
	}
	if got := starter.startedIDs(); len(got) != 1 || got[0] != started[0].ID {
		t.Errorf("executor started %v, want exactly %s", got, started[0].ID)
	}
	if _, err := states.Load(started[0].ID); err != nil {
		t.Errorf("started run not persisted: %v", err)
	}
}

func TestBatchRespectsOperatorCap(t *testing.T) {
	lister := &fakeLister{tickets: []*platform.Ticket{ticket(10), ticket(11), ticket(12)}}
	starter := &fakeStarter{}
	in, _ := newTestIntake(t, lister, &fakeSlots{capacity: 10}, starter)

	started, err := in.Batch(context.Background(), 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(started) != 2 {
		t.Errorf("started %d runs with --max 2, want 2", len(started))
	}
}

func TestBatchClassifiesAndPicksChains(t *testing.T) {
	lister := &fakeLister{tickets: []*platform.Ticket{ticket(10, "bug")}}
	in, states := newTestIntake(t, lister, &fakeSlots{capacity: 10}, &fakeStarter{})

	started, err := in.Batch(context.Background(), 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(started) != 1 {
		t.Fatalf("started %d runs, want 1", len(started))
	}

	run, err := states.Load(started[0].ID)
	if err != nil {
		t.Fatal(err)
	}
	if run.Classification != domain.ClassBug || run.ChainName != "bug" {
		t.Errorf("run = %s/%s, want bug/bug", run.Classification, run.ChainName)
	}
	if run.TicketRef != "10" {
		t.Errorf("ticket ref = %q, want 10", run.TicketRef)
	}
}

func TestBatchWithNoCandidates(t *testing.T) {
	starter := &fakeStarter{}
	in, _ := newTestIntake(t, &fakeLister{}, &fakeSlots{capacity: 10}, starter)

	started, err := in.Batch(context.Background(), 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(started) != 0 || len(starter.startedIDs()) != 0 {
		t.Errorf("empty intake started runs: %v", starter.startedIDs())
	}
}

func TestBatchWithExhaustedPool(t *testing.T) {
	lister := &fakeLister{tickets: []*platform.Ticket{ticket(10)}}
	starter := &fakeStarter{}
	in, _ := newTestIntake(t, lister, &fakeSlots{capacity: 2, active: 2}, starter)

	started, err := in.Batch(context.Background(), 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(started) != 0 {
		t.Errorf("started %d runs with zero free slots", len(started))
	}
}
