package cache

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/Bamington/battleplanapp-sub000/core"
	"github.com/Bamington/battleplanapp-sub000/stores/memory"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// countingFetcher returns the data configured at the time of each call and
// counts calls. When hold is set the first call blocks until it is closed.
type countingFetcher struct {
	mu    sync.Mutex
	calls int
	data  []core.Resource
	err   error
	hold  chan struct{}
}

func (f *countingFetcher) set(names ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data = nil
	for _, n := range names {
		f.data = append(f.data, core.Resource{ID: "id-" + n, Name: n})
	}
}

func (f *countingFetcher) setErr(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func (f *countingFetcher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *countingFetcher) fetch(ctx context.Context, key Key) ([]core.Resource, error) {
	f.mu.Lock()
	f.calls++
	first := f.calls == 1
	data := append([]core.Resource(nil), f.data...)
	err := f.err
	hold := f.hold
	f.mu.Unlock()

	if first && hold != nil {
		<-hold
	}
	return data, err
}

func names(rs []core.Resource) []string {
	out := make([]string, len(rs))
	for i, r := range rs {
		out[i] = r.Name
	}
	return out
}

var games = Key{Type: core.TypeGames}

func TestGet_FreshServedFromMemory(t *testing.T) {
	f := &countingFetcher{}
	f.set("Orks", "Necrons")
	store := New(f.fetch, WithDefaults(Options{TTL: 5 * time.Minute}))
	ctx := context.Background()

	first, err := store.Get(ctx, games)
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	second, err := store.Get(ctx, games)
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}

	if f.count() != 1 {
		t.Errorf("fetch called %d times, want 1", f.count())
	}
	if !reflect.DeepEqual(first, second) {
		t.Errorf("second Get() = %v, want %v", second, first)
	}
}

func TestGet_ExpiredWithoutStaleWhileRevalidateAwaitsRefresh(t *testing.T) {
	clock := newFakeClock()
	f := &countingFetcher{}
	f.set("Orks")
	store := New(f.fetch, WithDefaults(Options{TTL: time.Minute}), WithClock(clock.Now))
	ctx := context.Background()

	store.Get(ctx, games)
	f.set("Orks", "Tau")
	clock.Advance(2 * time.Minute)

	got, err := store.Get(ctx, games)
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if !reflect.DeepEqual(names(got), []string{"Orks", "Tau"}) {
		t.Errorf("Get() = %v", names(got))
	}
	if f.count() != 2 {
		t.Errorf("fetch called %d times, want 2", f.count())
	}
}

func TestGet_StaleWhileRevalidate(t *testing.T) {
	clock := newFakeClock()
	f := &countingFetcher{}
	f.set("Orks")
	store := New(f.fetch, WithDefaults(Options{TTL: time.Minute, StaleWhileRevalidate: true}), WithClock(clock.Now))
	ctx := context.Background()

	if _, err := store.Refresh(ctx, games); err != nil {
		t.Fatalf("Refresh() failed: %v", err)
	}
	f.set("Orks", "Tau")
	clock.Advance(2 * time.Minute)

	stale, err := store.Get(ctx, games)
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if !reflect.DeepEqual(names(stale), []string{"Orks"}) {
		t.Errorf("Get() = %v, want the stale value", names(stale))
	}

	store.Wait()
	if f.count() != 2 {
		t.Errorf("fetch called %d times, want 2", f.count())
	}
	fresh, _ := store.Get(ctx, games)
	if !reflect.DeepEqual(names(fresh), []string{"Orks", "Tau"}) {
		t.Errorf("Get() after revalidation = %v", names(fresh))
	}
}

func TestGet_NeverPopulatedReturnsEmpty(t *testing.T) {
	f := &countingFetcher{}
	f.set("Orks")
	store := New(f.fetch, WithDefaults(Options{TTL: time.Minute, StaleWhileRevalidate: true}))
	ctx := context.Background()

	got, err := store.Get(ctx, games)
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if got == nil || len(got) != 0 {
		t.Errorf("Get() = %v, want an empty collection", got)
	}

	store.Wait()
	got, _ = store.Get(ctx, games)
	if len(got) != 1 {
		t.Errorf("Get() after background refresh = %v", names(got))
	}
}

func TestGet_ZeroTTLNeverExpires(t *testing.T) {
	clock := newFakeClock()
	f := &countingFetcher{}
	f.set("Orks")
	store := New(f.fetch, WithTypeOptions(core.TypeGameIcons, Options{}), WithClock(clock.Now))
	icons := Key{Type: core.TypeGameIcons}
	ctx := context.Background()

	store.Load(ctx, icons)
	clock.Advance(365 * 24 * time.Hour)
	store.Get(ctx, icons)

	if f.count() != 1 {
		t.Errorf("fetch called %d times, want 1", f.count())
	}
}

func TestRefresh_SingleFlight(t *testing.T) {
	f := &countingFetcher{hold: make(chan struct{})}
	f.set("Orks", "Necrons")
	store := New(f.fetch)
	ctx := context.Background()

	const callers = 10
	var wg sync.WaitGroup
	results := make([][]core.Resource, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			data, err := store.Refresh(ctx, games)
			if err != nil {
				t.Errorf("Refresh() failed: %v", err)
			}
			results[i] = data
		}(i)
	}

	time.Sleep(100 * time.Millisecond)
	close(f.hold)
	wg.Wait()

	if f.count() != 1 {
		t.Errorf("fetch called %d times, want 1", f.count())
	}
	for i, r := range results {
		if !reflect.DeepEqual(names(r), []string{"Orks", "Necrons"}) {
			t.Errorf("caller %d got %v", i, names(r))
		}
	}
}

func TestRefresh_FailureKeepsPreviousValue(t *testing.T) {
	clock := newFakeClock()
	f := &countingFetcher{}
	f.set("Orks")
	store := New(f.fetch, WithDefaults(Options{TTL: time.Minute}), WithClock(clock.Now))
	ctx := context.Background()

	store.Refresh(ctx, games)
	boom := errors.New("backend down")
	f.setErr(boom)

	if _, err := store.Refresh(ctx, games); !errors.Is(err, boom) {
		t.Fatalf("Refresh() error = %v, want %v", err, boom)
	}
	if store.Len() != 1 {
		t.Errorf("Len() = %d, failed refresh dropped the entry", store.Len())
	}

	clock.Advance(2 * time.Minute)
	got, err := store.Get(ctx, games)
	if !errors.Is(err, boom) {
		t.Errorf("Get() error = %v, want %v", err, boom)
	}
	if !reflect.DeepEqual(names(got), []string{"Orks"}) {
		t.Errorf("Get() = %v, want last known value", names(got))
	}
}

func TestInvalidate_ForcesRefetch(t *testing.T) {
	f := &countingFetcher{}
	f.set("Orks")
	store := New(f.fetch, WithDefaults(Options{TTL: time.Hour, StaleWhileRevalidate: true}))
	ctx := context.Background()

	store.Refresh(ctx, games)
	f.set("Orks", "Necrons")
	store.Invalidate(games)

	got, err := store.Get(ctx, games)
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if !reflect.DeepEqual(names(got), []string{"Orks", "Necrons"}) {
		t.Errorf("Get() after Invalidate() = %v", names(got))
	}
	if f.count() != 2 {
		t.Errorf("fetch called %d times, want 2", f.count())
	}
}

func TestRefresh_SupersededResultDiscarded(t *testing.T) {
	f := &countingFetcher{hold: make(chan struct{})}
	f.set("old")
	store := New(f.fetch, WithDefaults(Options{TTL: time.Hour}))
	ctx := context.Background()

	done := make(chan []core.Resource)
	go func() {
		data, _ := store.Refresh(ctx, games)
		done <- data
	}()
	time.Sleep(50 * time.Millisecond)

	store.Invalidate(games)
	f.set("new")
	if _, err := store.Refresh(ctx, games); err != nil {
		t.Fatalf("Refresh() failed: %v", err)
	}

	close(f.hold)
	if older := <-done; !reflect.DeepEqual(names(older), []string{"old"}) {
		t.Errorf("superseded caller got %v", names(older))
	}

	got, _ := store.Get(ctx, games)
	if !reflect.DeepEqual(names(got), []string{"new"}) {
		t.Errorf("Get() = %v, superseded refresh overwrote the cache", names(got))
	}
}

func TestRefresh_CallerCancelDoesNotStopFetch(t *testing.T) {
	f := &countingFetcher{hold: make(chan struct{})}
	f.set("Orks")
	store := New(f.fetch)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error)
	go func() {
		_, err := store.Refresh(ctx, games)
		errc <- err
	}()
	time.Sleep(50 * time.Millisecond)
	cancel()

	if err := <-errc; !errors.Is(err, context.Canceled) {
		t.Fatalf("Refresh() error = %v, want context.Canceled", err)
	}

	close(f.hold)
	deadline := time.Now().Add(time.Second)
	for store.Len() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if store.Len() != 1 {
		t.Error("abandoned refresh did not populate the cache")
	}
}

func TestSubscribe(t *testing.T) {
	store := New((&countingFetcher{}).fetch)

	var mu sync.Mutex
	var seen []Key
	unsubscribe := store.Subscribe(func(k Key) {
		mu.Lock()
		seen = append(seen, k)
		mu.Unlock()
	})

	opponents := Key{Type: core.TypeOpponents, UserID: "u1"}
	store.Invalidate(opponents)
	unsubscribe()
	store.Invalidate(games)

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 1 || seen[0] != opponents {
		t.Errorf("subscriber saw %v, want [%v]", seen, opponents)
	}
}

func TestInvalidateType(t *testing.T) {
	f := &countingFetcher{}
	f.set("x")
	store := New(f.fetch)
	ctx := context.Background()

	store.Refresh(ctx, Key{Type: core.TypeBoxes, UserID: "u1"})
	store.Refresh(ctx, Key{Type: core.TypeBoxes, UserID: "u2"})
	store.Refresh(ctx, games)

	store.InvalidateType(core.TypeBoxes)
	if store.Len() != 1 {
		t.Errorf("Len() = %d, want only the games entry left", store.Len())
	}
}

func TestKeyFor(t *testing.T) {
	if got := KeyFor(core.TypeGames, "u1"); got != (Key{Type: core.TypeGames}) {
		t.Errorf("KeyFor(games) = %v", got)
	}
	if got := KeyFor(core.TypeOpponents, "u1"); got != (Key{Type: core.TypeOpponents, UserID: "u1"}) {
		t.Errorf("KeyFor(opponents) = %v", got)
	}
}

func TestBackendFetcher_NoIdentityIsEmpty(t *testing.T) {
	data := memory.NewStore()
	ctx := context.Background()
	data.Insert(ctx, "opponents", core.Resource{UserID: "u1", Name: "Sam"})

	fetch := BackendFetcher(data)
	got, err := fetch(ctx, Key{Type: core.TypeOpponents})
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("fetch without identity = %v, want empty", names(got))
	}

	got, _ = fetch(ctx, Key{Type: core.TypeOpponents, UserID: "u1"})
	if len(got) != 1 {
		t.Errorf("fetch for owner = %v", names(got))
	}
	got, _ = fetch(ctx, Key{Type: core.TypeOpponents, UserID: "u2"})
	if len(got) != 0 {
		t.Errorf("fetch for another user = %v", names(got))
	}
}

func TestBackendFetcher_ProjectsIcons(t *testing.T) {
	data := memory.NewStore()
	ctx := context.Background()
	data.Insert(ctx, "games", core.Resource{Name: "Orks", Icon: "orks.png", Fields: map[string]any{"publisher": "GW"}})

	got, err := BackendFetcher(data)(ctx, Key{Type: core.TypeGameIcons})
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if len(got) != 1 || got[0].Icon != "orks.png" || got[0].Fields != nil {
		t.Errorf("icon projection = %+v", got)
	}
}

func TestBackendFetcher_UnknownType(t *testing.T) {
	_, err := BackendFetcher(memory.NewStore())(context.Background(), Key{Type: "armies"})
	if err == nil {
		t.Error("fetch of an unknown type should fail")
	}
}
