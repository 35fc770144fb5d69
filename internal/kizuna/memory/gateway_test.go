package memory

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func newTestGateway(buf ShortTermBuffer, store LongTermStore) *Gateway {
	return NewGateway(buf, store, GatewayConfig{IndexTimeout: 5 * time.Second}, nil)
}

func TestGateway_TurnSurvivesBufferEviction(t *testing.T) {
	ctx := context.Background()
	g := newTestGateway(NewMemoryBuffer(10), NewMemoryStore(NewHashEmbedder(0)))

	if _, err := g.Commit(ctx, "s", RoleUser, "My sister Aiko lives in Kyoto."); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	for i := 2; i <= 12; i++ {
		if _, err := g.Commit(ctx, "s", RoleUser, fmt.Sprintf("Small talk number %d about the weather today.", i)); err != nil {
			t.Fatalf("Commit %d: %v", i, err)
		}
	}

	recall, err := g.Retrieve(ctx, "s", "Where does Aiko live?")
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(recall.Recent) != 10 {
		t.Fatalf("buffer holds %d turns, want 10", len(recall.Recent))
	}
	for _, turn := range recall.Recent {
		if turn.Content == "My sister Aiko lives in Kyoto." {
			t.Fatal("turn 1 should have been evicted from the buffer")
		}
	}

	found := false
	for _, f := range recall.Relevant {
		if f.Content == "My sister Aiko lives in Kyoto." && f.Kind == KindTurn {
			found = true
		}
	}
	if !found {
		t.Fatalf("turn 1 not retrieved from long-term memory: %#v", recall.Relevant)
	}
	if len(recall.Relevant) > DefaultTopK {
		t.Errorf("got %d relevant fragments, want at most %d", len(recall.Relevant), DefaultTopK)
	}
}

func TestGateway_BlankTurnIsBufferedOnly(t *testing.T) {
	ctx := context.Background()
	buf := NewMemoryBuffer(10)
	store := NewMemoryStore(NewHashEmbedder(0))
	g := newTestGateway(buf, store)

	if _, err := g.Commit(ctx, "s", RoleAssistant, "  \n "); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	turns, err := buf.Read(ctx, "s")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(turns) != 1 {
		t.Fatalf("buffer holds %d turns, want 1", len(turns))
	}
	frags, err := store.List(ctx, "s")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(frags) != 0 {
		t.Fatalf("blank turn indexed: %#v", frags)
	}
}

// slowStore delays every Index call so that background indexing is still
// running when Retrieve is called.
type slowStore struct {
	*MemoryStore
	delay time.Duration
}

func (s slowStore) Index(ctx context.Context, f Fragment) (Fragment, error) {
	time.Sleep(s.delay)
	return s.MemoryStore.Index(ctx, f)
}

func TestGateway_RetrieveWaitsForPendingIndexing(t *testing.T) {
	ctx := context.Background()
	store := slowStore{MemoryStore: NewMemoryStore(NewHashEmbedder(0)), delay: 30 * time.Millisecond}
	g := newTestGateway(NewMemoryBuffer(10), store)

	err := g.CommitAsync(ctx, "s",
		Turn{Role: RoleUser, Content: "I adopted a cat named Mochi."},
		Turn{Role: RoleAssistant, Content: "Mochi is an adorable name!"},
	)
	if err != nil {
		t.Fatalf("CommitAsync: %v", err)
	}
	if err := g.CommitAsync(ctx, "s", Turn{Role: RoleUser, Content: "Mochi likes tuna."}); err != nil {
		t.Fatalf("CommitAsync: %v", err)
	}

	recall, err := g.Retrieve(ctx, "s", "Mochi")
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(recall.Recent) != 3 {
		t.Fatalf("recent = %d, want 3", len(recall.Recent))
	}
	if len(recall.Relevant) != 3 {
		t.Fatalf("relevant = %d, want all 3 indexed turns", len(recall.Relevant))
	}

	all, _ := store.List(ctx, "s")
	if all[0].Content != "I adopted a cat named Mochi." || all[2].Content != "Mochi likes tuna." {
		t.Errorf("indexing out of order: %#v", all)
	}
}

func TestGateway_AsyncIndexingSurvivesCallerCancellation(t *testing.T) {
	store := slowStore{MemoryStore: NewMemoryStore(NewHashEmbedder(0)), delay: 20 * time.Millisecond}
	g := newTestGateway(NewMemoryBuffer(10), store)

	ctx, cancel := context.WithCancel(context.Background())
	if err := g.CommitAsync(ctx, "s", Turn{Role: RoleUser, Content: "partial reply kept"}); err != nil {
		t.Fatalf("CommitAsync: %v", err)
	}
	cancel()

	if err := g.WaitAll(context.Background()); err != nil {
		t.Fatalf("WaitAll: %v", err)
	}
	all, _ := store.List(context.Background(), "s")
	if len(all) != 1 {
		t.Fatalf("expected the turn to be indexed, got %d fragments", len(all))
	}
}

func TestGateway_WaitRespectsContext(t *testing.T) {
	store := slowStore{MemoryStore: NewMemoryStore(NewHashEmbedder(0)), delay: 200 * time.Millisecond}
	g := newTestGateway(NewMemoryBuffer(10), store)
	_ = g.CommitAsync(context.Background(), "s", Turn{Role: RoleUser, Content: "slow"})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := g.Wait(ctx, "s"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Wait = %v, want deadline exceeded", err)
	}
	if err := g.Wait(context.Background(), "other"); err != nil {
		t.Fatalf("Wait on idle session: %v", err)
	}
	_ = g.WaitAll(context.Background())
}

// brokenStore fails every operation.
type brokenStore struct{}

func (brokenStore) Index(context.Context, Fragment) (Fragment, error) {
	return Fragment{}, errors.New("vector db offline")
}

func (brokenStore) Query(context.Context, string, string, int) ([]Fragment, error) {
	return nil, errors.New("vector db offline")
}

func (brokenStore) List(context.Context, string) ([]Fragment, error) {
	return nil, errors.New("vector db offline")
}

// brokenBuffer fails every operation.
type brokenBuffer struct{}

func (brokenBuffer) Append(context.Context, string, Turn) (Turn, error) {
	return Turn{}, errors.New("redis offline")
}

func (brokenBuffer) Read(context.Context, string) ([]Turn, error) {
	return nil, errors.New("redis offline")
}

func (brokenBuffer) Capacity() int { return DefaultBufferCapacity }

func TestGateway_DegradesWhenLongTermIsDown(t *testing.T) {
	ctx := context.Background()
	g := newTestGateway(NewMemoryBuffer(10), brokenStore{})

	if _, err := g.Commit(ctx, "s", RoleUser, "hello"); !errors.Is(err, ErrTierUnavailable) {
		t.Fatalf("Commit err = %v, want ErrTierUnavailable", err)
	}

	recall, err := g.Retrieve(ctx, "s", "hello")
	if !errors.Is(err, ErrTierUnavailable) {
		t.Fatalf("Retrieve err = %v, want ErrTierUnavailable", err)
	}
	if len(recall.Recent) != 1 || recall.Recent[0].Content != "hello" {
		t.Fatalf("buffer content lost: %#v", recall.Recent)
	}
	if len(recall.Relevant) != 0 {
		t.Errorf("relevant = %#v", recall.Relevant)
	}
	if !recall.Degraded() || len(recall.Missing) != 1 || recall.Missing[0] != TierLongTerm {
		t.Errorf("missing = %v", recall.Missing)
	}
}

func TestGateway_DegradesWhenBufferIsDown(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(NewHashEmbedder(0))
	g := newTestGateway(brokenBuffer{}, store)

	if err := g.CommitAsync(ctx, "s", Turn{Role: RoleUser, Content: "I love hiking"}); !errors.Is(err, ErrTierUnavailable) {
		t.Fatalf("CommitAsync err = %v", err)
	}

	recall, err := g.Retrieve(ctx, "s", "hiking")
	if !errors.Is(err, ErrTierUnavailable) {
		t.Fatalf("Retrieve err = %v", err)
	}
	if len(recall.Relevant) != 1 || recall.Relevant[0].Content != "I love hiking" {
		t.Fatalf("long-term content lost: %#v", recall.Relevant)
	}
	if len(recall.Missing) != 1 || recall.Missing[0] != TierShortTerm {
		t.Errorf("missing = %v", recall.Missing)
	}
}

func TestGateway_BothTiersDown(t *testing.T) {
	g := newTestGateway(brokenBuffer{}, brokenStore{})
	recall, err := g.Retrieve(context.Background(), "s", "x")
	if !errors.Is(err, ErrTierUnavailable) {
		t.Fatalf("err = %v", err)
	}
	if len(recall.Missing) != 2 || recall.Recent == nil || recall.Relevant == nil {
		t.Fatalf("recall = %#v", recall)
	}
}

// rendezvousBuffer and rendezvousStore each block until the other has been
// entered, so a Retrieve that reads the tiers one after the other deadlocks.
type rendezvousBuffer struct {
	*MemoryBuffer
	mine, theirs chan struct{}
}

func (b rendezvousBuffer) Read(ctx context.Context, id string) ([]Turn, error) {
	close(b.mine)
	<-b.theirs
	return b.MemoryBuffer.Read(ctx, id)
}

type rendezvousStore struct {
	*MemoryStore
	mine, theirs chan struct{}
}

func (s rendezvousStore) Query(ctx context.Context, id, q string, k int) ([]Fragment, error) {
	close(s.mine)
	<-s.theirs
	return s.MemoryStore.Query(ctx, id, q, k)
}

func TestGateway_RetrieveReadsTiersConcurrently(t *testing.T) {
	bufIn, storeIn := make(chan struct{}), make(chan struct{})
	buf := rendezvousBuffer{MemoryBuffer: NewMemoryBuffer(10), mine: bufIn, theirs: storeIn}
	store := rendezvousStore{MemoryStore: NewMemoryStore(NewHashEmbedder(0)), mine: storeIn, theirs: bufIn}
	g := newTestGateway(buf, store)

	done := make(chan error, 1)
	go func() {
		_, err := g.Retrieve(context.Background(), "s", "q")
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Retrieve: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Retrieve did not complete; tiers are not read concurrently")
	}
}

func TestRecall_Fit(t *testing.T) {
	long := make([]byte, 400)
	for i := range long {
		long[i] = 'x'
	}
	r := Recall{
		Recent: []Turn{
			{Seq: 1, Content: string(long)},
			{Seq: 2, Content: "latest"},
		},
		Relevant: []Fragment{
			{ID: "a", Content: "latest"},
			{ID: "b", Content: "background fact"},
			{ID: "c", Content: string(long)},
		},
	}

	fit := r.Fit(110)
	if len(fit.Recent) != 2 {
		t.Fatalf("recent trimmed too early: %d", len(fit.Recent))
	}
	if len(fit.Relevant) != 0 {
		t.Fatalf("no budget should remain for fragments, got %#v", fit.Relevant)
	}

	fit = r.Fit(20)
	if len(fit.Recent) != 1 || fit.Recent[0].Seq != 2 {
		t.Fatalf("expected only the newest turn, got %#v", fit.Recent)
	}
	if len(fit.Relevant) != 1 || fit.Relevant[0].ID != "b" {
		t.Fatalf("expected the non-duplicate short fragment, got %#v", fit.Relevant)
	}
}
