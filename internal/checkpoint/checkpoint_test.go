package checkpoint_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/echoforge/internal/checkpoint"
	"github.com/MrWong99/echoforge/pkg/memory"
	memorymock "github.com/MrWong99/echoforge/pkg/memory/mock"
)

func TestExternalID(t *testing.T) {
	t.Parallel()

	a := checkpoint.ExternalID("Fathira", 42)
	if a != checkpoint.ExternalID("Fathira", 42) {
		t.Error("ExternalID is not deterministic")
	}
	if a == checkpoint.ExternalID("Fathira", 43) {
		t.Error("different row ids produced the same id")
	}
	if a == checkpoint.ExternalID("Kaelen", 42) {
		t.Error("different characters produced the same id")
	}
	if len(a) != 36 {
		t.Errorf("ExternalID %q: want canonical UUID form", a)
	}
}

func seed(t *testing.T, store *memorymock.Store, session *string, text string) int64 {
	t.Helper()
	id, err := store.SaveWindow(context.Background(), memory.Window{
		Summary: memory.Summary{
			CharacterName: "Fathira",
			ThreadID:      "t1",
			SessionID:     session,
			Text:          text,
			MessagesCount: 2,
			EndTime:       time.Now(),
			TriggerKind:   memory.TriggerLengthThreshold,
		},
	})
	if err != nil {
		t.Fatalf("SaveWindow: %v", err)
	}
	return id
}

func TestAdapter_ListAndGet(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := memorymock.NewStore()
	seed(t, store, memory.SessionPtr("A"), "first")
	last := seed(t, store, memory.SessionPtr("A"), "second")
	seed(t, store, memory.SessionPtr("B"), "other session")

	a := checkpoint.NewAdapter(store)
	key := checkpoint.ThreadKey{Character: "Fathira", Thread: "t1", Session: memory.SessionPtr("A")}

	cps, err := a.List(ctx, key, 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(cps) != 2 {
		t.Fatalf("List: want 2, got %d", len(cps))
	}

	cp, err := a.Get(ctx, key)
	if err != nil || cp == nil {
		t.Fatalf("Get: %v, %v", cp, err)
	}
	if cp.ID != checkpoint.ExternalID("Fathira", last) {
		t.Errorf("Get: want newest checkpoint, got %s", cp.ID)
	}
	if cp.Version != checkpoint.Version || cp.Values.ConversationSummary != "second" {
		t.Errorf("Get: unexpected checkpoint %+v", cp)
	}

	all, _ := a.List(ctx, checkpoint.ThreadKey{Character: "Fathira", Thread: "t1"}, 0)
	if len(all) != 3 {
		t.Errorf("List without session: want 3, got %d", len(all))
	}

	ids, _ := a.ListSessionIDs(ctx)
	if len(ids) != 2 {
		t.Errorf("ListSessionIDs: want 2, got %v", ids)
	}
}

func TestAdapter_DisabledReadsAreEmpty(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := memorymock.NewStore()
	seed(t, store, nil, "text")

	a := checkpoint.NewAdapter(store)
	a.SetEnabled(false)
	store.Reset()

	key := checkpoint.ThreadKey{Character: "Fathira", Thread: "t1"}
	if cp, err := a.Get(ctx, key); cp != nil || err != nil {
		t.Errorf("Get: want nil, nil; got %v, %v", cp, err)
	}
	if cps, err := a.List(ctx, key, 5); len(cps) != 0 || err != nil {
		t.Errorf("List: want empty, got %v, %v", cps, err)
	}
	if ids, err := a.ListSessionIDs(ctx); len(ids) != 0 || err != nil {
		t.Errorf("ListSessionIDs: want empty, got %v, %v", ids, err)
	}
	if n := len(store.Calls()); n != 0 {
		t.Errorf("disabled adapter touched the store %d times", n)
	}
	if a.Enabled() {
		t.Error("Enabled: want false")
	}
}

func TestAdapter_StoreErrorsAreSwallowed(t *testing.T) {
	t.Parallel()
	store := memorymock.NewStore()
	store.SummariesErr = errors.New("connection reset")
	store.SessionIDsErr = errors.New("connection reset")

	a := checkpoint.NewAdapter(store)
	cps, err := a.List(context.Background(), checkpoint.ThreadKey{Character: "Fathira", Thread: "t1"}, 0)
	if err != nil || cps == nil || len(cps) != 0 {
		t.Errorf("List: want empty non-nil, got %v, %v", cps, err)
	}
	ids, err := a.ListSessionIDs(context.Background())
	if err != nil || len(ids) != 0 {
		t.Errorf("ListSessionIDs: want empty, got %v, %v", ids, err)
	}
}

func TestSelect(t *testing.T) {
	t.Parallel()

	t.Run("reachable", func(t *testing.T) {
		t.Parallel()
		store := memorymock.NewStore()
		saver, ok := checkpoint.Select(context.Background(), store)
		if !ok || !saver.Enabled() {
			t.Errorf("Select: want enabled adapter, got %T ok=%v", saver, ok)
		}
		if n := store.CallCount("Ping"); n != 1 {
			t.Errorf("Ping calls: want 1, got %d", n)
		}
	})

	t.Run("unreachable", func(t *testing.T) {
		t.Parallel()
		store := memorymock.NewStore()
		store.PingErr = errors.New("dial tcp: connection refused")
		saver, ok := checkpoint.Select(context.Background(), store)
		if ok {
			t.Error("Select: want ok=false")
		}
		if _, isNoop := saver.(checkpoint.Noop); !isNoop {
			t.Errorf("Select: want Noop, got %T", saver)
		}
		if n := store.CallCount("Ping"); n != 1 {
			t.Errorf("Ping calls: want exactly 1, got %d", n)
		}
	})

	t.Run("nil store", func(t *testing.T) {
		t.Parallel()
		saver, ok := checkpoint.Select(context.Background(), nil)
		if ok || saver.Enabled() {
			t.Error("Select(nil): want disabled Noop")
		}
	})
}

func TestNoop(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	var n checkpoint.Noop
	key := checkpoint.ThreadKey{Character: "Fathira", Thread: "t1"}

	if err := n.Put(ctx, key, checkpoint.Checkpoint{}); err != nil {
		t.Errorf("Put: %v", err)
	}
	if cp, _ := n.Get(ctx, key); cp != nil {
		t.Errorf("Get: want nil, got %v", cp)
	}
	if cps, _ := n.List(ctx, key, 0); cps == nil || len(cps) != 0 {
		t.Errorf("List: want empty non-nil, got %v", cps)
	}
}
