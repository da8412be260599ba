package eventbus

import "testing"

func TestBusFanoutAndDrop(t *testing.T) {
	t.Parallel()

	b := New()
	a, unsubA := b.Subscribe(4)
	slow, unsubSlow := b.Subscribe(1)
	defer unsubA()

	Emit(b, TypeBatchGenerated, BatchGenerated{Target: "douyin", Date: "2024-01-01", Jobs: 3})
	Emit(b, TypeBatchFinished, BatchFinished{Target: "douyin", Date: "2024-01-01", Completed: 3})

	if got := len(a); got != 2 {
		t.Fatalf("subscriber a got %d events, want 2", got)
	}
	if got := len(slow); got != 1 {
		t.Fatalf("slow subscriber got %d events, want 1", got)
	}
	if d := b.(*memBus).Dropped(); d != 1 {
		t.Fatalf("dropped = %d, want 1", d)
	}
	e := <-a
	if e.Type != TypeBatchGenerated || e.Time.IsZero() {
		t.Fatalf("unexpected first event %+v", e)
	}

	unsubSlow()
	unsubSlow()
	// Publishing after unsubscribe must not panic.
	Emit(b, TypeStoreError, StoreFailure{Op: "update"})
	Emit(nil, TypeStoreError, nil)
}
