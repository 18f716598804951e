package relay

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
)

func TestRegistryAddRemove(t *testing.T) {
	reg := NewRegistry()
	a, b := &fakeSub{}, &fakeSub{}

	ma := reg.Add(a)
	mb := reg.Add(b)
	again := reg.Add(a)
	if reg.Len() != 3 {
		t.Fatalf("len = %d, want 3", reg.Len())
	}

	if !reg.Remove(ma) {
		t.Error("Remove(ma) = false on registered member")
	}
	if reg.Remove(ma) {
		t.Error("second Remove(ma) = true, want no-op")
	}
	if reg.Remove(nil) {
		t.Error("Remove(nil) = true, want no-op")
	}
	if reg.Contains(ma) || !reg.Contains(mb) || !reg.Contains(again) {
		t.Error("membership wrong after remove")
	}
}

func TestRegistrySnapshotIsACopy(t *testing.T) {
	reg := NewRegistry()
	a := &fakeSub{}
	m := reg.Add(a)

	snap := reg.Snapshot()
	reg.Remove(m)
	reg.Add(&fakeSub{})
	reg.Add(&fakeSub{})

	if len(snap) != 1 || snap[0] != m || snap[0].Subscriber != Subscriber(a) {
		t.Errorf("snapshot changed after registry mutation: %v", snap)
	}
}

// sendFunc is a Subscriber whose dynamic type cannot be used as a map key.
type sendFunc func(ctx context.Context, payload []byte) error

func (f sendFunc) Send(ctx context.Context, payload []byte) error { return f(ctx, payload) }

type sliceSub []string

func (sliceSub) Send(context.Context, []byte) error { return nil }

func TestRegistryAcceptsUncomparableSubscribers(t *testing.T) {
	reg := NewRegistry()
	var got atomic.Int32
	fn := reg.Add(sendFunc(func(context.Context, []byte) error {
		got.Add(1)
		return nil
	}))
	sl := reg.Add(sliceSub{"a"})
	if reg.Len() != 2 || !reg.Contains(fn) || !reg.Contains(sl) {
		t.Fatalf("len = %d, want both members registered", reg.Len())
	}

	res := New(reg, Options{}).Broadcast(context.Background(), aliceMessage())
	if res.Delivered != 2 || got.Load() != 1 {
		t.Errorf("result = %+v, func subscriber called %d times", res, got.Load())
	}

	if !reg.Remove(fn) || !reg.Remove(sl) || reg.Len() != 0 {
		t.Errorf("len after remove = %d, want 0", reg.Len())
	}
}

func TestRegistryChurnDuringBroadcasts(t *testing.T) {
	const (
		workers    = 8
		rounds     = 200
		broadcasts = 50
	)
	reg := NewRegistry()
	stable := make([]*fakeSub, 3)
	for i := range stable {
		stable[i] = &fakeSub{}
		reg.Add(stable[i])
	}
	r := New(reg, Options{})

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < rounds; i++ {
				m := reg.Add(&fakeSub{})
				_ = reg.Contains(m)
				_ = reg.Snapshot()
				if !reg.Remove(m) {
					t.Error("churned member missing before its own Remove")
					return
				}
			}
		}()
	}
	for b := 0; b < broadcasts; b++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := r.Broadcast(context.Background(), aliceMessage())
			if res.Dropped != 0 {
				t.Errorf("broadcast dropped %d healthy subscribers", res.Dropped)
			}
		}()
	}
	wg.Wait()

	if reg.Len() != len(stable) {
		t.Fatalf("len = %d after churn, want %d", reg.Len(), len(stable))
	}
	for i, s := range stable {
		if n := len(s.received()); n != broadcasts {
			t.Errorf("stable subscriber %d received %d messages, want %d", i, n, broadcasts)
		}
	}
}
