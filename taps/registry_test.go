package taps

import (
	"reflect"
	"testing"

	"github.com/tsawler/go-cnn/tensor"
)

func TestRegistryObserveCopies(t *testing.T) {
	r := NewRegistry(nil)
	x := tensor.MustNew([]int{1, 2, 2}, []float32{1, 2, 3, 4})

	r.Observe("conv1", x)
	x.Data[0] = 100

	got, ok := r.Get("conv1")
	if !ok {
		t.Fatal("expected conv1 to be captured")
	}
	data := got.Data().([]float32)
	if data[0] != 1 {
		t.Errorf("capture should be independent of the source tensor, got %v", data)
	}
	if !reflect.DeepEqual([]int(got.Shape()), []int{1, 2, 2}) {
		t.Errorf("unexpected shape %v", got.Shape())
	}
}

func TestRegistryOrderAndOverwrite(t *testing.T) {
	r := NewRegistry(nil)
	a := tensor.MustNew([]int{2}, []float32{1, 2})
	b := tensor.MustNew([]int{2}, []float32{3, 4})

	r.Observe("b", a)
	r.Observe("a", a)
	r.Observe("b", b)

	if !reflect.DeepEqual(r.Names(), []string{"b", "a"}) {
		t.Errorf("names should keep first-insertion order, got %v", r.Names())
	}
	got, _ := r.Get("b")
	if got.Data().([]float32)[0] != 3 {
		t.Error("later capture should overwrite earlier one")
	}
}

func TestSnapshotIsStable(t *testing.T) {
	r := NewRegistry(nil)
	r.Observe("fc1", tensor.MustNew([]int{1, 2}, []float32{5, 6}))

	snap := r.Snapshot()
	r.Observe("fc1", tensor.MustNew([]int{1, 2}, []float32{7, 8}))
	r.Observe("logits", tensor.MustNew([]int{1, 2}, []float32{0, 1}))

	if snap.Len() != 1 {
		t.Errorf("snapshot length changed to %d", snap.Len())
	}
	data, shape, ok := snap.Float32s("fc1")
	if !ok || data[0] != 5 || !reflect.DeepEqual(shape, []int{1, 2}) {
		t.Errorf("snapshot value changed: %v %v", data, shape)
	}
	if _, ok := snap.Get("logits"); ok {
		t.Error("snapshot should not see later taps")
	}
}

func TestGetReturnsCopies(t *testing.T) {
	r := NewRegistry(nil)
	r.Observe("conv1", tensor.MustNew([]int{1, 2}, []float32{1, 2}))
	snap := r.Snapshot()

	got, _ := r.Get("conv1")
	got.Data().([]float32)[0] = 100
	again, _ := r.Get("conv1")
	if again.Data().([]float32)[0] != 1 {
		t.Errorf("mutating a registry read changed the stored capture: %v", again.Data())
	}

	fromSnap, _ := snap.Get("conv1")
	fromSnap.Data().([]float32)[1] = -5
	again, _ = snap.Get("conv1")
	if again.Data().([]float32)[1] != 2 {
		t.Errorf("mutating a snapshot read changed the snapshot: %v", again.Data())
	}
	if !reflect.DeepEqual([]int(again.Shape()), []int{1, 2}) {
		t.Errorf("unexpected shape %v", again.Shape())
	}
}

func TestRegistryRecoversFromBadInput(t *testing.T) {
	r := NewRegistry(nil)

	r.Observe("broken", nil)

	if r.Len() != 0 {
		t.Errorf("failed capture should not be stored")
	}
	if r.Dropped() != 1 {
		t.Errorf("expected 1 dropped capture, got %d", r.Dropped())
	}

	r.Reset()
	if r.Dropped() != 0 || r.Len() != 0 {
		t.Error("reset should clear captures and counters")
	}
}

func TestObserverFunc(t *testing.T) {
	var seen []string
	var obs Observer = ObserverFunc(func(name string, _ *tensor.Tensor) {
		seen = append(seen, name)
	})
	obs.Observe("x", nil)
	if !reflect.DeepEqual(seen, []string{"x"}) {
		t.Errorf("ObserverFunc not called, got %v", seen)
	}
}
