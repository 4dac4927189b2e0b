package irq

import (
	"sync"
	"testing"
)

type recordingEOI struct {
	mu      sync.Mutex
	vectors []uint8
}

func (r *recordingEOI) EOI(vector uint8) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.vectors = append(r.vectors, vector)
}

func TestSharedPublishesOnce(t *testing.T) {
	const callers = 64

	var wg sync.WaitGroup
	got := make([]*Table, callers)
	start := make(chan struct{})
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			got[i] = Shared()
		}()
	}
	close(start)
	wg.Wait()

	for i, tbl := range got {
		if tbl != got[0] {
			t.Fatalf("caller %d observed %p want %p", i, tbl, got[0])
		}
	}
	if got[0] != &sharedTable {
		t.Fatalf("shared table is not the static instance")
	}
	if n := sharedInits.Load(); n != 1 {
		t.Fatalf("shared table initialized %d times want 1", n)
	}
	if !got[0].Registered(14) {
		t.Fatalf("shared table has no page fault handler")
	}
}

func TestRegisterReplacesAndUnregisterRestores(t *testing.T) {
	tbl := New()
	eoi := &recordingEOI{}
	tbl.SetEOI(eoi)

	var first, second int
	tbl.Register(0x21, func(f *Frame) { first++ })
	tbl.Register(0x21, func(f *Frame) { second++ })

	tbl.Dispatch(&Frame{Vector: 0x21})
	if first != 0 || second != 1 {
		t.Fatalf("handlers ran first=%d second=%d want 0,1", first, second)
	}
	if len(eoi.vectors) != 0 {
		t.Fatalf("registered handler path issued EOI %v", eoi.vectors)
	}

	tbl.Unregister(0x21)
	if tbl.Registered(0x21) {
		t.Fatalf("vector still registered after Unregister")
	}
	tbl.Dispatch(&Frame{Vector: 0x21})
	if second != 1 {
		t.Fatalf("removed handler ran again")
	}
	if len(eoi.vectors) != 1 || eoi.vectors[0] != 0x21 {
		t.Fatalf("placeholder EOI got %v want [0x21]", eoi.vectors)
	}
	if tbl.Unhandled() != 1 || tbl.Count(0x21) != 2 {
		t.Fatalf("counters got unhandled=%d count=%d", tbl.Unhandled(), tbl.Count(0x21))
	}
}

func TestRegisterNilRestoresPlaceholder(t *testing.T) {
	tbl := New()
	tbl.Register(0x40, func(f *Frame) {})
	tbl.Register(0x40, nil)
	if tbl.Registered(0x40) {
		t.Fatalf("nil handler left vector registered")
	}
}

func TestPlaceholderWithoutEOISink(t *testing.T) {
	tbl := New()
	tbl.Dispatch(&Frame{Vector: 0xFF})
	if tbl.Unhandled() != 1 {
		t.Fatalf("unhandled got %d want 1", tbl.Unhandled())
	}
}

func TestExceptionSlotsPreinstalled(t *testing.T) {
	tbl := New()
	for v := range FirstExternal {
		if !tbl.Registered(uint8(v)) {
			t.Fatalf("exception vector %d has no handler", v)
		}
	}
	for v := FirstExternal; v < NumVectors; v++ {
		if tbl.Registered(uint8(v)) {
			t.Fatalf("external vector %d registered in a fresh table", v)
		}
	}
	tbl.Dispatch(&Frame{Vector: 13, ErrorCode: 0x10})
	if tbl.Unhandled() != 0 {
		t.Fatalf("exception reached the placeholder")
	}
}

func TestExceptionName(t *testing.T) {
	tests := []struct {
		vector uint8
		want   string
	}{
		{0, "divide error"},
		{14, "page fault"},
		{15, "reserved exception 15"},
		{0x20, "vector 0x20"},
	}
	for _, tc := range tests {
		if got := ExceptionName(tc.vector); got != tc.want {
			t.Fatalf("ExceptionName(%d) got %q want %q", tc.vector, got, tc.want)
		}
	}
	if !HasErrorCode(14) || HasErrorCode(3) {
		t.Fatalf("HasErrorCode mismatch")
	}
}

func TestConcurrentRegistrationIsLastWriterWins(t *testing.T) {
	tbl := New()
	var wg sync.WaitGroup
	for i := range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tbl.Register(0x30, func(f *Frame) { f.ErrorCode = uint64(i) })
		}()
	}
	wg.Wait()

	f := &Frame{Vector: 0x30, ErrorCode: 99}
	tbl.Dispatch(f)
	if f.ErrorCode >= 16 {
		t.Fatalf("no registered handler ran, error code %d", f.ErrorCode)
	}
}
