package core

import (
	"testing"

	"github.com/liuxfiu/gostm/pkg/stm/definition"
	"github.com/liuxfiu/gostm/pkg/stm/types"
)

func newTestWriter(t *testing.T) (*Writer, *MemoryWorld) {
	t.Helper()
	world := NewMemoryWorld(2)
	comm := world.Communicator(1)
	return NewWriter("w1", "ch1", 0, comm, NewGoroutineInvoker(), definition.NewDefaultLogger()), world
}

func TestWriter_AdvanceUntilIsMonotone(t *testing.T) {
	w, _ := newTestWriter(t)
	w.AdvanceUntil(5)
	w.AdvanceUntil(2)
	if w.advancetime != 5 {
		t.Fatalf("expected advancetime to stay 5 after a backwards request, found %d", w.advancetime)
	}
	w.AdvanceUntil(5)
	if w.advancetime != 5 {
		t.Fatalf("expected advancetime to stay 5 on an equal request, found %d", w.advancetime)
	}
}

func TestWriter_PutSendsChannelPutToHomeRank(t *testing.T) {
	w, world := newTestWriter(t)
	w.Put(1, []byte("D1"))

	home := world.Communicator(0)
	msg, err := home.IRecv().Wait()
	if err != nil {
		t.Fatalf("receive: %v", err)
	}

	put, ok := msg.(types.ChannelPut)
	if !ok {
		t.Fatalf("expected a ChannelPut, found %#v", msg)
	}
	if put.Ts != 1 || string(put.Item) != "D1" || put.Channel != "ch1" || put.SourceRank != 1 {
		t.Fatalf("unexpected ChannelPut contents: %#v", put)
	}
}

func TestWriter_OutstandingPutsStayBounded(t *testing.T) {
	w, _ := newTestWriter(t)
	for i := types.Timestamp(0); i < int64(maxOutstandingPuts)+5; i++ {
		w.Put(i, []byte("x"))
		if len(w.pending) > maxOutstandingPuts {
			t.Fatalf("expected pending puts bounded at %d, found %d after put(%d)", maxOutstandingPuts, len(w.pending), i)
		}
	}
}
