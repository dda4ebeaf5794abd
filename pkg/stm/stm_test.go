package stm

import (
	"sync"
	"testing"

	"github.com/liuxfiu/gostm/pkg/stm/core"
	"github.com/liuxfiu/gostm/pkg/stm/types"
	"go.uber.org/goleak"
)

// buildCluster runs Build concurrently across every rank's Builder (the
// collective exchanges require every rank to be making progress at once)
// and fails the test if any rank's Build errors.
func buildCluster(t *testing.T, builders []*Builder) []*STM {
	t.Helper()
	runtimes := make([]*STM, len(builders))
	errs := make([]error, len(builders))

	var wg sync.WaitGroup
	for i, b := range builders {
		wg.Add(1)
		go func(i int, b *Builder) {
			defer wg.Done()
			runtimes[i], errs[i] = b.Build()
		}(i, b)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("rank %d: build failed: %v", i, err)
		}
	}
	return runtimes
}

// recvAndProcess blocks for the next message addressed to rt and runs it
// through the dispatch switch. Using the blocking ReceiveMessage/
// ProcessMessage pair (rather than polling Drain) keeps these tests
// deterministic: a channel receive only returns once the corresponding send
// has actually landed, unlike probing a non-blocking handle.
func recvAndProcess(t *testing.T, rt *STM) types.Message {
	t.Helper()
	msg, err := rt.ReceiveMessage()
	if err != nil {
		t.Fatalf("rank %d: receive: %v", rt.Rank(), err)
	}
	rt.ProcessMessage(msg)
	return msg
}

// drainFanout waits for every goroutine rt's components have spawned (e.g.
// Channel.HandleAdvanceUntil's un-awaited Advance fan-out) to finish, so a
// subsequent recvAndProcess on a downstream rank is guaranteed to see the
// message. Exercises the same Invoker seam production code is built on.
func drainFanout(rt *STM) {
	rt.invoker.Stop()
}

func newThreeRankCluster(t *testing.T) (world *core.MemoryWorld, builders []*Builder) {
	t.Helper()
	world = core.NewMemoryWorld(3)
	builders = make([]*Builder, 3)
	for rank := 0; rank < 3; rank++ {
		builders[rank] = NewBuilder(world.Communicator(rank), types.DefaultConfiguration("it"))
	}
	return world, builders
}

// TestScenarios_S1ThroughS3 exercises spec.md §8's three-rank walkthrough:
// a channel ch1 homed on rank 0 with writer w0 on rank 0 and readers r1 on
// rank 1, r2 on rank 2.
func TestScenarios_S1ThroughS3(t *testing.T) {
	_, builders := newThreeRankCluster(t)
	if err := builders[0].CreateChannels("ch1"); err != nil {
		t.Fatal(err)
	}
	if err := builders[0].CreateWriter("ch1", "w0"); err != nil {
		t.Fatal(err)
	}
	if err := builders[1].CreateReader("ch1", "r1"); err != nil {
		t.Fatal(err)
	}
	if err := builders[2].CreateReader("ch1", "r2"); err != nil {
		t.Fatal(err)
	}

	runtimes := buildCluster(t, builders)
	rt0, rt1, rt2 := runtimes[0], runtimes[1], runtimes[2]
	// Release the sender goroutines so S5's leak check sees only its own.
	defer func() {
		for _, rt := range runtimes {
			rt.invoker.Stop()
			rt.comm.Close()
		}
	}()

	w0, ok := rt0.GetWriter("w0")
	if !ok {
		t.Fatal("writer w0 not found on rank 0")
	}
	r1, ok := rt1.GetReader("r1")
	if !ok {
		t.Fatal("reader r1 not found on rank 1")
	}
	r2, ok := rt2.GetReader("r2")
	if !ok {
		t.Fatal("reader r2 not found on rank 2")
	}

	// --- S1: basic put/get ---
	w0.Put(1, []byte("D1"))
	recvAndProcess(t, rt0) // ChannelPut -> PublishData, fans Data out synchronously
	recvAndProcess(t, rt1) // Data -> r1.data[1] = D1

	if item, possible := r1.Get(1); string(item) != "D1" || !possible {
		t.Fatalf("S1: expected (D1, true), found (%s, %v)", item, possible)
	}
	if item, possible := r1.Get(2); item != nil || !possible {
		t.Fatalf("S1: expected (nil, true) at ts=2, found (%v, %v)", item, possible)
	}

	// --- S2: advance makes absence final ---
	w0.Put(3, []byte("D3"))
	recvAndProcess(t, rt0)
	recvAndProcess(t, rt1)
	w0.Put(5, []byte("D5"))
	recvAndProcess(t, rt0)
	recvAndProcess(t, rt1)

	w0.AdvanceUntil(3)
	recvAndProcess(t, rt0) // WriterAdvance -> HandleAdvanceUntil, fans out (un-awaited)
	drainFanout(rt0)
	recvAndProcess(t, rt1) // fanned-out WriterAdvance -> r1.channel_advancetime = 3

	if item, possible := r1.Get(2); item != nil || possible {
		t.Fatalf("S2: expected (nil, false) at ts=2 after advance(3), found (%v, %v)", item, possible)
	}
	if item, possible := r1.Get(4); item != nil || !possible {
		t.Fatalf("S2: expected (nil, true) at ts=4 after advance(3), found (%v, %v)", item, possible)
	}

	w0.Put(7, []byte("D7"))
	recvAndProcess(t, rt0)
	recvAndProcess(t, rt1)
	if item, possible := r1.Get(7); string(item) != "D7" || !possible {
		t.Fatalf("S2: expected (D7, true) at ts=7, found (%s, %v)", item, possible)
	}

	// --- S3: consume GC ---
	// r2 never consumed, so the home channel must still be retaining
	// data[5] on its own (r1's local replica GC is independent of the
	// home's retention, which is what this section actually verifies).
	r1.ConsumeUntil(4)
	recvAndProcess(t, rt0) // ReaderConsume -> local GC hint, no fan-out

	if item, possible := r1.Get(4); item != nil || possible {
		t.Fatalf("S3: expected (nil, false) at ts=4 after consume, found (%v, %v)", item, possible)
	}
	if item, possible := r1.Get(7); string(item) != "D7" || !possible {
		t.Fatalf("S3: expected (D7, true) at ts=7 after consume(4), found (%s, %v)", item, possible)
	}

	ch0, ok := rt0.localChannels["ch1"]
	if !ok {
		t.Fatal("ch1 missing from rank 0's local channels")
	}
	if _, present := ch0.Data().Get(5); !present {
		t.Fatalf("S3: data[5] should survive on the home: r2's keeptime is still 0")
	}

	r2.ConsumeUntil(3)
	recvAndProcess(t, rt0)
	if _, present := ch0.Data().Get(1); present {
		t.Fatalf("S3: data[1] should be collected once both readers' min keeptime passes it")
	}
	if _, present := ch0.Data().Get(5); !present {
		t.Fatalf("S3: data[5] should still survive: min keeptime is only 3")
	}
}

// TestScenarios_S4WriterLocalRouting exercises spec.md §8's S4: a single
// rank hosting the channel, its writer, and its reader all at once. Publish
// still goes through the same dispatch switch (spec.md §4.4), but fan-out
// to the reader is a direct in-process call, never a Data message.
func TestScenarios_S4WriterLocalRouting(t *testing.T) {
	world := core.NewMemoryWorld(1)
	b := NewBuilder(world.Communicator(0), types.DefaultConfiguration("solo"))
	if err := b.CreateChannels("ch1"); err != nil {
		t.Fatal(err)
	}
	if err := b.CreateWriter("ch1", "w0"); err != nil {
		t.Fatal(err)
	}
	if err := b.CreateReader("ch1", "r0"); err != nil {
		t.Fatal(err)
	}

	rt, err := b.Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	defer rt.comm.Close()

	w0, _ := rt.GetWriter("w0")
	r0, _ := rt.GetReader("r0")

	w0.Put(1, []byte("X"))
	recvAndProcess(t, rt) // ChannelPut -> PublishData -> direct AddLocalReader path

	if item, possible := r0.Get(1); string(item) != "X" || !possible {
		t.Fatalf("S4: expected (X, true), found (%s, %v)", item, possible)
	}
}

// TestScenarios_S5ShutdownBarrier exercises spec.md §5.x: no rank's
// dispatcher exits until it has observed a Shutdown message from every
// rank, and every rank eventually does exit.
func TestScenarios_S5ShutdownBarrier(t *testing.T) {
	defer goleak.VerifyNone(t)

	world := core.NewMemoryWorld(3)
	builders := make([]*Builder, 3)
	for rank := 0; rank < 3; rank++ {
		builders[rank] = NewBuilder(world.Communicator(rank), types.DefaultConfiguration("barrier"))
	}
	runtimes := buildCluster(t, builders)

	for _, rt := range runtimes {
		if err := rt.Start(types.ThreadMode); err != nil {
			t.Fatalf("rank %d: start: %v", rt.Rank(), err)
		}
	}

	var wg sync.WaitGroup
	for _, rt := range runtimes {
		wg.Add(1)
		go func(rt *STM) {
			defer wg.Done()
			if err := rt.Stop().Error(); err != nil {
				t.Errorf("rank %d: stop: %v", rt.Rank(), err)
			}
		}(rt)
	}
	wg.Wait()

	for _, rt := range runtimes {
		rt.invoker.Stop()
		if !rt.ShutdownComplete() {
			t.Fatalf("rank %d: expected shutdown barrier satisfied", rt.Rank())
		}
		if err := rt.comm.Close(); err != nil {
			t.Fatalf("rank %d: close: %v", rt.Rank(), err)
		}
	}
}

// TestScenarios_S6ManualDrain exercises spec.md §8's S6: in manual mode, the
// host repeatedly drives the dispatcher itself and observes each put in
// order.
func TestScenarios_S6ManualDrain(t *testing.T) {
	world := core.NewMemoryWorld(2)
	b0 := NewBuilder(world.Communicator(0), types.DefaultConfiguration("manual-0"))
	b1 := NewBuilder(world.Communicator(1), types.DefaultConfiguration("manual-1"))
	if err := b0.CreateChannels("ch1"); err != nil {
		t.Fatal(err)
	}
	if err := b0.CreateWriter("ch1", "w0"); err != nil {
		t.Fatal(err)
	}
	if err := b1.CreateReader("ch1", "r1"); err != nil {
		t.Fatal(err)
	}

	runtimes := buildCluster(t, []*Builder{b0, b1})
	rt0, rt1 := runtimes[0], runtimes[1]
	for _, rt := range runtimes {
		if err := rt.Start(types.ManualMode); err != nil {
			t.Fatalf("rank %d: start: %v", rt.Rank(), err)
		}
	}

	w0, _ := rt0.GetWriter("w0")
	r1, _ := rt1.GetReader("r1")

	// ts 0 is r1's initial keep-time and never readable, so start at 1.
	for i := types.Timestamp(1); i <= 5; i++ {
		w0.Put(i, []byte{byte('A' + i)})
		w0.AdvanceUntil(i + 1)

		recvAndProcess(t, rt0) // ChannelPut
		recvAndProcess(t, rt0) // WriterAdvance
		drainFanout(rt0)
		recvAndProcess(t, rt1) // Data
		recvAndProcess(t, rt1) // fanned-out WriterAdvance

		item, possible := r1.Get(i)
		if string(item) != string([]byte{byte('A' + i)}) {
			t.Fatalf("S6: iteration %d: expected item %q, found %q", i, []byte{byte('A' + i)}, item)
		}
		if possible {
			t.Fatalf("S6: iteration %d: expected get to be final once advance passed it", i)
		}
	}
}
