package profilerdb

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/chazu/tierup/bytecode"
	"github.com/chazu/tierup/codeblock"
	"github.com/chazu/tierup/config"
	"github.com/chazu/tierup/runtime"
)

func openJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { j.Close() })
	return j
}

// profiledBlock returns an interpreter block that read an int32 global once
// and took one BadType exit site.
func profiledBlock() *codeblock.CodeBlock {
	b := bytecode.NewBuilder("reader", 1)
	r := b.Reg()
	b.GetGlobal(r, "x")
	b.Emit(bytecode.OpRet, r)
	exe := codeblock.NewExecutable(b.Build(), runtime.NewGlobalObject(), config.Default())
	cb := exe.PrepareForExecution(codeblock.CodeForCall)

	vp := cb.ValueProfileForBytecodeOffset(1)
	vp.Observe(int32(7))
	cb.Lock()
	vp.ComputeUpdatedPrediction()
	cb.Unlock()
	cb.AddFrequentExitSite(codeblock.FrequentExitSite{BytecodeOffset: 1, Kind: codeblock.BadType})
	return cb
}

func TestJournalRecordsEventsInOrder(t *testing.T) {
	ctx := context.Background()
	j := openJournal(t)
	vm, other := uuid.New(), uuid.New()

	kinds := []EventKind{EventInstalled, EventCompiled, EventOSRExit, EventJettisoned}
	for i, k := range kinds {
		if err := j.Record(ctx, Event{VM: vm, CodeBlock: uint64(i + 1), Name: "f", Tier: "optimized", Kind: k}); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}
	if err := j.Record(ctx, Event{VM: other, Name: "g", Kind: EventInstalled}); err != nil {
		t.Fatalf("Record: %v", err)
	}

	events, err := j.Events(ctx, vm)
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	if len(events) != len(kinds) {
		t.Fatalf("got %d events, want %d", len(events), len(kinds))
	}
	for i, e := range events {
		if e.Kind != kinds[i] || e.CodeBlock != uint64(i+1) {
			t.Errorf("event %d = %s/%d, want %s/%d", i, e.Kind, e.CodeBlock, kinds[i], i+1)
		}
		if e.ID == uuid.Nil || e.VM != vm || e.At.IsZero() {
			t.Errorf("event %d not filled in: %+v", i, e)
		}
	}
}

func TestJournalCounts(t *testing.T) {
	ctx := context.Background()
	j := openJournal(t)
	vm := uuid.New()
	for _, k := range []EventKind{EventOSRExit, EventOSRExit, EventOSRExit, EventJettisoned} {
		if err := j.Record(ctx, Event{VM: vm, Kind: k}); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}
	counts, err := j.Counts(ctx, vm)
	if err != nil {
		t.Fatalf("Counts: %v", err)
	}
	if counts[EventOSRExit] != 3 || counts[EventJettisoned] != 1 || counts[EventInstalled] != 0 {
		t.Errorf("counts = %v", counts)
	}
}

func TestTakeSnapshot(t *testing.T) {
	cb := profiledBlock()
	s := Take("vm", []*codeblock.CodeBlock{cb})

	p, ok := s.Block(cb.ID())
	if !ok {
		t.Fatal("block missing from snapshot")
	}
	if p.Name != "reader" || p.Tier != "interpreter" || p.Kind != "call" {
		t.Errorf("identity = %s/%s/%s", p.Name, p.Tier, p.Kind)
	}
	if len(p.Values) != 1 || p.Values[0].Offset != 1 || p.Values[0].Prediction != "Int32" || p.Values[0].Samples != 1 {
		t.Errorf("values = %+v", p.Values)
	}
	if len(p.ExitSites) != 1 || p.ExitSites[0].Kind != codeblock.BadType.String() {
		t.Errorf("exit sites = %+v", p.ExitSites)
	}
	if _, ok := s.Block(cb.ID() + 1000); ok {
		t.Error("found a block that was not captured")
	}
}

func TestSnapshotEncodingIsDeterministic(t *testing.T) {
	s := Take("vm", []*codeblock.CodeBlock{profiledBlock(), profiledBlock()})
	a, err := s.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	back, err := UnmarshalSnapshot(a)
	if err != nil {
		t.Fatalf("UnmarshalSnapshot: %v", err)
	}
	b, err := back.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if string(a) != string(b) {
		t.Error("re-encoding a decoded snapshot changed its bytes")
	}
	if len(back.Blocks) != 2 || back.Blocks[0].ID >= back.Blocks[1].ID {
		t.Errorf("blocks not sorted by id: %+v", back.Blocks)
	}
}

func TestSaveAndLoadSnapshot(t *testing.T) {
	ctx := context.Background()
	j := openJournal(t)
	cb := profiledBlock()
	s := Take("vm", []*codeblock.CodeBlock{cb})

	id, err := j.SaveSnapshot(ctx, s)
	if err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}
	loaded, err := j.LoadSnapshot(ctx, id)
	if err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	if loaded.TakenAt != s.TakenAt || len(loaded.Blocks) != 1 || loaded.Blocks[0].Name != "reader" {
		t.Errorf("loaded = %+v", loaded)
	}

	if _, err := j.LoadSnapshot(ctx, uuid.New()); !errors.Is(err, ErrNoSnapshot) {
		t.Errorf("missing snapshot error = %v, want ErrNoSnapshot", err)
	}
}
