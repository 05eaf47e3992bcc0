package profilerdb

import (
	"fmt"
	"sort"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/chazu/tierup/codeblock"
)

var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("profilerdb: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// Snapshot is the profiling state of a set of code blocks at one moment.
type Snapshot struct {
	VM      string         `cbor:"1,keyasint"`
	TakenAt int64          `cbor:"2,keyasint"` // unix nanoseconds
	Blocks  []BlockProfile `cbor:"3,keyasint"`
}

// BlockProfile is the profiling state of one code block.
type BlockProfile struct {
	ID                    uint64        `cbor:"1,keyasint"`
	Name                  string        `cbor:"2,keyasint"`
	Kind                  string        `cbor:"3,keyasint"`
	Tier                  string        `cbor:"4,keyasint"`
	ExecuteCount          float64       `cbor:"5,keyasint"`
	OptimizationDelay     uint32        `cbor:"6,keyasint"`
	ReoptimizationRetries uint32        `cbor:"7,keyasint"`
	OSRExits              uint32        `cbor:"8,keyasint"`
	Jettisoned            bool          `cbor:"9,keyasint"`
	Values                []ValueSample `cbor:"10,keyasint,omitempty"`
	ExitSites             []ExitSite    `cbor:"11,keyasint,omitempty"`
	ICs                   ICSummary     `cbor:"12,keyasint"`
}

// ValueSample is the folded prediction of one value profile.
type ValueSample struct {
	Offset     int    `cbor:"1,keyasint"`
	Prediction string `cbor:"2,keyasint"`
	Samples    uint32 `cbor:"3,keyasint"`
}

// ExitSite is a frequent OSR exit site.
type ExitSite struct {
	Offset int    `cbor:"1,keyasint"`
	Kind   string `cbor:"2,keyasint"`
}

// ICSummary counts inline caches by state.
type ICSummary struct {
	MonomorphicCalls  int `cbor:"1,keyasint"`
	PolymorphicCalls  int `cbor:"2,keyasint"`
	UnlinkedCalls     int `cbor:"3,keyasint"`
	CachedAccesses    int `cbor:"4,keyasint"`
	PolymorphicAccess int `cbor:"5,keyasint"`
	GenericAccesses   int `cbor:"6,keyasint"`
}

// Take captures the profiling state of blocks. Each block's profiles are read
// under its lock; only already-folded predictions are recorded.
func Take(vm string, blocks []*codeblock.CodeBlock) *Snapshot {
	s := &Snapshot{VM: vm, TakenAt: time.Now().UnixNano()}
	for _, cb := range blocks {
		s.Blocks = append(s.Blocks, profileOf(cb))
	}
	sort.Slice(s.Blocks, func(i, j int) bool { return s.Blocks[i].ID < s.Blocks[j].ID })
	return s
}

func profileOf(cb *codeblock.CodeBlock) BlockProfile {
	ic := cb.ICStats()
	p := BlockProfile{
		ID:         cb.ID(),
		Name:       cb.Executable().Name(),
		Kind:       cb.Kind().String(),
		Tier:       cb.Tier().String(),
		Jettisoned: cb.IsJettisoned(),
		ICs:        ICSummary(ic),
	}

	cb.Lock()
	defer cb.Unlock()
	p.ExecuteCount = cb.ExecuteCounter().Count()
	p.OptimizationDelay = cb.OptimizationDelayCounter()
	p.ReoptimizationRetries = cb.ReoptimizationRetryCounter()
	p.OSRExits = cb.OSRExitCounter()
	for _, vp := range cb.ValueProfiles() {
		if n := vp.NumberOfSamples(); n > 0 {
			p.Values = append(p.Values, ValueSample{
				Offset:     vp.BytecodeOffset(),
				Prediction: vp.Prediction().String(),
				Samples:    n,
			})
		}
	}
	for _, site := range cb.ExitProfile().Sites() {
		p.ExitSites = append(p.ExitSites, ExitSite{Offset: site.BytecodeOffset, Kind: site.Kind.String()})
	}
	return p
}

// Block returns the profile of the block with the given id.
func (s *Snapshot) Block(id uint64) (BlockProfile, bool) {
	i := sort.Search(len(s.Blocks), func(i int) bool { return s.Blocks[i].ID >= id })
	if i < len(s.Blocks) && s.Blocks[i].ID == id {
		return s.Blocks[i], true
	}
	return BlockProfile{}, false
}

// Marshal serializes s to canonical CBOR.
func (s *Snapshot) Marshal() ([]byte, error) {
	data, err := cborEncMode.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("profilerdb: marshal snapshot: %w", err)
	}
	return data, nil
}

// UnmarshalSnapshot deserializes a snapshot from CBOR bytes.
func UnmarshalSnapshot(data []byte) (*Snapshot, error) {
	var s Snapshot
	if err := cbor.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("profilerdb: unmarshal snapshot: %w", err)
	}
	return &s, nil
}
