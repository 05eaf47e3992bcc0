package codeblock

import (
	"fmt"
	"regexp"

	"github.com/chazu/tierup/bytecode"
)

// RareData holds the tables most code blocks never need. It is built on first
// use.
type RareData struct {
	handlers     []bytecode.HandlerInfo
	regexps      []*regexp.Regexp
	switchTables []bytecode.SwitchTable
}

func (cb *CodeBlock) ensureRareData() *RareData {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.rareData == nil {
		cb.rareData = &RareData{
			handlers:     cb.code.Handlers,
			regexps:      make([]*regexp.Regexp, len(cb.code.RegExps)),
			switchTables: cb.code.SwitchTables,
		}
	}
	return cb.rareData
}

// HasRareData reports whether rare data was materialized.
func (cb *CodeBlock) HasRareData() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.rareData != nil
}

// HandlerForBytecodeOffset returns the innermost exception handler covering
// off.
func (cb *CodeBlock) HandlerForBytecodeOffset(off int) (bytecode.HandlerInfo, bool) {
	if len(cb.code.Handlers) == 0 {
		return bytecode.HandlerInfo{}, false
	}
	rd := cb.ensureRareData()
	for _, h := range rd.handlers {
		if off >= h.Start && off < h.End {
			return h, true
		}
	}
	return bytecode.HandlerInfo{}, false
}

// RegExp returns regexp literal i, compiling it on first use.
func (cb *CodeBlock) RegExp(i int) (*regexp.Regexp, error) {
	rd := cb.ensureRareData()
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if i < 0 || i >= len(rd.regexps) {
		return nil, fmt.Errorf("regexp literal %d out of range", i)
	}
	if rd.regexps[i] == nil {
		re, err := regexp.Compile(cb.code.RegExps[i])
		if err != nil {
			return nil, fmt.Errorf("regexp literal %d: %w", i, err)
		}
		rd.regexps[i] = re
	}
	return rd.regexps[i], nil
}

// SwitchJumpTable returns switch table i.
func (cb *CodeBlock) SwitchJumpTable(i int) *bytecode.SwitchTable {
	rd := cb.ensureRareData()
	return &rd.switchTables[i]
}

// NumberOfSwitchJumpTables returns the number of switch tables.
func (cb *CodeBlock) NumberOfSwitchJumpTables() int { return len(cb.code.SwitchTables) }
