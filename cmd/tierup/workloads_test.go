package main

import (
	"testing"

	"github.com/chazu/tierup/config"
	"github.com/chazu/tierup/runtime"
	"github.com/chazu/tierup/vm"
)

func TestWorkloadsRun(t *testing.T) {
	for _, name := range workloadNames() {
		t.Run(name, func(t *testing.T) {
			opts := config.Default()
			opts.Worklist.NumberOfCompilerThreads = 0
			v := vm.New(opts, nil)
			defer v.Close()
			if _, err := workloads[name].run(v, 20); err != nil {
				t.Fatalf("%s: %v", name, err)
			}
			if v.Stats().Calls == 0 {
				t.Errorf("%s made no calls", name)
			}
		})
	}
}

func TestSumWorkloadResult(t *testing.T) {
	v := vm.New(config.Default(), nil)
	defer v.Close()
	got, err := runSum(v, 1000)
	if err != nil {
		t.Fatal(err)
	}
	if got != runtime.Value(int32(499500)) {
		t.Errorf("sum(1000) = %v, want 499500", got)
	}
}

func TestGlobalsWorkloadSeesReassignment(t *testing.T) {
	v := vm.New(config.Default(), nil)
	defer v.Close()
	got, err := runGlobals(v, 10)
	if err != nil {
		t.Fatal(err)
	}
	if got != runtime.Value(int32(11)) {
		t.Errorf("scaled(9) = %v, want 11", got)
	}
}
