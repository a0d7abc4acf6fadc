package sysmetrics

import "testing"

func TestResidentMemoryNonZero(t *testing.T) {
	if got := ResidentMemory(); got == 0 {
		t.Fatal("ResidentMemory() = 0, want > 0 for a running process")
	}
}

func TestHeapInuseNonZero(t *testing.T) {
	if got := HeapInuse(); got == 0 {
		t.Fatal("HeapInuse() = 0, want > 0 for a running process")
	}
}
