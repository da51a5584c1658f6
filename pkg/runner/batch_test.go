package runner

import (
	"errors"
	"sort"
	"sync/atomic"
	"testing"
	"time"
)

func TestRunParallel(t *testing.T) {
	var running, peak atomic.Int32
	targets := []string{"a", "b", "c", "d", "e", "f"}
	results := RunParallel(targets, 2, func(target string) (int, error) {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		running.Add(-1)
		if target == "c" {
			return 0, errors.New("boom")
		}
		return len(target), nil
	})

	var got []string
	failed := 0
	for r := range results {
		got = append(got, r.Target)
		if r.Error != nil {
			failed++
			if r.Target != "c" {
				t.Errorf("unexpected error for %s: %v", r.Target, r.Error)
			}
		} else if r.Value != 1 {
			t.Errorf("%s value = %d", r.Target, r.Value)
		}
	}
	sort.Strings(got)
	if len(got) != len(targets) || failed != 1 {
		t.Fatalf("results = %v, failed = %d", got, failed)
	}
	if p := peak.Load(); p > 2 {
		t.Fatalf("peak concurrency = %d, want <= 2", p)
	}
}

func TestRunParallelEmpty(t *testing.T) {
	for range RunParallel[int](nil, 3, func(string) (int, error) { return 0, nil }) {
		t.Fatal("no results expected")
	}
}
