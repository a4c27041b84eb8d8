package node

import (
	"sync"
	"testing"
)

func TestFindReturnsSameClientForSameFingerprint(t *testing.T) {
	n := New([]string{"stun:stun.l.google.com:19302"}, "http://127.0.0.1:8545/", "")

	first := n.Find("abc123")
	second := n.Find("abc123")
	if first != second {
		t.Fatal("Find returned different Client pointers for the same fingerprint while the first is still alive")
	}
}

func TestFindIsConcurrencySafe(t *testing.T) {
	n := New([]string{"stun:stun.l.google.com:19302"}, "http://127.0.0.1:8545/", "")

	const workers = 32
	results := make([]*Client, workers)
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func(i int) {
			defer wg.Done()
			results[i] = n.Find("shared-fingerprint")
		}(i)
	}
	wg.Wait()

	want := results[0]
	for i, c := range results {
		if c != want {
			t.Fatalf("worker %d got a different Client pointer than worker 0 for the same fingerprint", i)
		}
	}
}

func TestFindDistinguishesFingerprints(t *testing.T) {
	n := New(nil, "http://127.0.0.1:8545/", "")

	a := n.Find("fp-a")
	b := n.Find("fp-b")
	if a == b {
		t.Fatal("Find returned the same Client for two different fingerprints")
	}
}
