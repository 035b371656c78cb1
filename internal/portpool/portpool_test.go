package portpool

import (
	"errors"
	"net"
	"strconv"
	"sync"
	"testing"
)

func TestAllocateReturnsPortInRange(t *testing.T) {
	a := New("127.0.0.1", 20000, 20010)
	port, err := a.Allocate()
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if port < 20000 || port > 20010 {
		t.Fatalf("port %d out of range", port)
	}
}

func TestAllocateExhausted(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:20100")
	if err != nil {
		t.Skipf("cannot bind test port: %v", err)
	}
	defer ln.Close()

	a := New("127.0.0.1", 20100, 20100)
	_, err = a.Allocate()
	if !errors.Is(err, ErrNoPortsAvailable) {
		t.Fatalf("expected ErrNoPortsAvailable, got %v", err)
	}
}

func TestAllocateConcurrentNoDuplicates(t *testing.T) {
	a := New("127.0.0.1", 21000, 21050)

	const n = 10
	var wg sync.WaitGroup
	results := make([]int, n)
	errs := make([]error, n)

	// Hold each allocated port open until all goroutines finish, so that
	// concurrent Allocate calls cannot observe the same free port twice.
	var mu sync.Mutex
	var held []net.Listener
	defer func() {
		for _, l := range held {
			l.Close()
		}
	}()

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			port, err := a.Allocate()
			if err != nil {
				errs[i] = err
				return
			}
			ln, lerr := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
			if lerr == nil {
				mu.Lock()
				held = append(held, ln)
				mu.Unlock()
			}
			results[i] = port
		}(i)
	}
	wg.Wait()

	seen := map[int]bool{}
	for i, err := range errs {
		if err != nil {
			t.Fatalf("goroutine %d: %v", i, err)
		}
		if seen[results[i]] {
			t.Fatalf("port %d allocated twice", results[i])
		}
		seen[results[i]] = true
	}
}

func TestIsFree(t *testing.T) {
	a := New("127.0.0.1", 22000, 22010)
	if !a.IsFree(22005) {
		t.Fatal("expected port to be free")
	}
	ln, err := net.Listen("tcp", "127.0.0.1:22005")
	if err != nil {
		t.Skipf("cannot bind test port: %v", err)
	}
	defer ln.Close()
	if a.IsFree(22005) {
		t.Fatal("expected port to be reported busy")
	}
}
