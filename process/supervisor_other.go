//go:build !unix

package process

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
)

// SupportsProcessControl reports whether children are real processes.
const SupportsProcessControl = false

type connsKey struct{}

// Spawn runs the entry registered under name in a goroutine of the current process.
func (s *Supervisor) Spawn(name string, opts SpawnOptions) (*Runtime, error) {
	entry := lookup(name)
	if entry == nil {
		for _, c := range opts.Conns {
			c.Close()
		}
		return nil, fmt.Errorf("spawning %q: %w", name, ErrNoEntry)
	}

	s.mut.Lock()
	s.nextKey++
	key := s.nextKey
	rt := s.trackLocked(key, os.Getpid())
	s.mut.Unlock()

	ctx := context.WithValue(context.Background(), connsKey{}, opts.Conns)
	s.log.Debugw("running entry in-process", "Entry", name, "Key", key)
	go func() {
		code := entry(ctx)
		s.mut.Lock()
		s.untrackLocked(key)
		s.mut.Unlock()
		s.settle([]settlement{{rt: rt, code: code}})
	}()
	return rt, nil
}

// Conn returns the i-th connection passed to this entry in SpawnOptions.Conns.
func Conn(ctx context.Context, i int) (net.Conn, error) {
	conns, _ := ctx.Value(connsKey{}).([]net.Conn)
	if i < 0 || i >= len(conns) {
		return nil, fmt.Errorf("no inherited conn %d", i)
	}
	return conns[i], nil
}

func (s *Supervisor) watchSignals() {
	if !s.handleShutdown {
		return
	}
	// only interrupts are deliverable here
	signal.Notify(s.sigCh, os.Interrupt)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		select {
		case <-s.closed:
		case sig := <-s.sigCh:
			s.shutdown(sig)
		}
	}()
}

func (s *Supervisor) stopSignals() {
	signal.Stop(s.sigCh)
}
