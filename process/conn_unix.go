//go:build unix

package process

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
)

// Conn returns the i-th connection passed to this child in SpawnOptions.Conns.
// Each inherited connection can be retrieved once.
func Conn(_ context.Context, i int) (net.Conn, error) {
	n, err := strconv.Atoi(os.Getenv(envConns))
	if err != nil || i < 0 || i >= n {
		return nil, fmt.Errorf("no inherited conn %d", i)
	}
	f := os.NewFile(uintptr(3+i), "procpool-conn-"+strconv.Itoa(i))
	if f == nil {
		return nil, fmt.Errorf("inherited conn %d has an invalid descriptor", i)
	}
	defer f.Close()
	c, err := net.FileConn(f)
	if err != nil {
		return nil, fmt.Errorf("inherited conn %d: %w", i, err)
	}
	return c, nil
}
