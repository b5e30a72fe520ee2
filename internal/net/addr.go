package net

import (
	"fmt"
	"net"
	"strings"
)

// ParseAddr splits a control address into a network and an address.
// "unix:///run/x.sock" and paths containing a slash are unix sockets, "tcp://host:port" and "host:port" are TCP.
func ParseAddr(s string) (network, addr string, err error) {
	switch {
	case s == "":
		return "", "", fmt.Errorf("empty address")
	case strings.HasPrefix(s, "unix://"):
		addr = strings.TrimPrefix(s, "unix://")
		if addr == "" {
			return "", "", fmt.Errorf("empty unix socket path in %q", s)
		}
		return "unix", addr, nil
	case strings.HasPrefix(s, "tcp://"):
		s = strings.TrimPrefix(s, "tcp://")
	case strings.Contains(s, "/"):
		return "unix", s, nil
	}
	if _, _, err := net.SplitHostPort(s); err != nil {
		return "", "", fmt.Errorf("parsing TCP address %q: %w", s, err)
	}
	return "tcp", s, nil
}

// GetEphemeralTCPPort returns a TCP port on localhost that was free when it was checked.
func GetEphemeralTCPPort() (int, error) {
	addr, err := net.ResolveTCPAddr("tcp", "localhost:0")
	if err != nil {
		return 0, fmt.Errorf("resolving localhost:0: %w", err)
	}
	listener, err := net.ListenTCP("tcp", addr)
	if err != nil {
		return 0, fmt.Errorf("listening to acquire port: %w", err)
	}
	defer listener.Close()
	return listener.Addr().(*net.TCPAddr).Port, nil
}
