package net

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAddr(t *testing.T) {
	cases := []struct {
		name    string
		in      string
		network string
		addr    string
		err     bool
	}{
		{name: "unix scheme", in: "unix:///run/procpool.sock", network: "unix", addr: "/run/procpool.sock"},
		{name: "relative path", in: "./procpool.sock", network: "unix", addr: "./procpool.sock"},
		{name: "tcp scheme", in: "tcp://127.0.0.1:8080", network: "tcp", addr: "127.0.0.1:8080"},
		{name: "host port", in: "localhost:9000", network: "tcp", addr: "localhost:9000"},
		{name: "empty", in: "", err: true},
		{name: "empty unix path", in: "unix://", err: true},
		{name: "no port", in: "localhost", err: true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			network, addr, err := ParseAddr(c.in)
			if c.err {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, c.network, network)
			assert.Equal(t, c.addr, addr)
		})
	}
}

func TestGetEphemeralTCPPort(t *testing.T) {
	port, err := GetEphemeralTCPPort()
	require.NoError(t, err)
	assert.Greater(t, port, 0)
}
