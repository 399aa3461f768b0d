package tcpstack

import (
	"bytes"
	"testing"

	"iptcp-ringbuf/pkg/config"
	"iptcp-ringbuf/pkg/repl"

	"github.com/stretchr/testify/require"
)

func TestSimRepl(t *testing.T) {
	cfg := config.DefaultStreamConfig
	cfg.MSS = 4
	sim := NewSimulator(&cfg, testISS, testIRS)
	r := SimRepl(sim)

	var out bytes.Buffer
	c := &repl.REPLConfig{Writer: &out}
	run := func(input string) string {
		out.Reset()
		r.Execute(input, c)
		return out.String()
	}

	require.Equal(t, "Queued 12 bytes\n", run("s hello, world"))
	require.Equal(t, "Sent 3 segments\n", run("flush"))
	require.Empty(t, run("drop 0"))
	require.Contains(t, run("drop 7"), "out of range")
	require.Empty(t, run("reverse"))
	require.Equal(t, "Delivered 2 segments\n", run("deliver"))
	require.Equal(t, "Read 0 bytes: \n", run("r"))

	require.Empty(t, run("retx"))
	require.Equal(t, "Delivered 1 segments\n", run("deliver"))
	require.Equal(t, "Read 5 bytes: hello\n", run("r 5"))
	require.Equal(t, "Read 7 bytes: , world\n", run("r"))
	require.Equal(t, "Nothing in flight\n", run("retx"))

	ls := run("ls")
	require.Contains(t, ls, "acked=12")
	require.Contains(t, ls, "delivered=12")
	require.Contains(t, ls, "wire: 0 segments queued")

	require.Contains(t, run("r -1"), "invalid number of bytes")
	require.Contains(t, run("s"), "usage: s <data>")
}
