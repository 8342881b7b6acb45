package port

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// listenTCP binds an OS-assigned TCP port and returns it. The listener is
// closed when the test ends.
func listenTCP(t *testing.T) int {
	t.Helper()
	listener, err := net.Listen("tcp", ":0")
	require.NoError(t, err, "failed to start test listener")
	t.Cleanup(func() { _ = listener.Close() })

	tcpAddr, ok := listener.Addr().(*net.TCPAddr)
	require.True(t, ok)
	return tcpAddr.Port
}

// TestIsPortAvailable_UsedPort verifies that a port bound by another listener
// is reported as unavailable.
func TestIsPortAvailable_UsedPort(t *testing.T) {
	port := listenTCP(t)

	scanner := NewScanner()
	assert.False(t, scanner.IsPortAvailable(port, "tcp"), "port %d should be in use", port)
}

// TestIsPortAvailable_FreePort releases an OS-assigned port and checks that
// it is reported free again.
func TestIsPortAvailable_FreePort(t *testing.T) {
	listener, err := net.Listen("tcp", ":0")
	require.NoError(t, err)
	port := listener.Addr().(*net.TCPAddr).Port
	require.NoError(t, listener.Close())

	assert.True(t, NewScanner().IsPortAvailable(port, "tcp"))
}

func TestIsPortAvailable_UDP(t *testing.T) {
	conn, err := net.ListenPacket("udp", ":0")
	require.NoError(t, err, "failed to start test UDP listener")
	defer func() { _ = conn.Close() }()

	udpAddr, ok := conn.LocalAddr().(*net.UDPAddr)
	require.True(t, ok)

	assert.False(t, NewScanner().IsPortAvailable(udpAddr.Port, "udp"))
}

func TestIsPortAvailable_UnknownProtocol(t *testing.T) {
	assert.False(t, NewScanner().IsPortAvailable(50000, "sctp"))
}
