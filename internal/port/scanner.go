package port

import (
	"net"
	"strconv"
)

// Scanner checks whether host ports are free by binding them.
type Scanner struct {
	// host is the bind address; empty binds all interfaces, which is where
	// published ports land by default.
	host string
}

// NewScanner creates a Scanner that probes all interfaces.
func NewScanner() *Scanner {
	return &Scanner{}
}

// IsPortAvailable reports whether port can be bound for protocol ("tcp" or
// "udp"). Unknown protocols report false.
func (s *Scanner) IsPortAvailable(port int, protocol string) bool {
	addr := net.JoinHostPort(s.host, strconv.Itoa(port))

	switch protocol {
	case "tcp":
		listener, err := net.Listen("tcp", addr)
		if err != nil {
			return false
		}
		defer func() { _ = listener.Close() }()
		return true

	case "udp":
		conn, err := net.ListenPacket("udp", addr)
		if err != nil {
			return false
		}
		defer func() { _ = conn.Close() }()
		return true

	default:
		return false
	}
}
