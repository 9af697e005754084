package types

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// DefaultIP is the wildcard address a Socket holds before it is discovered
const DefaultIP = "0.0.0.0"

var socketPattern = regexp.MustCompile(`^(?:[0-9]{1,3}\.){3}[0-9]{1,3}:[0-9]{1,5}$`)

// Socket is an IPv4 address and port pair
type Socket struct {
	IP   string
	Port int
}

// NewSocket returns the wildcard socket 0.0.0.0:0
func NewSocket() Socket {
	return Socket{IP: DefaultIP}
}

// ParseSocket parses the exact form A.B.C.D:PORT.
// Each octet must be 0-255 and the port 0-65535. No whitespace, hostnames or
// IPv6 are accepted. The second return value reports whether s was valid.
func ParseSocket(s string) (Socket, bool) {
	if !socketPattern.MatchString(s) {
		return Socket{}, false
	}

	ip, portStr, _ := strings.Cut(s, ":")
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 0 || port > 65535 {
		return Socket{}, false
	}

	for _, octet := range strings.Split(ip, ".") {
		n, err := strconv.Atoi(octet)
		if err != nil || n < 0 || n > 255 {
			return Socket{}, false
		}
	}

	return Socket{IP: ip, Port: port}, true
}

// UpdateFromString overwrites s with the parsed value of text.
// On invalid input s is left untouched and false is returned.
func (s *Socket) UpdateFromString(text string) bool {
	parsed, ok := ParseSocket(text)
	if !ok {
		return false
	}
	*s = parsed
	return true
}

// IsZero reports whether the socket is still the wildcard address
func (s Socket) IsZero() bool {
	return (s.IP == "" || s.IP == DefaultIP) && s.Port == 0
}

// String returns the canonical ip:port form
func (s Socket) String() string {
	ip := s.IP
	if ip == "" {
		ip = DefaultIP
	}
	return fmt.Sprintf("%s:%d", ip, s.Port)
}

// Network pairs the local listening port of a session with its public socket
type Network struct {
	LocalPort    int
	PublicSocket Socket
}

// NewNetwork returns a network for localPort with an undiscovered public socket
func NewNetwork(localPort int) Network {
	return Network{
		LocalPort:    localPort,
		PublicSocket: NewSocket(),
	}
}

// Clone returns an independent copy. Mutating the copy's PublicSocket never
// affects n.
func (n Network) Clone() Network {
	return Network{
		LocalPort:    n.LocalPort,
		PublicSocket: Socket{IP: n.PublicSocket.IP, Port: n.PublicSocket.Port},
	}
}

func (n Network) String() string {
	return fmt.Sprintf("Local Port: %d, Public Socket: %s", n.LocalPort, n.PublicSocket)
}

// OpError represents a failed operation of a networking component
type OpError struct {
	Component string // e.g. "STUN"
	Op        string // Operation that failed
	Err       error  // Underlying error
}

func (e *OpError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Component, e.Op, e.Err)
}

func (e *OpError) Unwrap() error {
	return e.Err
}

// NewSTUNError creates a new STUN error
func NewSTUNError(op string, err error) error {
	return &OpError{
		Component: "STUN",
		Op:        op,
		Err:       err,
	}
}
