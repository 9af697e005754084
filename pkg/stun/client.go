// Package stun implements the RFC 5389 Binding exchange used to learn the
// public IPv4 socket a NAT maps a local UDP port to.
package stun

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/binary"
	"net"
	"strconv"
	"time"

	"github.com/pkg/errors"

	"github.com/saintparish4/peerlink/pkg/types"
)

const (
	// STUN message constants from RFC 5389
	magicCookie         = 0x2112A442
	bindingRequest      = 0x0001
	bindingResponse     = 0x0101
	xorMappedAddress    = 0x0020
	messageHeaderSize   = 20
	transactionIDSize   = 12
	attributeHeaderSize = 4

	familyIPv4 = 0x01
	familyIPv6 = 0x02
)

// DefaultServer is queried when no server is configured
const DefaultServer = "stun.l.google.com:19302"

// ErrNotIPv4 is returned when the server maps us to an IPv6 address
var ErrNotIPv4 = errors.New("mapped address is not IPv4")

// Client queries a STUN server from a fixed local port
type Client struct {
	ServerAddr string

	// LocalPort is the UDP port the query is sent from; 0 picks any port
	LocalPort int

	// Timeout bounds one attempt; Attempts requests are sent before giving up
	Timeout  time.Duration
	Attempts int
}

// NewClient creates a client for serverAddr sending from localPort
func NewClient(serverAddr string, localPort int) *Client {
	if serverAddr == "" {
		serverAddr = DefaultServer
	}
	return &Client{
		ServerAddr: serverAddr,
		LocalPort:  localPort,
		Timeout:    2 * time.Second,
		Attempts:   3,
	}
}

// Listen binds the client's local port
func (c *Client) Listen() (*net.UDPConn, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: c.LocalPort})
	if err != nil {
		return nil, types.NewSTUNError("listen", err)
	}
	return conn, nil
}

// Discover binds the local port, runs one binding exchange and releases the
// port again.
func (c *Client) Discover(ctx context.Context) (types.Socket, error) {
	conn, err := c.Listen()
	if err != nil {
		return types.Socket{}, err
	}
	defer conn.Close()
	return c.Query(ctx, conn)
}

// Query runs a binding exchange over conn, which stays open for reuse.
// Lost requests are retransmitted up to Attempts times.
func (c *Client) Query(ctx context.Context, conn net.PacketConn) (types.Socket, error) {
	server, err := net.ResolveUDPAddr("udp4", c.ServerAddr)
	if err != nil {
		return types.Socket{}, types.NewSTUNError("resolve address", err)
	}

	transactionID := make([]byte, transactionIDSize)
	if _, err := rand.Read(transactionID); err != nil {
		return types.Socket{}, types.NewSTUNError("generate transaction id", err)
	}
	request := buildBindingRequest(transactionID)

	attempts := c.Attempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		if err := ctx.Err(); err != nil {
			return types.Socket{}, types.NewSTUNError("query", err)
		}

		if _, err := conn.WriteTo(request, server); err != nil {
			return types.Socket{}, types.NewSTUNError("send request", err)
		}

		sock, err := c.await(ctx, conn, transactionID)
		if err == nil {
			return sock, nil
		}
		lastErr = err

		var netErr net.Error
		if !errors.As(err, &netErr) || !netErr.Timeout() {
			break
		}
	}
	return types.Socket{}, types.NewSTUNError("read response", lastErr)
}

// await reads until a response carrying transactionID arrives or the attempt
// times out. Unrelated datagrams are skipped.
func (c *Client) await(ctx context.Context, conn net.PacketConn, transactionID []byte) (types.Socket, error) {
	deadline := time.Now().Add(c.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetReadDeadline(deadline); err != nil {
		return types.Socket{}, err
	}
	defer conn.SetReadDeadline(time.Time{})

	buf := make([]byte, 1500)
	for {
		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			return types.Socket{}, err
		}
		sock, err := parseBindingResponse(buf[:n], transactionID)
		if errors.Is(err, errForeignMessage) {
			continue
		}
		return sock, err
	}
}

var errForeignMessage = errors.New("not a response to this request")

// buildBindingRequest creates a Binding Request with no attributes
func buildBindingRequest(transactionID []byte) []byte {
	msg := make([]byte, messageHeaderSize)
	binary.BigEndian.PutUint16(msg[0:2], bindingRequest)
	binary.BigEndian.PutUint16(msg[2:4], 0)
	binary.BigEndian.PutUint32(msg[4:8], magicCookie)
	copy(msg[8:20], transactionID)
	return msg
}

// parseBindingResponse validates a Binding Response and extracts its
// XOR-MAPPED-ADDRESS
func parseBindingResponse(response []byte, expectedTransactionID []byte) (types.Socket, error) {
	if len(response) < messageHeaderSize {
		return types.Socket{}, errors.Wrapf(errForeignMessage, "response too short: %d bytes", len(response))
	}

	messageType := binary.BigEndian.Uint16(response[0:2])
	messageLength := binary.BigEndian.Uint16(response[2:4])
	receivedMagicCookie := binary.BigEndian.Uint32(response[4:8])
	receivedTransactionID := response[8:20]

	if receivedMagicCookie != magicCookie {
		return types.Socket{}, errors.Wrapf(errForeignMessage, "invalid magic cookie: 0x%08x", receivedMagicCookie)
	}
	if !bytes.Equal(receivedTransactionID, expectedTransactionID) {
		return types.Socket{}, errors.Wrap(errForeignMessage, "transaction ID mismatch")
	}
	if messageType != bindingResponse {
		return types.Socket{}, errors.Errorf("unexpected message type: 0x%04x (expected 0x%04x)", messageType, bindingResponse)
	}
	if len(response) < messageHeaderSize+int(messageLength) {
		return types.Socket{}, errors.Errorf("incomplete message: got %d bytes, expected %d", len(response), messageHeaderSize+int(messageLength))
	}

	payload := response[messageHeaderSize : messageHeaderSize+int(messageLength)]
	sock, found, err := parseAttributes(payload)
	if err != nil {
		return types.Socket{}, errors.Wrap(err, "parse attributes")
	}
	if !found {
		return types.Socket{}, errors.New("XOR-MAPPED-ADDRESS attribute not found")
	}
	return sock, nil
}

func parseAttributes(payload []byte) (types.Socket, bool, error) {
	pos := 0
	for pos+attributeHeaderSize <= len(payload) {
		attrType := binary.BigEndian.Uint16(payload[pos : pos+2])
		attrLength := int(binary.BigEndian.Uint16(payload[pos+2 : pos+4]))
		pos += attributeHeaderSize

		if pos+attrLength > len(payload) {
			return types.Socket{}, false, errors.Errorf("incomplete attribute: type=0x%04x, length=%d", attrType, attrLength)
		}

		if attrType == xorMappedAddress {
			sock, err := decodeXORMappedAddress(payload[pos : pos+attrLength])
			if err != nil {
				return types.Socket{}, false, errors.Wrap(err, "decode XOR-MAPPED-ADDRESS")
			}
			return sock, true, nil
		}

		// attributes are padded to 4-byte boundaries
		pos += attrLength
		if pad := attrLength % 4; pad != 0 {
			pos += 4 - pad
		}
	}
	return types.Socket{}, false, nil
}

// decodeXORMappedAddress decodes an XOR-MAPPED-ADDRESS value (RFC 5389
// section 15.2). Only IPv4 mappings can be represented as a Socket.
func decodeXORMappedAddress(value []byte) (types.Socket, error) {
	if len(value) < 4 {
		return types.Socket{}, errors.Errorf("value too short: %d bytes", len(value))
	}

	family := value[1]
	port := int(binary.BigEndian.Uint16(value[2:4]) ^ uint16(magicCookie>>16))

	switch family {
	case familyIPv4:
		if len(value) < 8 {
			return types.Socket{}, errors.Errorf("IPv4 address too short: %d bytes", len(value))
		}
		addr := binary.BigEndian.Uint32(value[4:8]) ^ magicCookie
		ip := net.IPv4(byte(addr>>24), byte(addr>>16), byte(addr>>8), byte(addr))

		sock, ok := types.ParseSocket(net.JoinHostPort(ip.String(), strconv.Itoa(port)))
		if !ok {
			return types.Socket{}, errors.Errorf("mapped address %s:%d is not a valid socket", ip, port)
		}
		return sock, nil
	case familyIPv6:
		return types.Socket{}, ErrNotIPv4
	default:
		return types.Socket{}, errors.Errorf("unsupported address family: 0x%02x", family)
	}
}
