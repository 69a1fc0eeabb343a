package transport

import (
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/rs/zerolog/log"
)

// MaxDatagram is the largest UDP payload the listen endpoint accepts.
const MaxDatagram = 65507

var (
	// ErrPollTimeout means no datagram arrived during the poll interval.
	// It is a normal loop signal, not a failure.
	ErrPollTimeout = errors.New("poll timeout")
	// ErrSameAddress is returned when listen and publish addresses are equal.
	ErrSameAddress = errors.New("listen and publish addresses must differ")
)

// UDPPair owns the listen socket and the publish destination.
type UDPPair struct {
	conn         *net.UDPConn
	publishAddr  *net.UDPAddr
	pollInterval time.Duration
}

// Listen binds listenAddr and prepares to publish to publishAddr.
func Listen(listenAddr, publishAddr string, pollInterval time.Duration) (*UDPPair, error) {
	if pollInterval <= 0 {
		return nil, fmt.Errorf("poll interval must be positive, got %s", pollInterval)
	}

	laddr, err := net.ResolveUDPAddr("udp", listenAddr)
	if err != nil {
		return nil, fmt.Errorf("resolve listen address: %w", err)
	}
	paddr, err := net.ResolveUDPAddr("udp", publishAddr)
	if err != nil {
		return nil, fmt.Errorf("resolve publish address: %w", err)
	}

	if laddr.IP.Equal(paddr.IP) && laddr.Port == paddr.Port {
		return nil, fmt.Errorf("%w: %s", ErrSameAddress, laddr)
	}

	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, fmt.Errorf("bind %s: %w", laddr, err)
	}

	log.Debug().Str("addr", conn.LocalAddr().String()).Msg("监听下行请求")
	log.Debug().Str("addr", paddr.String()).Msg("上行数据发布地址")

	return &UDPPair{
		conn:         conn,
		publishAddr:  paddr,
		pollInterval: pollInterval,
	}, nil
}

// LocalAddr returns the bound listen address.
func (u *UDPPair) LocalAddr() *net.UDPAddr {
	return u.conn.LocalAddr().(*net.UDPAddr)
}

// PublishAddr returns the publish destination.
func (u *UDPPair) PublishAddr() *net.UDPAddr {
	return u.publishAddr
}

// Poll waits up to the poll interval for one datagram and returns the part
// of buf it filled. buf is owned by the caller and reused across calls.
func (u *UDPPair) Poll(buf []byte) ([]byte, error) {
	if err := u.conn.SetReadDeadline(time.Now().Add(u.pollInterval)); err != nil {
		return nil, fmt.Errorf("set read deadline: %w", err)
	}

	n, _, err := u.conn.ReadFromUDP(buf)
	if err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return nil, ErrPollTimeout
		}
		return nil, fmt.Errorf("read listen socket: %w", err)
	}
	return buf[:n], nil
}

// Publish sends one datagram to the publish address.
func (u *UDPPair) Publish(b []byte) error {
	if _, err := u.conn.WriteToUDP(b, u.publishAddr); err != nil {
		return fmt.Errorf("publish to %s: %w", u.publishAddr, err)
	}
	return nil
}

// Close releases the listen socket.
func (u *UDPPair) Close() error {
	return u.conn.Close()
}
