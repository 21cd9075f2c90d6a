package connection

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"strconv"
	"time"

	"proxyd/internal/domain"
)

const (
	socks4Version       = 0x04
	socks4CmdConnect    = 0x01
	socks4ReplyGranted  = 0x5a
	socks4ReplyRejected = 0x5b
)

// dialSOCKS4 はSOCKS4で addr への接続を確立する.
// IPv4以外の宛先はSOCKS4aとしてホスト名を渡す.
func (d *Dialer) dialSOCKS4(ctx context.Context, up *domain.UpstreamRule, addr string) (net.Conn, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return nil, fmt.Errorf("invalid port in %q", addr)
	}

	req := make([]byte, 0, 9+len(up.User)+len(host)+1)
	req = append(req, socks4Version, socks4CmdConnect)
	req = binary.BigEndian.AppendUint16(req, uint16(port))

	ip, err := netip.ParseAddr(host)
	socks4a := err != nil || !ip.Unmap().Is4()
	if socks4a {
		if err == nil {
			return nil, errors.New("socks4 does not support IPv6 destinations")
		}
		// 0.0.0.x はホスト名が続くことを示す
		req = append(req, 0, 0, 0, 1)
	} else {
		v4 := ip.Unmap().As4()
		req = append(req, v4[:]...)
	}
	req = append(req, up.User...)
	req = append(req, 0)
	if socks4a {
		req = append(req, host...)
		req = append(req, 0)
	}

	conn, err := d.net.DialContext(ctx, "tcp", up.Addr())
	if err != nil {
		return nil, err
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
		defer conn.SetDeadline(time.Time{})
	}

	if _, err := conn.Write(req); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send socks4 request to %s: %w", up.Addr(), err)
	}

	var reply [8]byte
	if _, err := io.ReadFull(conn, reply[:]); err != nil {
		conn.Close()
		return nil, fmt.Errorf("read socks4 reply from %s: %w", up.Addr(), err)
	}
	if reply[1] != socks4ReplyGranted {
		conn.Close()
		return nil, fmt.Errorf("socks4 upstream %s rejected request (code 0x%02x)", up.Addr(), reply[1])
	}
	return conn, nil
}
