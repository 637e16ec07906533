package sshcore

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"strconv"

	"github.com/Ducheved/catsolle/internal/apperr"
)

// dialViaProxy opens a TCP connection to proxy.Host:proxy.Port and
// performs the proxy handshake needed to reach host:port, returning
// the now-tunneled connection.
func dialViaProxy(ctx context.Context, proxy *ProxyConfig, host string, port int) (net.Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(proxy.Host, strconv.Itoa(proxy.Port)))
	if err != nil {
		return nil, fmt.Errorf("sshcore: %w: dial proxy: %w", apperr.ErrSSHTransport, err)
	}

	switch proxy.Type {
	case ProxySocks5:
		err = socks5Handshake(conn, proxy, host, port)
	case ProxyHTTPConnect:
		err = httpConnectHandshake(conn, proxy, host, port)
	default:
		err = fmt.Errorf("sshcore: %w: unknown proxy type", apperr.ErrInvalid)
	}
	if err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

func socks5Handshake(conn net.Conn, proxy *ProxyConfig, host string, port int) error {
	methods := []byte{0x00}
	if proxy.Username != "" && proxy.Password != "" {
		methods = append(methods, 0x02)
	}
	if _, err := conn.Write(append([]byte{0x05, byte(len(methods))}, methods...)); err != nil {
		return fmt.Errorf("sshcore: %w: socks5 method offer: %w", apperr.ErrSSHTransport, err)
	}

	resp := make([]byte, 2)
	if _, err := readFull(conn, resp); err != nil {
		return err
	}
	if resp[0] != 0x05 {
		return fmt.Errorf("sshcore: %w: invalid socks5 version", apperr.ErrSSHTransport)
	}

	switch resp[1] {
	case 0x00:
		// no auth required
	case 0x02:
		if len(proxy.Username) > 255 || len(proxy.Password) > 255 {
			return fmt.Errorf("sshcore: %w: socks5 auth too long", apperr.ErrInvalid)
		}
		auth := make([]byte, 0, 3+len(proxy.Username)+len(proxy.Password))
		auth = append(auth, 0x01, byte(len(proxy.Username)))
		auth = append(auth, proxy.Username...)
		auth = append(auth, byte(len(proxy.Password)))
		auth = append(auth, proxy.Password...)
		if _, err := conn.Write(auth); err != nil {
			return fmt.Errorf("sshcore: %w: socks5 auth send: %w", apperr.ErrSSHTransport, err)
		}
		authResp := make([]byte, 2)
		if _, err := readFull(conn, authResp); err != nil {
			return err
		}
		if authResp[1] != 0x00 {
			return fmt.Errorf("sshcore: %w: socks5 auth failed", apperr.ErrSSHAuth)
		}
	default:
		return fmt.Errorf("sshcore: %w: socks5 auth method unsupported", apperr.ErrSSHTransport)
	}

	req := []byte{0x05, 0x01, 0x00}
	if ip := net.ParseIP(host); ip != nil {
		if v4 := ip.To4(); v4 != nil {
			req = append(req, 0x01)
			req = append(req, v4...)
		} else {
			req = append(req, 0x04)
			req = append(req, ip.To16()...)
		}
	} else {
		req = append(req, 0x03, byte(len(host)))
		req = append(req, host...)
	}
	req = append(req, byte(port>>8), byte(port&0xff))

	if _, err := conn.Write(req); err != nil {
		return fmt.Errorf("sshcore: %w: socks5 connect send: %w", apperr.ErrSSHTransport, err)
	}

	header := make([]byte, 4)
	if _, err := readFull(conn, header); err != nil {
		return err
	}
	if header[1] != 0x00 {
		return fmt.Errorf("sshcore: %w: socks5 connect failed: code %d", apperr.ErrSSHTransport, header[1])
	}

	var addrLen int
	switch header[3] {
	case 0x01:
		addrLen = 4
	case 0x03:
		lenBuf := make([]byte, 1)
		if _, err := readFull(conn, lenBuf); err != nil {
			return err
		}
		addrLen = int(lenBuf[0])
	case 0x04:
		addrLen = 16
	default:
		return fmt.Errorf("sshcore: %w: socks5 invalid atyp", apperr.ErrSSHTransport)
	}
	if addrLen > 0 {
		if _, err := readFull(conn, make([]byte, addrLen)); err != nil {
			return err
		}
	}
	if _, err := readFull(conn, make([]byte, 2)); err != nil {
		return err
	}
	return nil
}

func httpConnectHandshake(conn net.Conn, proxy *ProxyConfig, host string, port int) error {
	target := net.JoinHostPort(host, strconv.Itoa(port))
	req := fmt.Sprintf("CONNECT %s HTTP/1.1\r\nHost: %s\r\n", target, target)
	if proxy.Username != "" && proxy.Password != "" {
		token := base64.StdEncoding.EncodeToString([]byte(proxy.Username + ":" + proxy.Password))
		req += "Proxy-Authorization: Basic " + token + "\r\n"
	}
	req += "\r\n"

	if _, err := conn.Write([]byte(req)); err != nil {
		return fmt.Errorf("sshcore: %w: http connect send: %w", apperr.ErrSSHTransport, err)
	}

	var buf bytes.Buffer
	tmp := make([]byte, 1024)
	for {
		n, err := conn.Read(tmp)
		if n > 0 {
			buf.Write(tmp[:n])
		}
		if bytes.Contains(buf.Bytes(), []byte("\r\n\r\n")) {
			break
		}
		if buf.Len() > 8192 {
			break
		}
		if err != nil {
			break
		}
	}

	statusLine := buf.String()
	if idx := bytes.IndexByte(buf.Bytes(), '\n'); idx >= 0 {
		statusLine = string(bytes.TrimRight(buf.Bytes()[:idx], "\r\n"))
	}
	if !bytes.Contains([]byte(statusLine), []byte("200")) {
		return fmt.Errorf("sshcore: %w: http connect failed: %s", apperr.ErrSSHTransport, statusLine)
	}
	return nil
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, fmt.Errorf("sshcore: %w: %w", apperr.ErrSSHTransport, err)
		}
	}
	return total, nil
}
