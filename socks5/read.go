package socks5

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
)

// Sentinel parse errors callers map to their SOCKS5 reply codes: CMD not
// in {1,2,3} replies 0x07, unknown ATYP replies 0x08.
var (
	ErrUnsupportedCommand  = errors.New("socks5: unsupported command")
	ErrUnsupportedAddrType = errors.New("socks5: unsupported address type")
)

// ReadGreeting reads VER|NMETHODS|METHODS[] from r. NMETHODS=0 is
// rejected.
func ReadGreeting(r io.Reader) (*Greeting, error) {
	var hdr [2]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, fmt.Errorf("socks5: read greeting header: %w", err)
	}
	if hdr[0] != Version {
		return nil, fmt.Errorf("socks5: unsupported version %x", hdr[0])
	}
	nmethods := int(hdr[1])
	if nmethods == 0 {
		return nil, fmt.Errorf("socks5: greeting: NMETHODS=0")
	}
	methods := make([]byte, nmethods)
	if _, err := io.ReadFull(r, methods); err != nil {
		return nil, fmt.Errorf("socks5: read methods: %w", err)
	}
	return &Greeting{Methods: methods}, nil
}

// ReadRequest reads VER|CMD|RSV|ATYP|DST.ADDR|DST.PORT from r. A domain
// length of 0 is rejected.
func ReadRequest(r io.Reader) (*ParsedRequest, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, fmt.Errorf("socks5: read request header: %w", err)
	}
	if hdr[0] != Version {
		return nil, fmt.Errorf("socks5: unsupported version %x", hdr[0])
	}
	cmd := Command(hdr[1])
	switch cmd {
	case CmdConnect, CmdBind, CmdUDPAssociate:
	default:
		return nil, fmt.Errorf("%w %x", ErrUnsupportedCommand, cmd)
	}

	atyp := AddrType(hdr[3])
	req := &ParsedRequest{Cmd: cmd, AddrType: atyp}

	switch atyp {
	case ATypIPv4:
		var addr [4]byte
		if _, err := io.ReadFull(r, addr[:]); err != nil {
			return nil, fmt.Errorf("socks5: read ipv4 address: %w", err)
		}
		req.Host = net.IP(addr[:]).String()
	case ATypDomain:
		var lenBuf [1]byte
		if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
			return nil, fmt.Errorf("socks5: read domain length: %w", err)
		}
		dlen := int(lenBuf[0])
		if dlen == 0 {
			return nil, fmt.Errorf("socks5: domain length is 0")
		}
		domain := make([]byte, dlen)
		if _, err := io.ReadFull(r, domain); err != nil {
			return nil, fmt.Errorf("socks5: read domain: %w", err)
		}
		req.Host = string(domain)
	case ATypIPv6:
		var addr [16]byte
		if _, err := io.ReadFull(r, addr[:]); err != nil {
			return nil, fmt.Errorf("socks5: read ipv6 address: %w", err)
		}
		req.Host = net.IP(addr[:]).String()
	default:
		return nil, fmt.Errorf("%w %x", ErrUnsupportedAddrType, atyp)
	}

	var portBuf [2]byte
	if _, err := io.ReadFull(r, portBuf[:]); err != nil {
		return nil, fmt.Errorf("socks5: read port: %w", err)
	}
	req.Port = binary.BigEndian.Uint16(portBuf[:])

	return req, nil
}

// ReadUserPassPayload reads RFC 1929's VER|ULEN|UNAME|PLEN|PASSWD
// sub-negotiation frame and returns it verbatim, in the form
// auth.UserPassStatic.Authenticate expects as its payload argument. It
// does not itself validate credentials.
func ReadUserPassPayload(r io.Reader) ([]byte, error) {
	var hdr [2]byte // VER, ULEN
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, fmt.Errorf("socks5: read userpass header: %w", err)
	}
	ulen := int(hdr[1])
	uname := make([]byte, ulen)
	if _, err := io.ReadFull(r, uname); err != nil {
		return nil, fmt.Errorf("socks5: read userpass uname: %w", err)
	}
	var plenBuf [1]byte
	if _, err := io.ReadFull(r, plenBuf[:]); err != nil {
		return nil, fmt.Errorf("socks5: read userpass plen: %w", err)
	}
	plen := int(plenBuf[0])
	passwd := make([]byte, plen)
	if _, err := io.ReadFull(r, passwd); err != nil {
		return nil, fmt.Errorf("socks5: read userpass passwd: %w", err)
	}

	payload := make([]byte, 0, 2+ulen+1+plen)
	payload = append(payload, hdr[0], hdr[1])
	payload = append(payload, uname...)
	payload = append(payload, plenBuf[0])
	payload = append(payload, passwd...)
	return payload, nil
}
