// Package serial is an example transport.Pipe backed by a real UART,
// using the standard "H4" packet-type-octet framing (command 0x01,
// ACL 0x02, SCO 0x03, event 0x04, ISO 0x05) that most Bluetooth
// controllers speak over a serial line.
//
// This is a convenience leaf, not part of the core: spec.md §1
// explicitly scopes the HCI transport driver out as an external
// collaborator. It exists so an application can obtain a
// transport.Pipe without writing its own UART framer, grounded in
// github.com/daedaluz/goserial (a complete repo in the retrieval
// pack) for the underlying port.
package serial

import (
	"context"
	"encoding/binary"

	"github.com/daedaluz/goserial"
	"github.com/pkg/errors"

	"github.com/courierstack/courierstack/transport"
)

const (
	h4Command = 0x01
	h4ACL     = 0x02
	h4SCO     = 0x03
	h4Event   = 0x04
	h4ISO     = 0x05
)

// Pipe adapts a UART port to transport.Pipe using H4 framing.
type Pipe struct {
	port *serial.Port
}

// Open opens name (e.g. "/dev/ttyUSB0") at the given baud rate and
// returns an H4-framed transport.Pipe over it.
func Open(name string, baud uint32) (*Pipe, error) {
	opts := serial.NewOptions()
	port, err := serial.Open(name, opts)
	if err != nil {
		return nil, errors.Wrapf(err, "serial: open %s", name)
	}
	attrs, err := port.GetAttr2()
	if err != nil {
		port.Close()
		return nil, errors.Wrap(err, "serial: get attrs")
	}
	attrs.MakeRaw()
	attrs.SetCustomSpeed(baud)
	if err := port.SetAttr2(serial.TCSANOW, attrs); err != nil {
		port.Close()
		return nil, errors.Wrap(err, "serial: set attrs")
	}
	return &Pipe{port: port}, nil
}

func kindToH4(k transport.Kind) (byte, error) {
	switch k {
	case transport.Command:
		return h4Command, nil
	case transport.ACL:
		return h4ACL, nil
	case transport.SCO:
		return h4SCO, nil
	case transport.Event:
		return h4Event, nil
	case transport.ISO:
		return h4ISO, nil
	default:
		return 0, errors.Errorf("serial: unknown transport kind %v", k)
	}
}

// Send writes f with a leading H4 packet-type octet.
func (p *Pipe) Send(ctx context.Context, f transport.Frame) error {
	typ, err := kindToH4(f.Kind)
	if err != nil {
		return err
	}
	buf := make([]byte, 1+len(f.Bytes))
	buf[0] = typ
	copy(buf[1:], f.Bytes)
	_, err = p.port.Write(buf)
	return err
}

// Receive blocks for the next complete H4 frame.
func (p *Pipe) Receive(ctx context.Context) (transport.Frame, error) {
	var typ [1]byte
	if err := p.readFull(typ[:]); err != nil {
		return transport.Frame{}, err
	}
	switch typ[0] {
	case h4Command:
		hdr := make([]byte, 3)
		if err := p.readFull(hdr); err != nil {
			return transport.Frame{}, err
		}
		body := make([]byte, hdr[2])
		if err := p.readFull(body); err != nil {
			return transport.Frame{}, err
		}
		return transport.Frame{Kind: transport.Command, Bytes: append(hdr, body...)}, nil
	case h4Event:
		hdr := make([]byte, 2)
		if err := p.readFull(hdr); err != nil {
			return transport.Frame{}, err
		}
		body := make([]byte, hdr[1])
		if err := p.readFull(body); err != nil {
			return transport.Frame{}, err
		}
		return transport.Frame{Kind: transport.Event, Bytes: append(hdr, body...)}, nil
	case h4ACL:
		hdr := make([]byte, 4)
		if err := p.readFull(hdr); err != nil {
			return transport.Frame{}, err
		}
		dlen := binary.LittleEndian.Uint16(hdr[2:])
		body := make([]byte, dlen)
		if err := p.readFull(body); err != nil {
			return transport.Frame{}, err
		}
		return transport.Frame{Kind: transport.ACL, Bytes: append(hdr, body...)}, nil
	case h4SCO:
		hdr := make([]byte, 3)
		if err := p.readFull(hdr); err != nil {
			return transport.Frame{}, err
		}
		body := make([]byte, hdr[2])
		if err := p.readFull(body); err != nil {
			return transport.Frame{}, err
		}
		return transport.Frame{Kind: transport.SCO, Bytes: append(hdr, body...)}, nil
	case h4ISO:
		hdr := make([]byte, 4)
		if err := p.readFull(hdr); err != nil {
			return transport.Frame{}, err
		}
		dlen := binary.LittleEndian.Uint16(hdr[2:]) & 0x3FFF
		body := make([]byte, dlen)
		if err := p.readFull(body); err != nil {
			return transport.Frame{}, err
		}
		return transport.Frame{Kind: transport.ISO, Bytes: append(hdr, body...)}, nil
	default:
		return transport.Frame{}, errors.Errorf("serial: unknown H4 packet type 0x%02x", typ[0])
	}
}

func (p *Pipe) readFull(b []byte) error {
	for off := 0; off < len(b); {
		n, err := p.port.Read(b[off:])
		if err != nil {
			return errors.Wrap(err, "serial: read")
		}
		off += n
	}
	return nil
}

// Close closes the underlying port.
func (p *Pipe) Close() error {
	return p.port.Close()
}
