// Package rcon is a minimal Source-RCON client used as the console channel
// to an engine subprocess. One command is outstanding at a time; the engine
// side processes a command to completion before reading the next, so there
// is nothing to gain from pipelining.
package rcon

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Packet types. Auth responses reuse the exec-command value on the request
// side; that is how the protocol is specified, not a typo.
const (
	typeAuth          = 3
	typeAuthResponse  = 2
	typeExecCommand   = 2
	typeResponseValue = 0
)

// authFailedID is the sentinel request id carried by a failed auth response.
const authFailedID = -1

const maxBodySize = 1 << 22

type packet struct {
	id   int32
	typ  int32
	body string
}

// writePacket frames one packet: int32 size, then id, type, body and two
// NUL terminators, all little-endian.
func writePacket(w io.Writer, p packet) error {
	body := []byte(p.body)
	size := 4 + 4 + len(body) + 2
	buf := make([]byte, 4+size)
	binary.LittleEndian.PutUint32(buf[0:], uint32(size))
	binary.LittleEndian.PutUint32(buf[4:], uint32(p.id))
	binary.LittleEndian.PutUint32(buf[8:], uint32(p.typ))
	copy(buf[12:], body)
	// Two trailing NULs: body terminator and packet terminator.
	_, err := w.Write(buf)
	return err
}

func readPacket(r io.Reader) (packet, error) {
	var header [12]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return packet{}, err
	}
	size := int32(binary.LittleEndian.Uint32(header[0:]))
	id := int32(binary.LittleEndian.Uint32(header[4:]))
	typ := int32(binary.LittleEndian.Uint32(header[8:]))
	rest := size - 8
	if rest < 2 || rest > maxBodySize {
		return packet{}, fmt.Errorf("implausible packet size %d", size)
	}
	body := make([]byte, rest)
	if _, err := io.ReadFull(r, body); err != nil {
		return packet{}, err
	}
	// Strip the body and packet terminators.
	return packet{id: id, typ: typ, body: string(body[:len(body)-2])}, nil
}
