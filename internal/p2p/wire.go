// Package p2p implements peer networking over libp2p: gossip topics for
// inventory and consensus, and framed sync streams for chain download.
package p2p

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/unityledger/unity-chain/pkg/crypto"
)

// Wire framing: size(4) | type(2) | reserved(2) | check(32) | payload,
// with the payload padded to a 16-byte boundary. size counts the unpadded
// payload bytes; check is a BLAKE3 hash of the payload for corruption
// detection on the encrypted transport. A replayed frame carries a valid
// check and is not detected here.
const (
	frameHeaderSize = 4 + 2 + 2 + 32
	framePadding    = 16

	// maxFrameSize bounds a single message (blocks included).
	maxFrameSize = 16 * 1024 * 1024
)

// Frame is one wire message envelope.
type Frame struct {
	Type    uint16
	Payload []byte
}

// WriteFrame encodes and writes one frame.
func WriteFrame(w io.Writer, f Frame) error {
	if len(f.Payload) > maxFrameSize {
		return fmt.Errorf("frame payload %d exceeds limit", len(f.Payload))
	}
	padded := (len(f.Payload) + framePadding - 1) / framePadding * framePadding

	buf := make([]byte, 0, frameHeaderSize+padded)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(f.Payload)))
	buf = binary.LittleEndian.AppendUint16(buf, f.Type)
	buf = binary.LittleEndian.AppendUint16(buf, 0) // reserved
	check := crypto.CheckHash(f.Payload)
	buf = append(buf, check[:]...)
	buf = append(buf, f.Payload...)
	buf = append(buf, make([]byte, padded-len(f.Payload))...)

	_, err := w.Write(buf)
	return err
}

// ReadFrame reads and verifies one frame.
func ReadFrame(r io.Reader) (Frame, error) {
	var hdr [frameHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Frame{}, err
	}
	size := binary.LittleEndian.Uint32(hdr[:4])
	if size > maxFrameSize {
		return Frame{}, fmt.Errorf("frame size %d exceeds limit", size)
	}
	msgType := binary.LittleEndian.Uint16(hdr[4:6])

	padded := (int(size) + framePadding - 1) / framePadding * framePadding
	body := make([]byte, padded)
	if _, err := io.ReadFull(r, body); err != nil {
		return Frame{}, err
	}
	payload := body[:size]

	check := crypto.CheckHash(payload)
	if !bytes.Equal(check[:], hdr[8:40]) {
		return Frame{}, fmt.Errorf("frame check hash mismatch")
	}
	return Frame{Type: msgType, Payload: payload}, nil
}
