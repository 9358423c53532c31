package proto

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/pkg/errors"
)

// ErrMalformed is the cause of every error returned for a frame that was
// read completely but could not be decoded.
var ErrMalformed = errors.New("malformed handoff frame")

// Encode returns the length-prefixed frame for h.
func Encode(h Handoff) ([]byte, error) {
	var body bytes.Buffer
	body.WriteByte(Version)
	writeUint32(&body, uint32(len(h.Args)+1))
	writeString(&body, h.Cwd)
	for _, arg := range h.Args {
		writeString(&body, arg)
	}
	if body.Len() > MaxFrameSize {
		return nil, errors.Errorf("handoff of %d bytes exceeds the %d byte limit", body.Len(), MaxFrameSize)
	}

	frame := make([]byte, 4, 4+body.Len())
	binary.BigEndian.PutUint32(frame, uint32(body.Len()))
	return append(frame, body.Bytes()...), nil
}

// WriteHandoff writes the frame for h to dst.
func WriteHandoff(dst io.Writer, h Handoff) error {
	frame, err := Encode(h)
	if err != nil {
		return err
	}
	if _, err := dst.Write(frame); err != nil {
		return errors.Wrap(err, "could not write handoff")
	}
	return nil
}

// Decode decodes a single frame produced by Encode. Trailing bytes after the
// frame are an error.
func Decode(data []byte) (Handoff, error) {
	r := bytes.NewReader(data)
	h, err := ReadHandoff(r)
	if err != nil {
		return Handoff{}, err
	}
	if r.Len() != 0 {
		return Handoff{}, errors.Wrapf(ErrMalformed, "%d trailing bytes after frame", r.Len())
	}
	return h, nil
}

// ReadHandoff reads exactly one frame from src.
// If src is at EOF before the first byte, io.EOF is returned unwrapped so
// callers can tell an empty connection from a truncated one.
func ReadHandoff(src io.Reader) (Handoff, error) {
	var frameLen uint32
	if err := binary.Read(src, binary.BigEndian, &frameLen); err != nil {
		if err == io.EOF {
			return Handoff{}, io.EOF
		}
		return Handoff{}, errors.Wrap(err, "protocol error: could not read frame length")
	}
	if frameLen < minFrameSize || frameLen > MaxFrameSize {
		return Handoff{}, errors.Wrapf(ErrMalformed, "frame length %d out of range", frameLen)
	}

	// read the whole body before decoding so that a short stream fails here,
	// not halfway through the strings
	data := make([]byte, frameLen)
	if n, err := io.ReadFull(src, data); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return Handoff{}, errors.Wrapf(err, "unable to read frame body (expected %v bytes, got %v)", frameLen, n)
	}
	return decodeBody(data)
}

func decodeBody(data []byte) (Handoff, error) {
	if data[0] != Version {
		return Handoff{}, errors.Wrapf(ErrMalformed, "unsupported frame version %d", data[0])
	}
	count := binary.BigEndian.Uint32(data[1:5])
	rest := data[5:]
	// every string needs at least its 4 byte length
	if count == 0 || uint64(count)*4 > uint64(len(rest)) {
		return Handoff{}, errors.Wrapf(ErrMalformed, "string count %d does not fit in %d bytes", count, len(rest))
	}

	strs := make([]string, 0, count)
	for i := uint32(0); i < count; i++ {
		if len(rest) < 4 {
			return Handoff{}, errors.Wrapf(ErrMalformed, "string %d: missing length", i)
		}
		n := binary.BigEndian.Uint32(rest[:4])
		rest = rest[4:]
		if uint64(n) > uint64(len(rest)) {
			return Handoff{}, errors.Wrapf(ErrMalformed, "string %d: length %d exceeds remaining %d bytes", i, n, len(rest))
		}
		strs = append(strs, string(rest[:n]))
		rest = rest[n:]
	}
	if len(rest) != 0 {
		return Handoff{}, errors.Wrapf(ErrMalformed, "%d unused bytes in frame", len(rest))
	}

	h := Handoff{Cwd: strs[0]}
	if len(strs) > 1 {
		h.Args = strs[1:]
	}
	return h, nil
}

func writeUint32(buf *bytes.Buffer, v uint32) {
	if err := binary.Write(buf, binary.BigEndian, v); err != nil {
		panic(fmt.Errorf("could not binary encode a uint32: %v", err))
	}
}

func writeString(buf *bytes.Buffer, s string) {
	writeUint32(buf, uint32(len(s)))
	buf.WriteString(s)
}
