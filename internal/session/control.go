package session

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ResizePrefix marks an inbound message as a resize control message.
const ResizePrefix = "resize:"

// ErrMalformedResize is returned for resize messages whose geometry does not parse.
var ErrMalformedResize = errors.New("malformed resize message")

// Resize is a parsed "resize:<cols>,<rows>" control message.
type Resize struct {
	Cols uint16
	Rows uint16
}

// String formats the geometry the way it arrives on the wire.
func (r Resize) String() string {
	return fmt.Sprintf("%s%d,%d", ResizePrefix, r.Cols, r.Rows)
}

// ParseResize classifies an inbound message. It returns ok=false for plain
// input, which must be forwarded verbatim. It returns ok=true with a nil
// error for a valid resize, and ok=true with ErrMalformedResize for a
// resize-prefixed message that must be dropped.
func ParseResize(msg []byte) (r Resize, ok bool, err error) {
	if !bytes.HasPrefix(msg, []byte(ResizePrefix)) {
		return Resize{}, false, nil
	}

	parts := strings.Split(string(msg[len(ResizePrefix):]), ",")
	if len(parts) != 2 {
		return Resize{}, true, fmt.Errorf("%w: want <cols>,<rows>", ErrMalformedResize)
	}

	cols, err := parseDimension(parts[0])
	if err != nil {
		return Resize{}, true, fmt.Errorf("%w: cols: %v", ErrMalformedResize, err)
	}
	rows, err := parseDimension(parts[1])
	if err != nil {
		return Resize{}, true, fmt.Errorf("%w: rows: %v", ErrMalformedResize, err)
	}

	return Resize{Cols: cols, Rows: rows}, true, nil
}

func parseDimension(s string) (uint16, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 10, 16)
	if err != nil {
		return 0, err
	}
	if v == 0 {
		return 0, errors.New("must be positive")
	}
	return uint16(v), nil
}
