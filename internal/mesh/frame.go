package mesh

import (
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"

	"github.com/mesh-intelligence/checklist/internal/codec"
	"github.com/mesh-intelligence/checklist/pkg/types"
)

// FrameKind identifies the payload a frame carries.
type FrameKind uint8

const (
	KindHello FrameKind = iota + 1
	KindPull
	KindBatch
)

func (k FrameKind) String() string {
	switch k {
	case KindHello:
		return "hello"
	case KindPull:
		return "pull"
	case KindBatch:
		return "batch"
	}
	return fmt.Sprintf("unknown(%d)", uint8(k))
}

// Hello is the first frame each end sends after the link opens.
type Hello struct {
	Site string `cbor:"1,keyasint"`
}

// Pull asks the other end for changes after its log position After,
// restricted to Collections.
type Pull struct {
	After       int64    `cbor:"1,keyasint"`
	Collections []string `cbor:"2,keyasint"`
	Limit       int      `cbor:"3,keyasint,omitempty"`
}

// Batch answers a Pull. Last is the log position to pull after next time;
// More is set when the batch was cut short by the limit.
type Batch struct {
	Changes []types.Change `cbor:"1,keyasint"`
	Last    int64          `cbor:"2,keyasint"`
	More    bool           `cbor:"3,keyasint,omitempty"`
}

// Frame is one websocket message between peers.
type Frame struct {
	Kind  FrameKind `cbor:"1,keyasint"`
	Hello *Hello    `cbor:"2,keyasint,omitempty"`
	Pull  *Pull     `cbor:"3,keyasint,omitempty"`
	Batch *Batch    `cbor:"4,keyasint,omitempty"`
}

// Leading byte of every encoded frame.
const (
	flagPlain byte = 0
	flagZstd  byte = 1
)

// compressThreshold is the smallest CBOR payload worth compressing.
const compressThreshold = 512

var (
	// ErrFrameEmpty is returned when decoding a zero-length message.
	ErrFrameEmpty = errors.New("empty frame")
	// ErrFrameFlag is returned for an unknown leading flag byte.
	ErrFrameFlag = errors.New("unknown frame flag")
	// ErrFrameKind is returned when a frame's kind and payload disagree.
	ErrFrameKind = errors.New("frame kind does not match payload")
)

// zstd.Encoder and zstd.Decoder are safe for concurrent use.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("mesh: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("mesh: zstd decoder initialization failed: " + err.Error())
	}
}

// EncodeFrame serializes f. With compress set, payloads of at least
// compressThreshold bytes are zstd-compressed when that makes them smaller.
func EncodeFrame(f Frame, compress bool) ([]byte, error) {
	payload, err := codec.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encoding %s frame: %w", f.Kind, err)
	}
	if compress && len(payload) >= compressThreshold {
		compressed := zstdEncoder.EncodeAll(payload, []byte{flagZstd})
		if len(compressed) < len(payload)+1 {
			return compressed, nil
		}
	}
	out := make([]byte, 0, len(payload)+1)
	out = append(out, flagPlain)
	return append(out, payload...), nil
}

// DecodeFrame parses a message produced by EncodeFrame.
func DecodeFrame(data []byte) (Frame, error) {
	if len(data) == 0 {
		return Frame{}, ErrFrameEmpty
	}

	payload := data[1:]
	switch data[0] {
	case flagPlain:
	case flagZstd:
		var err error
		payload, err = zstdDecoder.DecodeAll(payload, nil)
		if err != nil {
			return Frame{}, fmt.Errorf("zstd decompress: %w", err)
		}
	default:
		return Frame{}, fmt.Errorf("%w: %d", ErrFrameFlag, data[0])
	}

	var f Frame
	if err := codec.Unmarshal(payload, &f); err != nil {
		return Frame{}, fmt.Errorf("decoding frame: %w", err)
	}
	if err := f.check(); err != nil {
		return Frame{}, err
	}
	return f, nil
}

func (f Frame) check() error {
	ok := false
	switch f.Kind {
	case KindHello:
		ok = f.Hello != nil
	case KindPull:
		ok = f.Pull != nil
	case KindBatch:
		ok = f.Batch != nil
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrFrameKind, f.Kind)
	}
	return nil
}
