package archive

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/vmihailenco/msgpack/v5"
)

// Codec names stored next to every payload.
const codecMsgpackZstd = "msgpack+zstd"

// zstdEncoder and zstdDecoder are reused across calls. zstd.Encoder and
// zstd.Decoder are safe for concurrent use.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.SpeedDefault),
	)
	if err != nil {
		panic("archive: zstd encoder initialization failed: " + err.Error())
	}

	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("archive: zstd decoder initialization failed: " + err.Error())
	}
}

// encode returns the compressed payload and its uncompressed size.
func encode(v any) ([]byte, int, error) {
	raw, err := msgpack.Marshal(v)
	if err != nil {
		return nil, 0, fmt.Errorf("archive: encode: %w", err)
	}
	return zstdEncoder.EncodeAll(raw, nil), len(raw), nil
}

func decode(codec string, blob []byte, rawSize int, v any) error {
	if codec != codecMsgpackZstd {
		return fmt.Errorf("archive: unknown codec %q", codec)
	}

	raw, err := zstdDecoder.DecodeAll(blob, make([]byte, 0, rawSize))
	if err != nil {
		return fmt.Errorf("archive: zstd decompress: %w", err)
	}
	if len(raw) != rawSize {
		return fmt.Errorf("archive: zstd decompress: got %d bytes, expected %d", len(raw), rawSize)
	}

	if err := msgpack.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("archive: decode: %w", err)
	}
	return nil
}
