package archive

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// EncodingZstd marks an object stored zstd-compressed.
const EncodingZstd = "zstd"

// zstd.Encoder and zstd.Decoder are safe for concurrent use via
// EncodeAll/DecodeAll, so one of each is shared.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("archive: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("archive: zstd decoder initialization failed: " + err.Error())
	}
}

// encode compresses data when that makes it smaller and reports the
// encoding used.
func encode(data []byte) ([]byte, string) {
	compressed := zstdEncoder.EncodeAll(data, nil)
	if len(compressed) >= len(data) {
		return data, ""
	}
	return compressed, EncodingZstd
}

func decode(data []byte, encoding string, size int64) ([]byte, error) {
	switch encoding {
	case "":
		return data, nil
	case EncodingZstd:
		out, err := zstdDecoder.DecodeAll(data, make([]byte, 0, size))
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unknown object encoding %q", encoding)
	}
}
