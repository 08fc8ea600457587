package api

import (
	"sync"

	"github.com/klauspost/compress/zstd"
)

// CompressThreshold is the size above which a module should consider
// compressing a value before Cache().Set, as CompressBytes describes.
const CompressThreshold = 4096

var (
	encoderOnce sync.Once
	encoder     *zstd.Encoder
	decoderOnce sync.Once
	decoder     *zstd.Decoder
)

func getEncoder() *zstd.Encoder {
	encoderOnce.Do(func() {
		encoder, _ = zstd.NewWriter(nil)
	})
	return encoder
}

func getDecoder() *zstd.Decoder {
	decoderOnce.Do(func() {
		decoder, _ = zstd.NewReader(nil)
	})
	return decoder
}

// CompressBytes zstd-compresses data. Modules holding large scratch values in
// their Cache() are encouraged to compress anything above CompressThreshold
// before Set and decompress after Get, so the per-module bigcache instance
// stays small under real traffic.
func CompressBytes(data []byte) []byte {
	return getEncoder().EncodeAll(data, nil)
}

// DecompressBytes reverses CompressBytes.
func DecompressBytes(data []byte) ([]byte, error) {
	return getDecoder().DecodeAll(data, nil)
}
