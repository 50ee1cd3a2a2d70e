package grpc

import (
	"io"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc/encoding"

	"github.com/maxpert/forwarder/cfg"
)

const zstdName = "zstd"

// zstdCompressor implements gRPC's encoding.Compressor with pooled zstd coders
type zstdCompressor struct {
	level       zstd.EncoderLevel
	encoderPool sync.Pool
	decoderPool sync.Pool
}

func init() {
	RegisterZstdCompressor()
}

// RegisterZstdCompressor registers zstd with gRPC at the configured level. The
// compressor is always registered so compressed peers can be decoded; level 0
// only stops this broker from compressing what it sends. Main calls it again
// after loading the configuration.
func RegisterZstdCompressor() {
	level := compressionLevel()
	zstdLevel := configLevelToZstd(level)
	encoding.RegisterCompressor(&zstdCompressor{level: zstdLevel})

	if level == 0 {
		log.Debug().Msg("gRPC compression disabled (level=0)")
		return
	}
	log.Debug().
		Int("config_level", level).
		Str("zstd_level", zstdLevel.String()).
		Msg("Registered zstd gRPC compressor")
}

func (c *zstdCompressor) Name() string {
	return zstdName
}

func (c *zstdCompressor) Compress(w io.Writer) (io.WriteCloser, error) {
	if enc, ok := c.encoderPool.Get().(*zstd.Encoder); ok {
		enc.Reset(w)
		return &pooledEncoder{enc: enc, pool: &c.encoderPool}, nil
	}

	enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(c.level))
	if err != nil {
		return nil, err
	}
	return &pooledEncoder{enc: enc, pool: &c.encoderPool}, nil
}

func (c *zstdCompressor) Decompress(r io.Reader) (io.Reader, error) {
	if dec, ok := c.decoderPool.Get().(*zstd.Decoder); ok {
		if err := dec.Reset(r); err != nil {
			c.decoderPool.Put(dec)
			return nil, err
		}
		return &pooledDecoder{dec: dec, pool: &c.decoderPool}, nil
	}

	dec, err := zstd.NewReader(r)
	if err != nil {
		return nil, err
	}
	return &pooledDecoder{dec: dec, pool: &c.decoderPool}, nil
}

// pooledEncoder returns its encoder to the pool on Close
type pooledEncoder struct {
	enc  *zstd.Encoder
	pool *sync.Pool
}

func (p *pooledEncoder) Write(data []byte) (int, error) {
	return p.enc.Write(data)
}

func (p *pooledEncoder) Close() error {
	err := p.enc.Close()
	p.pool.Put(p.enc)
	return err
}

// pooledDecoder returns its decoder to the pool once the frame is drained
type pooledDecoder struct {
	dec  *zstd.Decoder
	pool *sync.Pool
	done bool
}

func (p *pooledDecoder) Read(data []byte) (int, error) {
	if p.done {
		return 0, io.EOF
	}
	n, err := p.dec.Read(data)
	if err == io.EOF {
		p.done = true
		p.pool.Put(p.dec)
	}
	return n, err
}

func compressionLevel() int {
	if cfg.Config == nil {
		return 1
	}
	return cfg.Config.GRPCClient.CompressionLevel
}

// configLevelToZstd maps config levels (1-4) to zstd.EncoderLevel
func configLevelToZstd(level int) zstd.EncoderLevel {
	switch level {
	case 1:
		return zstd.SpeedFastest
	case 2:
		return zstd.SpeedDefault
	case 3:
		return zstd.SpeedBetterCompression
	case 4:
		return zstd.SpeedBestCompression
	default:
		return zstd.SpeedFastest
	}
}

// CompressionName is the compressor callers should request, empty when disabled.
func CompressionName() string {
	if compressionLevel() > 0 {
		return zstdName
	}
	return ""
}
