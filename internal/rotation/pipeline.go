// Package rotation re-encrypts container streams under a fresh key with
// memory bounded by the pipeline's chunk size and depth, not the input size.
package rotation

import (
	"context"
	"fmt"
	"io"
	"sync"

	"golang.org/x/sync/errgroup"

	"efv-go/internal/contentid"
	"efv-go/internal/efv"
	"efv-go/internal/secret"
)

const (
	DefaultChunkSize = 64 << 10
	DefaultDepth     = 4
)

// Options configures a Pipeline. Zero values take the defaults.
type Options struct {
	ChunkSize int
	Depth     int
	Logger    efv.Logger
}

// Pipeline runs three stages joined by bounded channels:
//
//	decrypt (old credential) -> bridge -> encrypt (new key)
//
// A stage that falls behind blocks its producer. At most 2*Depth+3 chunks
// are alive at once.
type Pipeline struct {
	codec     efv.StreamCodec
	chunkSize int
	depth     int
	logger    efv.Logger
	pool      sync.Pool
}

var _ efv.RotationPipeline = (*Pipeline)(nil)

// New creates a Pipeline over codec.
func New(codec efv.StreamCodec, opts Options) *Pipeline {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	if opts.Depth <= 0 {
		opts.Depth = DefaultDepth
	}
	if opts.Logger == nil {
		opts.Logger = efv.NewNopLogger()
	}
	p := &Pipeline{
		codec:     codec,
		chunkSize: opts.ChunkSize,
		depth:     opts.Depth,
		logger:    opts.Logger,
	}
	p.pool.New = func() any {
		return &chunk{buf: make([]byte, p.chunkSize)}
	}
	return p
}

type chunk struct {
	buf []byte
	n   int
}

func (p *Pipeline) get() *chunk { return p.pool.Get().(*chunk) }

func (p *Pipeline) put(c *chunk) {
	clear(c.buf[:c.n])
	c.n = 0
	p.pool.Put(c)
}

// Stats describes one completed rotation.
type Stats struct {
	Bytes  int64
	Chunks int64
}

// Rotate decrypts src with old and writes a new container under a fresh
// key to dst. It blocks until every stage has finished and returns the new
// key, owned by the caller, or the first error. After an error, whatever
// was written to dst is invalid.
//
// When fileID is set the plaintext must hash to it; otherwise the new
// container is not finalized and ErrConsistency is returned.
func (p *Pipeline) Rotate(ctx context.Context, src io.Reader, dst io.Writer, old efv.Credential, fileID string) (*secret.Key, error) {
	newKey, err := secret.NewKey()
	if err != nil {
		return nil, fmt.Errorf("%w: generating key: %w", efv.ErrCrypto, err)
	}

	var stats Stats
	g, gctx := errgroup.WithContext(ctx)
	// A failing stage cancels with its error before closing its output, so
	// the encrypt stage never finalizes a truncated stream and the stage's
	// own error is reported rather than a downstream context.Canceled.
	sctx, cancel := context.WithCancelCause(gctx)
	defer cancel(nil)

	plain := make(chan *chunk, p.depth)
	bridged := make(chan *chunk, p.depth)

	g.Go(func() error {
		err := p.decryptStage(sctx, src, old, plain)
		if err != nil {
			cancel(err)
		}
		close(plain)
		return err
	})
	g.Go(func() error {
		err := p.bridgeStage(sctx, plain, bridged, fileID)
		if err != nil {
			cancel(err)
		}
		close(bridged)
		return err
	})
	g.Go(func() error {
		return p.encryptStage(sctx, dst, efv.RandomKey(newKey), bridged, &stats)
	})

	if err := g.Wait(); err != nil {
		newKey.Close()
		if cause := context.Cause(sctx); cause != nil {
			err = cause
		}
		return nil, err
	}

	p.logger.Debug("stream rotated", "bytes", stats.Bytes, "chunks", stats.Chunks)
	return newKey, nil
}

func (p *Pipeline) decryptStage(ctx context.Context, src io.Reader, old efv.Credential, out chan<- *chunk) error {
	r, err := p.codec.DecryptStream(src, old)
	if err != nil {
		return err
	}
	for {
		c := p.get()
		n, err := fill(r, c.buf)
		c.n = n
		if n > 0 {
			select {
			case out <- c:
			case <-ctx.Done():
				p.put(c)
				return ctx.Err()
			}
		} else {
			p.put(c)
		}
		switch {
		case err == io.EOF:
			return nil
		case err != nil:
			return err
		}
	}
}

// fill reads into buf until it is full or r fails. Unlike io.ReadFull it
// returns the reader's own error, so only a clean io.EOF ends the stream.
func fill(r io.Reader, buf []byte) (int, error) {
	var n int
	for n < len(buf) {
		nn, err := r.Read(buf[n:])
		n += nn
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

// bridgeStage forwards chunks unchanged, hashing them when fileID is set.
func (p *Pipeline) bridgeStage(ctx context.Context, in <-chan *chunk, out chan<- *chunk, fileID string) error {
	var digest *contentid.Digest
	if fileID != "" {
		digest = contentid.NewDigest()
	}
	for c := range in {
		if digest != nil {
			digest.Write(c.buf[:c.n])
		}
		select {
		case out <- c:
		case <-ctx.Done():
			p.put(c)
			return ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if digest != nil && digest.ID() != fileID {
		return fmt.Errorf("%w: plaintext hashes to %s, not %s", efv.ErrConsistency, digest.ID(), fileID)
	}
	return nil
}

func (p *Pipeline) encryptStage(ctx context.Context, dst io.Writer, cred efv.Credential, in <-chan *chunk, stats *Stats) error {
	w, err := p.codec.EncryptStream(dst, cred)
	if err != nil {
		return err
	}
	for c := range in {
		_, err := w.Write(c.buf[:c.n])
		stats.Bytes += int64(c.n)
		stats.Chunks++
		p.put(c)
		if err != nil {
			return fmt.Errorf("%w: writing ciphertext: %w", efv.ErrIO, err)
		}
	}
	// Input closed early because an upstream stage failed: do not finalize.
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("%w: finishing ciphertext: %w", efv.ErrIO, err)
	}
	return nil
}
