package input

import (
	"math/rand"
	"sync"

	"gorgonia.org/tensor"
)

// Pipeline constants: the shuffle buffer bounds memory while still giving a
// usable mix, and the prefetch depth breaks the pipeline to overlap input
// preparation with computation without unbounded buffering.
const (
	shuffleBufferSize = 100
	prefetchDepth     = 2
)

// FeedSpec declares the fixed shape and type contract consumed by the
// training engine: tokens [MaxLength, 2] int32, mask [MaxLength] float32 and
// target [TargetDim] float32. TargetDim is 0 until labels have been seen.
type FeedSpec struct {
	MaxLength int
	TargetDim int
}

func (f FeedSpec) TokenShape() tensor.Shape {
	return tensor.Shape{f.MaxLength, 2}
}

func (f FeedSpec) MaskShape() tensor.Shape {
	return tensor.Shape{f.MaxLength}
}

func (f FeedSpec) TargetShape() tensor.Shape {
	return tensor.Shape{f.TargetDim}
}

// Batch is one fixed-shape feed for the engine.
type Batch struct {
	Tokens  *tensor.Dense // [n, maxLength, 2] int32
	Mask    *tensor.Dense // [n, maxLength] float32
	Targets *tensor.Dense // [n, targetDim] float32, nil without targets
	Size    int
}

// BatchStream yields successive batches of one dataset pass. Close releases
// the prefetch goroutine; it is safe to call more than once.
type BatchStream struct {
	next func() (*Batch, bool)
	stop func()
	err  *error
}

func (b *BatchStream) Next() (*Batch, bool) {
	return b.next()
}

func (b *BatchStream) Close() {
	if b.stop != nil {
		b.stop()
	}
}

// Err reports the first error hit while encoding or batching, available once
// the stream is exhausted.
func (b *BatchStream) Err() error {
	if b.err == nil {
		return nil
	}
	return *b.err
}

// Dataset produces a fresh batch stream per invocation, so the engine can
// re-run passes (e.g. periodic validation) independently.
type Dataset func() *BatchStream

// example is one encoded training instance.
type example struct {
	tokens    [][2]int32
	mask      []float32
	target    []float32
	hasTarget bool
}

// shuffleStream applies a buffered streaming shuffle. The buffer holds up to
// shuffleBufferSize pending values and emits a seeded-random one at a time,
// so the permutation is deterministic for a given seed.
func shuffleStream[T any](next Stream[T], seed int64) Stream[T] {
	rng := rand.New(rand.NewSource(seed))
	var buf []T
	exhausted := false
	return func() (T, bool) {
		for !exhausted && len(buf) < shuffleBufferSize {
			v, ok := next()
			if !ok {
				exhausted = true
				break
			}
			buf = append(buf, v)
		}
		if len(buf) == 0 {
			var zero T
			return zero, false
		}
		i := rng.Intn(len(buf))
		v := buf[i]
		buf[i] = buf[len(buf)-1]
		buf = buf[:len(buf)-1]
		return v, true
	}
}

func takeStream[T any](next Stream[T], n int) Stream[T] {
	taken := 0
	return func() (T, bool) {
		if taken >= n {
			var zero T
			return zero, false
		}
		v, ok := next()
		if !ok {
			var zero T
			return zero, false
		}
		taken++
		return v, true
	}
}

func skipStream[T any](next Stream[T], n int) Stream[T] {
	skipped := false
	return func() (T, bool) {
		if !skipped {
			for i := 0; i < n; i++ {
				if _, ok := next(); !ok {
					break
				}
			}
			skipped = true
		}
		return next()
	}
}

// repeatStream chains n fresh passes produced by the factory.
func repeatStream[T any](factory func() Stream[T], n int) Stream[T] {
	if n < 1 {
		n = 1
	}
	epoch := 0
	cur := factory()
	return func() (T, bool) {
		for {
			v, ok := cur()
			if ok {
				return v, true
			}
			epoch++
			if epoch >= n {
				var zero T
				return zero, false
			}
			cur = factory()
		}
	}
}

// batchStream groups encoded examples into fixed-shape tensor batches.
func batchStream(next Stream[*example], batchSize int, spec FeedSpec) func() (*Batch, bool) {
	done := false
	return func() (*Batch, bool) {
		if done {
			return nil, false
		}
		exs := make([]*example, 0, batchSize)
		for len(exs) < batchSize {
			ex, ok := next()
			if !ok {
				done = true
				break
			}
			exs = append(exs, ex)
		}
		if len(exs) == 0 {
			return nil, false
		}
		return makeBatch(exs, spec), true
	}
}

func makeBatch(exs []*example, spec FeedSpec) *Batch {
	n := len(exs)
	length := spec.MaxLength

	tokenBacking := make([]int32, n*length*2)
	maskBacking := make([]float32, n*length)
	for i, ex := range exs {
		for j := 0; j < length && j < len(ex.tokens); j++ {
			tokenBacking[(i*length+j)*2] = ex.tokens[j][0]
			tokenBacking[(i*length+j)*2+1] = ex.tokens[j][1]
		}
		copy(maskBacking[i*length:(i+1)*length], ex.mask)
	}

	batch := &Batch{
		Tokens: tensor.New(tensor.WithShape(n, length, 2), tensor.WithBacking(tokenBacking)),
		Mask:   tensor.New(tensor.WithShape(n, length), tensor.WithBacking(maskBacking)),
		Size:   n,
	}

	if exs[0].hasTarget && spec.TargetDim > 0 {
		targetBacking := make([]float32, n*spec.TargetDim)
		for i, ex := range exs {
			copy(targetBacking[i*spec.TargetDim:(i+1)*spec.TargetDim], ex.target)
		}
		batch.Targets = tensor.New(tensor.WithShape(n, spec.TargetDim), tensor.WithBacking(targetBacking))
	}
	return batch
}

// NewBatch builds a single-example batch from an encoded array. The text
// generation loop uses it to feed the engine one growing sequence at a time.
func NewBatch(tokens [][2]int32, mask []float32, spec FeedSpec) *Batch {
	return makeBatch([]*example{{tokens: tokens, mask: mask}}, spec)
}

// BatchesDataset wraps pre-built batches as a dataset.
func BatchesDataset(batches ...*Batch) Dataset {
	return func() *BatchStream {
		i := 0
		var noErr error
		return &BatchStream{
			next: func() (*Batch, bool) {
				if i >= len(batches) {
					return nil, false
				}
				b := batches[i]
				i++
				return b, true
			},
			err: &noErr,
		}
	}
}

// prefetch decouples batch preparation from consumption through a bounded
// channel of prefetchDepth batches.
func prefetch(next func() (*Batch, bool), errRef *error) *BatchStream {
	ch := make(chan *Batch, prefetchDepth)
	quit := make(chan struct{})
	var once sync.Once

	go func() {
		defer close(ch)
		for {
			b, ok := next()
			if !ok {
				return
			}
			select {
			case ch <- b:
			case <-quit:
				return
			}
		}
	}()

	return &BatchStream{
		next: func() (*Batch, bool) {
			b, ok := <-ch
			return b, ok
		},
		stop: func() {
			once.Do(func() { close(quit) })
		},
		err: errRef,
	}
}
