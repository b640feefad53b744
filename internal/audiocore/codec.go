package audiocore

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/tphakala/audiomixer/internal/logging"
)

const (
	// DefaultCodecCacheTTL is how long resolved conversion paths are reused.
	DefaultCodecCacheTTL = 10 * time.Minute

	// maxCodecPathLength bounds the number of codecs chained for one conversion.
	maxCodecPathLength = 3
)

// Codec converts audio between formats.
type Codec interface {
	// Name identifies the codec in processor IDs and logs
	Name() string

	// Accepts reports whether the codec can read from
	Accepts(from AudioFormat) bool

	// Outputs lists the formats from can be converted to in one step
	Outputs(from AudioFormat) []AudioFormat

	// NewProcessor returns a processor converting from into to
	NewProcessor(from, to AudioFormat) (AudioProcessor, error)
}

// codecStep is one hop of a resolved conversion path.
type codecStep struct {
	codec    Codec
	from, to AudioFormat
}

// codecPath is a cached resolution result; a nil steps slice records that no path exists.
type codecPath struct {
	steps []codecStep
}

// CodecRegistry resolves conversion paths between formats.
type CodecRegistry struct {
	mu     sync.RWMutex
	codecs []Codec
	paths  *cache.Cache
	logger *slog.Logger
}

// NewCodecRegistry creates an empty registry caching paths for ttl.
func NewCodecRegistry(ttl time.Duration) *CodecRegistry {
	if ttl <= 0 {
		ttl = DefaultCodecCacheTTL
	}

	logger := logging.ForService("audiocore")
	if logger == nil {
		logger = slog.Default()
	}

	return &CodecRegistry{
		// No janitor goroutine; expired entries are purged on lookup misses
		paths:  cache.New(ttl, 0),
		logger: logger.With("component", "codec_registry"),
	}
}

// NewDefaultCodecRegistry creates a registry holding the linear PCM codec.
func NewDefaultCodecRegistry(ttl time.Duration) *CodecRegistry {
	r := NewCodecRegistry(ttl)
	r.Register(PCMCodec{})
	return r
}

// Register adds a codec. Cached paths are discarded.
func (r *CodecRegistry) Register(codec Codec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.codecs = append(r.codecs, codec)
	r.paths.Flush()
}

// Codecs returns the registered codecs in registration order.
func (r *CodecRegistry) Codecs() []Codec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	codecs := make([]Codec, len(r.codecs))
	copy(codecs, r.codecs)
	return codecs
}

// Resolve builds a processor chain converting from into a format matching to.
// It returns the chain and the format the chain produces.
func (r *CodecRegistry) Resolve(from, to AudioFormat) (ProcessorChain, AudioFormat, error) {
	key := from.String() + "->" + to.String()

	var path *codecPath
	if cached, ok := r.paths.Get(key); ok {
		path = cached.(*codecPath)
		GetMetrics().RecordCodecCacheLookup(true)
	} else {
		GetMetrics().RecordCodecCacheLookup(false)
		r.paths.DeleteExpired()
		path = r.search(from, to)
		r.paths.SetDefault(key, path)
	}

	if path.steps == nil {
		return nil, AudioFormat{}, NewTranscodeError(fmt.Errorf("no conversion path from %s to %s", from.Encoding, to.Encoding)).
			FormatContext(from, to).
			Context("operation", "resolve_codec_path").
			Build()
	}

	chain := NewProcessorChain()
	for i, step := range path.steps {
		processor, err := step.codec.NewProcessor(step.from, step.to)
		if err == nil {
			err = chain.AddProcessor(&stepProcessor{AudioProcessor: processor, id: fmt.Sprintf("%s[%d]", processor.ID(), i)})
		}
		if err != nil {
			return nil, AudioFormat{}, NewTranscodeError(err).
				FormatContext(step.from, step.to).
				Context("operation", "build_codec_chain").
				Context("codec", step.codec.Name()).
				Build()
		}
	}

	return chain, chain.OutputFormat(from), nil
}

// search runs a breadth-first search over codec outputs.
func (r *CodecRegistry) search(from, to AudioFormat) *codecPath {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if from.Matches(to) {
		return &codecPath{steps: []codecStep{}}
	}

	type node struct {
		format AudioFormat
		steps  []codecStep
	}

	visited := map[string]bool{from.String(): true}
	queue := []node{{format: from}}

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		for _, codec := range r.codecs {
			if !codec.Accepts(current.format) {
				continue
			}
			for _, out := range codec.Outputs(current.format) {
				if visited[out.String()] {
					continue
				}
				visited[out.String()] = true

				steps := make([]codecStep, len(current.steps), len(current.steps)+1)
				copy(steps, current.steps)
				steps = append(steps, codecStep{codec: codec, from: current.format, to: out})

				if out.Matches(to) {
					if r.logger.Enabled(context.TODO(), slog.LevelDebug) {
						r.logger.Debug("codec path resolved",
							"from", from.String(),
							"to", to.String(),
							"steps", len(steps))
					}
					return &codecPath{steps: steps}
				}
				if len(steps) < maxCodecPathLength {
					queue = append(queue, node{format: out, steps: steps})
				}
			}
		}
	}

	return &codecPath{}
}

// stepProcessor gives each hop of a chain a unique ID.
type stepProcessor struct {
	AudioProcessor
	id string
}

func (s *stepProcessor) ID() string { return s.id }

// PCMCodec converts between linear PCM encodings, keeping rate and channels.
type PCMCodec struct{}

// Name implements Codec
func (PCMCodec) Name() string { return "pcm" }

// Accepts implements Codec
func (PCMCodec) Accepts(from AudioFormat) bool {
	return from.IsLinear() && from.BytesPerSample() > 0
}

// Outputs implements Codec
func (c PCMCodec) Outputs(from AudioFormat) []AudioFormat {
	if !c.Accepts(from) {
		return nil
	}
	outputs := make([]AudioFormat, 0, len(LinearEncodings())-1)
	for _, encoding := range LinearEncodings() {
		if encoding != from.Encoding {
			outputs = append(outputs, from.WithEncoding(encoding))
		}
	}
	return outputs
}

// NewProcessor implements Codec
func (c PCMCodec) NewProcessor(from, to AudioFormat) (AudioProcessor, error) {
	if !c.Accepts(from) || !c.Accepts(to) {
		return nil, NewTranscodeError(fmt.Errorf("pcm codec cannot convert %s to %s", from.Encoding, to.Encoding)).
			FormatContext(from, to).
			Build()
	}
	return &pcmProcessor{from: from, to: to}, nil
}

// pcmProcessor converts samples through a full-scale int32 intermediate.
type pcmProcessor struct {
	from, to AudioFormat
}

func (p *pcmProcessor) ID() string {
	return "pcm:" + p.from.Encoding + "->" + p.to.Encoding
}

func (p *pcmProcessor) GetRequiredFormat() *AudioFormat {
	required := p.from
	return &required
}

func (p *pcmProcessor) GetOutputFormat(inputFormat AudioFormat) AudioFormat {
	return inputFormat.WithEncoding(p.to.Encoding)
}

// Process converts every complete sample; a trailing partial sample is dropped.
func (p *pcmProcessor) Process(_ context.Context, input *AudioData) (*AudioData, error) {
	inWidth := p.from.BytesPerSample()
	outWidth := p.to.BytesPerSample()
	count := len(input.Buffer) / inWidth

	out := make([]byte, count*outWidth)
	for i := range count {
		v := decodeSample(input.Buffer[i*inWidth:], p.from.Encoding)
		encodeSample(out[i*outWidth:], v, p.to.Encoding)
	}

	result := *input
	result.Buffer = out
	result.Format = p.GetOutputFormat(input.Format)
	return &result, nil
}

// decodeSample reads one sample as a full-scale int32.
func decodeSample(b []byte, encoding string) int32 {
	switch encoding {
	case EncodingPCMU8:
		return (int32(b[0]) - 128) << 24
	case EncodingPCMS16LE:
		return int32(int16(binary.LittleEndian.Uint16(b))) << 16
	case EncodingPCMS16BE:
		return int32(int16(binary.BigEndian.Uint16(b))) << 16
	case EncodingPCMS24LE:
		v := int32(b[0]) | int32(b[1])<<8 | int32(b[2])<<16
		if v&0x800000 != 0 {
			v |= -0x1000000
		}
		return v << 8
	case EncodingPCMS32LE:
		return int32(binary.LittleEndian.Uint32(b))
	case EncodingPCMF32LE:
		f := float64(math.Float32frombits(binary.LittleEndian.Uint32(b)))
		switch {
		case math.IsNaN(f):
			return 0
		case f >= 1:
			return math.MaxInt32
		case f <= -1:
			return math.MinInt32
		}
		return int32(math.Round(f * math.MaxInt32))
	}
	return 0
}

// encodeSample writes a full-scale int32 in the given encoding, truncating to narrower widths.
func encodeSample(b []byte, v int32, encoding string) {
	switch encoding {
	case EncodingPCMU8:
		b[0] = byte((v >> 24) + 128)
	case EncodingPCMS16LE:
		binary.LittleEndian.PutUint16(b, uint16(int16(v>>16)))
	case EncodingPCMS16BE:
		binary.BigEndian.PutUint16(b, uint16(int16(v>>16)))
	case EncodingPCMS24LE:
		s := v >> 8
		b[0] = byte(s)
		b[1] = byte(s >> 8)
		b[2] = byte(s >> 16)
	case EncodingPCMS32LE:
		binary.LittleEndian.PutUint32(b, uint32(v))
	case EncodingPCMF32LE:
		binary.LittleEndian.PutUint32(b, math.Float32bits(float32(float64(v)/(math.MaxInt32+1))))
	}
}
