package mixer

import (
	"context"
	"encoding/binary"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/tphakala/audiomixer/internal/audiocore"
	"github.com/tphakala/audiomixer/internal/observability/metrics"
)

// Output is one listener's view of a mixer. It is itself a DataSource, so it
// can be registered as an input of another mixer.
type Output struct {
	mixer *Mixer
	id    string

	mu        sync.Mutex
	connected bool
	started   bool
	stream    *OutputStream
}

// NewOutput creates an output of this mixer.
func (m *Mixer) NewOutput() *Output {
	return &Output{mixer: m, id: uuid.NewString()}
}

// ID returns the unique output ID used as exclusion target
func (o *Output) ID() string {
	return o.id
}

// Mixer returns the mixer this output belongs to
func (o *Output) Mixer() *Mixer {
	return o.mixer
}

// AddInput registers src with the mixer, excluded from this output.
func (o *Output) AddInput(ctx context.Context, src audiocore.DataSource) (InputHandle, error) {
	return o.mixer.AddInput(ctx, src, ExcludeFrom(o))
}

// Connect takes a reference on the mixer connection. Connecting a connected
// output is a no-op.
func (o *Output) Connect(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.connected {
		return nil
	}
	if err := o.mixer.Connect(ctx); err != nil {
		return err
	}
	o.connected = true
	return nil
}

// Disconnect discards the output stream and releases the mixer reference.
func (o *Output) Disconnect() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.connected {
		return nil
	}
	o.dropStream()

	var stopErr error
	if o.started {
		o.started = false
		stopErr = o.mixer.Stop()
	}
	o.connected = false
	if err := o.mixer.Disconnect(); err != nil {
		return err
	}
	return stopErr
}

// Start marks the output live so ticks are delivered to its stream.
func (o *Output) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.started {
		return nil
	}
	if err := o.mixer.Start(ctx); err != nil {
		return err
	}
	o.started = true
	if o.stream != nil {
		o.stream.engine.addOutput(o.stream)
	}
	return nil
}

// Stop stops tick delivery to this output.
func (o *Output) Stop() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.started {
		return nil
	}
	o.started = false
	if o.stream != nil {
		o.stream.engine.removeOutput(o.stream)
	}
	return o.mixer.Stop()
}

// Streams returns the output stream, building it on first use. The result is
// empty while disconnected or when no input contributes to the mix.
func (o *Output) Streams() []audiocore.SourceStream {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.connected {
		return []audiocore.SourceStream{}
	}
	if o.stream == nil {
		eng := o.mixer.materializeEngine()
		if eng == nil {
			return []audiocore.SourceStream{}
		}
		o.stream = newOutputStream(o.id, o.mixer.format, eng)
		if o.started {
			eng.addOutput(o.stream)
		}
	}
	return []audiocore.SourceStream{o.stream}
}

// dropStream unregisters and forgets the stream. Caller holds o.mu.
func (o *Output) dropStream() {
	if o.stream == nil {
		return
	}
	o.stream.engine.removeOutput(o.stream)
	o.stream.SetTransferHandler(nil)
	o.stream = nil
}

// OutputStream delivers the mix for one output.
type OutputStream struct {
	outputID string
	format   audiocore.AudioFormat
	engine   *engine
	queue    chan *tickFrame

	handlerMu sync.Mutex
	handler   audiocore.TransferHandler

	eos      atomic.Bool
	sequence atomic.Uint64
}

func newOutputStream(outputID string, format audiocore.AudioFormat, eng *engine) *OutputStream {
	return &OutputStream{
		outputID: outputID,
		format:   format,
		engine:   eng,
		queue:    make(chan *tickFrame, eng.queueDepth),
	}
}

// Format returns the mix format
func (s *OutputStream) Format() audiocore.AudioFormat {
	return s.format
}

// DemandDriven reports whether this stream only produces data when read,
// which is the case when none of the mixer's inputs push.
func (s *OutputStream) DemandDriven() bool {
	return !s.engine.pushDriven()
}

// SetTransferHandler installs the handler invoked after a push-triggered tick
// delivered a frame to this stream.
func (s *OutputStream) SetTransferHandler(handler audiocore.TransferHandler) {
	s.handlerMu.Lock()
	defer s.handlerMu.Unlock()
	s.handler = handler
}

func (s *OutputStream) notify() {
	s.handlerMu.Lock()
	handler := s.handler
	s.handlerMu.Unlock()
	if handler != nil {
		handler()
	}
}

// enqueue delivers a frame, dropping the oldest queued frame when full.
func (s *OutputStream) enqueue(frame *tickFrame) {
	mc := audiocore.GetMetrics()
	for {
		select {
		case s.queue <- frame:
			mc.RecordFrameDelivered(s.engine.mixerID, s.outputID)
			return
		default:
		}
		select {
		case <-s.queue:
			mc.RecordFrameDropped(s.engine.mixerID, s.outputID, metrics.DropQueueFull)
		default:
		}
	}
}

func (s *OutputStream) dequeue() *tickFrame {
	select {
	case frame := <-s.queue:
		return frame
	default:
		return nil
	}
}

// Read mixes the next tick frame into data. When nothing is queued and the
// mixer is not push-driven a tick is run first. An empty buffer without EOS
// means no data was available.
func (s *OutputStream) Read(data *audiocore.AudioData) error {
	data.Format = s.format
	data.SourceID = s.outputID
	data.Timestamp = time.Now()
	data.Buffer = data.Buffer[:0]
	data.Duration = 0

	if s.eos.Load() {
		data.EOS = true
		return nil
	}
	data.EOS = false

	frame := s.dequeue()
	if frame == nil && !s.engine.pushDriven() && s.engine.requestTick() {
		frame = s.dequeue()
	}
	if frame == nil {
		if !s.engine.ended.Load() {
			return nil
		}
		// The final frame may have been queued after the first look
		if frame = s.dequeue(); frame == nil {
			s.eos.Store(true)
			data.EOS = true
			return nil
		}
	}
	if frame.err != nil {
		return frame.err
	}

	data.Buffer = mixFrame(frame, s.format)
	data.Duration = s.format.Duration(len(data.Buffer))
	data.Sequence = s.sequence.Add(1)
	if frame.eos {
		s.eos.Store(true)
		data.EOS = true
	}
	return nil
}

// mixFrame sums the non-nil sample arrays position-wise, scales the sum back
// to the mix width and serializes it in the mix byte order.
func mixFrame(frame *tickFrame, format audiocore.AudioFormat) []byte {
	width := format.BytesPerSample()
	out := make([]byte, frame.length*width)

	order := binary.ByteOrder(binary.LittleEndian)
	if format.IsBigEndian() {
		order = binary.BigEndian
	}

	for pos := range frame.length {
		var sum int64
		for _, values := range frame.samples {
			if pos < len(values) {
				sum += int64(values[pos])
			}
		}

		if width == 2 {
			order.PutUint16(out[2*pos:], uint16(clampInt16(math.Round(float64(sum)/s16ToS32))))
		} else {
			order.PutUint32(out[4*pos:], uint32(clampInt32(float64(sum))))
		}
	}
	return out
}

func clampInt16(v float64) int16 {
	switch {
	case v >= math.MaxInt16:
		return math.MaxInt16
	case v <= math.MinInt16:
		return math.MinInt16
	}
	return int16(v)
}
