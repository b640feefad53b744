package mixer

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tphakala/audiomixer/internal/audiocore"
	"github.com/tphakala/audiomixer/internal/errors"
	"github.com/tphakala/audiomixer/internal/observability/metrics"
)

// Tick trigger labels
const (
	triggerPush = "push"
	triggerPull = "pull"
)

// s16ToS32 scales a 16-bit sample to the 32-bit range and back.
const s16ToS32 = float64(math.MaxInt32) / float64(math.MaxInt16)

// inputStream is one elementary stream feeding the engine.
type inputStream struct {
	owner    InputHandle
	excluded string // output ID that must not hear this stream
	sourceID string
	stream   audiocore.BufferStream
	push     bool
	eos      bool // touched only by the coordinator
}

// tickFrame is the per-output result of one tick. A nil samples slot is an
// input that contributed nothing or is excluded for the receiving output.
type tickFrame struct {
	samples  [][]int32
	length   int
	sequence uint64
	eos      bool
	err      error
}

// demandDriven is implemented by push streams that only produce data when read.
type demandDriven interface {
	DemandDriven() bool
}

// isPushStream reports whether reads of s should be triggered by its transfer handler.
func isPushStream(s audiocore.BufferStream) bool {
	if _, ok := s.(audiocore.PushBufferStream); !ok {
		return false
	}
	if d, ok := s.(demandDriven); ok {
		return !d.DemandDriven()
	}
	return true
}

// engineConfig holds the immutable parameters of an engine.
type engineConfig struct {
	mixerID    string
	format     audiocore.AudioFormat
	queueDepth int
	pool       audiocore.BufferPool
	logger     *slog.Logger
}

// engine runs mixing ticks on a single coordinator goroutine.
type engine struct {
	engineConfig

	mu         sync.Mutex
	inputs     []*inputStream
	outputs    []*OutputStream // live outputs
	hasPush    bool
	rateWarned map[string]bool // source IDs already warned about

	// Coordinator-owned state
	prevLen  int
	sequence uint64

	ended    atomic.Bool
	trigger  chan struct{}
	requests chan chan struct{}
	cancel   context.CancelFunc
	done     chan struct{}
}

func newEngine(cfg engineConfig, inputs []*inputStream) *engine {
	ctx, cancel := context.WithCancel(context.Background())
	e := &engine{
		engineConfig: cfg,
		rateWarned:   make(map[string]bool),
		trigger:      make(chan struct{}, 1),
		requests:     make(chan chan struct{}),
		cancel:       cancel,
		done:         make(chan struct{}),
	}
	e.setInputs(inputs)
	go e.run(ctx)
	return e
}

// run is the coordinator loop.
func (e *engine) run(ctx context.Context) {
	defer close(e.done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.trigger:
			e.tick(triggerPush)
		case reply := <-e.requests:
			e.tick(triggerPull)
			close(reply)
		}
	}
}

// discard stops the coordinator, waits for it and clears input handlers.
func (e *engine) discard() {
	e.cancel()
	<-e.done

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, in := range e.inputs {
		if push, ok := in.stream.(audiocore.PushBufferStream); ok {
			push.SetTransferHandler(nil)
		}
	}
	e.inputs = nil
	e.outputs = nil
}

// setInputs replaces the input set and installs transfer handlers on push inputs.
func (e *engine) setInputs(inputs []*inputStream) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, old := range e.inputs {
		if !slices.Contains(inputs, old) {
			if push, ok := old.stream.(audiocore.PushBufferStream); ok {
				push.SetTransferHandler(nil)
			}
		}
	}

	e.hasPush = false
	for _, in := range inputs {
		if in.push {
			e.hasPush = true
			in.stream.(audiocore.PushBufferStream).SetTransferHandler(e.notify)
		}
		if in.stream.Format().SampleRate != e.format.SampleRate && !e.rateWarned[in.sourceID] {
			e.rateWarned[in.sourceID] = true
			e.logger.Warn("input sample rate differs from mix format, audio is not resampled",
				"source_id", in.sourceID,
				"input_rate", in.stream.Format().SampleRate,
				"mix_rate", e.format.SampleRate)
		}
	}
	e.inputs = inputs
	// A new input may still have data even if the previous set had ended
	e.ended.Store(false)

	audiocore.GetMetrics().UpdateEngineSize(e.mixerID, len(e.inputs), len(e.outputs))
}

// addOutput registers a started output stream.
func (e *engine) addOutput(s *OutputStream) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !slices.Contains(e.outputs, s) {
		e.outputs = append(e.outputs, s)
	}
	audiocore.GetMetrics().UpdateEngineSize(e.mixerID, len(e.inputs), len(e.outputs))
}

// removeOutput unregisters an output stream.
func (e *engine) removeOutput(s *OutputStream) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.outputs = slices.DeleteFunc(e.outputs, func(o *OutputStream) bool { return o == s })
	audiocore.GetMetrics().UpdateEngineSize(e.mixerID, len(e.inputs), len(e.outputs))
}

// pushDriven reports whether ticks are triggered by input transfer handlers.
func (e *engine) pushDriven() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.hasPush
}

// notify is the transfer handler installed on push inputs. It never blocks.
func (e *engine) notify() {
	select {
	case e.trigger <- struct{}{}:
	default:
	}
}

// requestTick runs one tick on the coordinator and waits for it. It returns
// false if the engine has been discarded.
func (e *engine) requestTick() bool {
	reply := make(chan struct{})
	select {
	case e.requests <- reply:
	case <-e.done:
		return false
	}
	select {
	case <-reply:
		return true
	case <-e.done:
		return false
	}
}

// tick reads every input once, normalizes the samples and broadcasts a frame
// to every live output. A failed read is broadcast as an error frame ahead of
// the samples the other inputs delivered in the same tick.
func (e *engine) tick(trigger string) {
	start := time.Now()

	e.mu.Lock()
	inputs := slices.Clone(e.inputs)
	e.mu.Unlock()

	samples := make([][]int32, len(inputs))
	maxLen := 0
	var tickErr error

	for i, in := range inputs {
		if in.eos {
			continue
		}
		values, err := e.readInput(in)
		if err != nil {
			if tickErr == nil {
				tickErr = err
			}
			continue
		}
		samples[i] = values
		maxLen = max(maxLen, len(values))
	}

	allEOS := len(inputs) > 0
	for _, in := range inputs {
		allEOS = allEOS && in.eos
	}
	eos := allEOS && !e.ended.Load()

	audiocore.GetMetrics().RecordTick(e.mixerID, trigger, time.Since(start), maxLen)

	var frames []tickFrame
	if tickErr != nil {
		frames = append(frames, tickFrame{err: tickErr})
	}
	if maxLen > 0 || eos {
		e.sequence++
		frames = append(frames, tickFrame{samples: samples, length: maxLen, sequence: e.sequence, eos: eos})
		e.prevLen = maxLen
	}
	if len(frames) == 0 {
		return
	}

	e.mu.Lock()
	outputs := slices.Clone(e.outputs)
	e.mu.Unlock()

	for _, out := range outputs {
		for _, frame := range frames {
			if frame.samples != nil {
				frame.samples = slices.Clone(frame.samples)
				for i, in := range inputs {
					if in.excluded != "" && in.excluded == out.outputID {
						frame.samples[i] = nil
					}
				}
			}
			out.enqueue(&frame)
		}
		if trigger == triggerPush {
			out.notify()
		}
	}

	// Readers treat an empty queue as EOS once ended is set, so it must
	// follow the final frame.
	if frames[len(frames)-1].eos {
		e.ended.Store(true)
	}
}

// readHint returns a read buffer of up to prevLen samples in whole frames of
// the stream's own encoding, or nil when there is no previous length.
func (e *engine) readHint(in *inputStream) audiocore.AudioBuffer {
	channels := max(e.format.Channels, 1)
	samples := e.prevLen - e.prevLen%channels
	width := in.stream.Format().BytesPerSample()
	if samples <= 0 || width <= 0 {
		return nil
	}
	return e.pool.Get(samples * width)
}

// readInput reads one chunk from an input and normalizes it to int32. A
// failed read ends the input unless the failure is confined to the data of
// this read.
func (e *engine) readInput(in *inputStream) ([]int32, error) {
	var data audiocore.AudioData
	if buf := e.readHint(in); buf != nil {
		defer buf.Release()
		data.Buffer = buf.Data()
	}

	if err := in.stream.Read(&data); err != nil {
		mc := audiocore.GetMetrics()
		switch {
		case errors.Is(err, audiocore.ErrFormat):
			mc.RecordFormatError(e.mixerID, in.sourceID)
		case errors.Is(err, audiocore.ErrTranscode):
			mc.RecordInputFailure(e.mixerID, in.sourceID, metrics.FailureTranscode)
		default:
			in.eos = true
			mc.RecordInputFailure(e.mixerID, in.sourceID, metrics.FailureRead)
		}
		e.logger.Warn("input read failed",
			"source_id", in.sourceID,
			"input_ended", in.eos,
			"error", err)
		return nil, err
	}
	if data.EOS {
		in.eos = true
	}
	audiocore.GetMetrics().RecordInputBytes(e.mixerID, in.sourceID, len(data.Buffer))

	format := data.Format
	if format.Encoding == "" {
		format = in.stream.Format()
	}

	values, err := normalize(data.Buffer, format, e.format.Channels)
	if err != nil {
		audiocore.GetMetrics().RecordFormatError(e.mixerID, in.sourceID)
		e.logger.Error("input delivered unsupported samples",
			"source_id", in.sourceID,
			"format", format.String(),
			"error", err)
		return nil, err
	}
	return values, nil
}

// normalize converts signed 16- or 32-bit linear samples to int32.
func normalize(buf []byte, format audiocore.AudioFormat, channels int) ([]int32, error) {
	if format.Channels != channels {
		return nil, audiocore.NewFormatError(fmt.Errorf("input has %d channels, mix has %d", format.Channels, channels)).
			Component("mixer").
			Context("operation", "normalize").
			Context("format", format.String()).
			Build()
	}
	if !format.IsLinear() || !format.IsSigned() || format.IsFloat() {
		return nil, audiocore.NewFormatError(fmt.Errorf("cannot mix %s samples", format.Encoding)).
			Component("mixer").
			Context("operation", "normalize").
			Build()
	}

	order := binary.ByteOrder(binary.LittleEndian)
	if format.IsBigEndian() {
		order = binary.BigEndian
	}

	switch format.Bits() {
	case 16:
		values := make([]int32, len(buf)/2)
		for i := range values {
			s := int16(order.Uint16(buf[2*i:]))
			values[i] = clampInt32(math.Round(float64(s) * s16ToS32))
		}
		return values, nil
	case 32:
		values := make([]int32, len(buf)/4)
		for i := range values {
			values[i] = int32(order.Uint32(buf[4*i:]))
		}
		return values, nil
	default:
		return nil, audiocore.NewFormatError(fmt.Errorf("cannot mix %d bit samples", format.Bits())).
			Component("mixer").
			Context("operation", "normalize").
			Build()
	}
}

func clampInt32(v float64) int32 {
	switch {
	case v >= math.MaxInt32:
		return math.MaxInt32
	case v <= math.MinInt32:
		return math.MinInt32
	}
	return int32(v)
}
