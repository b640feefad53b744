package audiocore

import (
	"context"
	"log/slog"
	"slices"
	"sync"

	"github.com/tphakala/audiomixer/internal/errors"
	"github.com/tphakala/audiomixer/internal/logging"
)

// ErrProcessorNotFound is returned when a processor is not found in the chain
var ErrProcessorNotFound = errors.Newf("processor not found").
	Component(ComponentAudioCore).
	Category(errors.CategoryNotFound).
	Context("resource", "processor").
	Build()

// processorChain runs its steps in insertion order. A step that declares a
// required format only accepts buffers whose encoding matches it.
type processorChain struct {
	mu     sync.RWMutex
	steps  []AudioProcessor
	logger *slog.Logger
}

// NewProcessorChain creates an empty chain. An empty chain passes buffers
// through unchanged.
func NewProcessorChain() ProcessorChain {
	logger := logging.ForService("audiocore")
	if logger == nil {
		logger = slog.Default()
	}
	return &processorChain{logger: logger.With("component", "processor_chain")}
}

// AddProcessor appends a step. IDs must be unique within the chain.
func (c *processorChain) AddProcessor(processor AudioProcessor) error {
	if processor == nil {
		return errors.Newf("processor cannot be nil").
			Component(ComponentAudioCore).
			Category(errors.CategoryValidation).
			Build()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.indexOf(processor.ID()) >= 0 {
		return errors.Newf("processor already exists in chain").
			Component(ComponentAudioCore).
			Category(errors.CategoryConflict).
			Context("processor_id", processor.ID()).
			Build()
	}
	c.steps = append(c.steps, processor)

	if c.logger.Enabled(context.Background(), slog.LevelDebug) {
		c.logger.Debug("processor added to chain",
			"processor_id", processor.ID(),
			"chain_length", len(c.steps))
	}
	return nil
}

// RemoveProcessor drops the step with the given ID.
func (c *processorChain) RemoveProcessor(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	i := c.indexOf(id)
	if i < 0 {
		return errors.New(ErrProcessorNotFound).
			Component(ComponentAudioCore).
			Category(errors.CategoryNotFound).
			Context("processor_id", id).
			Build()
	}
	// Process iterates a snapshot of the slice, so removal builds a new one
	c.steps = slices.Concat(c.steps[:i], c.steps[i+1:])
	return nil
}

// indexOf must be called with c.mu held.
func (c *processorChain) indexOf(id string) int {
	return slices.IndexFunc(c.steps, func(p AudioProcessor) bool { return p.ID() == id })
}

// Process feeds input through every step. Cancellation is checked between
// steps, so a running step always finishes its buffer.
func (c *processorChain) Process(ctx context.Context, input *AudioData) (*AudioData, error) {
	c.mu.RLock()
	steps := c.steps
	c.mu.RUnlock()

	data := input
	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if required := step.GetRequiredFormat(); required != nil && data.Format.Encoding != "" && !data.Format.Matches(*required) {
			return nil, NewFormatError(errors.NewStd("buffer encoding does not match processor input")).
				FormatContext(data.Format, *required).
				Context("processor_id", step.ID()).
				Build()
		}

		out, err := step.Process(ctx, data)
		if err != nil {
			c.logger.Error("processor failed",
				"processor_id", step.ID(),
				"source_id", input.SourceID,
				"error", err)
			return nil, errors.New(err).
				Component(ComponentAudioCore).
				Category(errors.CategoryProcessing).
				Context("processor_id", step.ID()).
				Context("operation", "process_audio").
				Build()
		}
		data = out
	}
	return data, nil
}

// GetProcessors returns a copy of the steps in order.
func (c *processorChain) GetProcessors() []AudioProcessor {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.steps)
}

// OutputFormat folds GetOutputFormat over the chain
func (c *processorChain) OutputFormat(inputFormat AudioFormat) AudioFormat {
	c.mu.RLock()
	defer c.mu.RUnlock()

	format := inputFormat
	for _, step := range c.steps {
		format = step.GetOutputFormat(format)
	}
	return format
}
