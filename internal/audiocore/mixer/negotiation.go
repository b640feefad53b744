package mixer

import (
	"context"
	"log/slog"

	"github.com/tphakala/audiomixer/internal/audiocore"
	"github.com/tphakala/audiomixer/internal/errors"
	"github.com/tphakala/audiomixer/internal/observability/metrics"
)

// openInput negotiates the format of an input and connects it. Sources that
// refuse the mix format, or expose no stream matching it after connecting,
// are wrapped in a TranscodingDataSource. Caller holds m.mu.
func (m *Mixer) openInput(ctx context.Context, d *inputDescriptor) error {
	raw := d.raw
	sourceID := raw.ID()
	transcode := false

	if controllable, ok := raw.(audiocore.FormatControllable); ok {
		control := controllable.FormatControl()
		if !control.Format().Matches(m.format) {
			if _, err := control.SetFormat(m.format); err != nil {
				transcode = true
				if m.logger.Enabled(ctx, slog.LevelDebug) {
					m.logger.Debug("source refused mix format",
						"source_id", sourceID,
						"current", control.Format().String(),
						"error", err)
				}
			}
		}
	}

	if err := raw.Connect(ctx); err != nil {
		audiocore.GetMetrics().RecordInputFailure(m.id, sourceID, metrics.FailureConnect)
		return audiocore.NewConnectError(err).
			Component("mixer").
			Context("operation", "connect_input").
			Context("source_id", sourceID).
			Build()
	}

	if !transcode && !anyStreamMatches(raw.Streams(), m.format) {
		transcode = true
	}

	effective := raw
	if transcode {
		wrapped := audiocore.NewTranscodingDataSource(raw, m.format, m.codecs)
		if err := wrapped.Connect(ctx); err != nil {
			// The wrapper already released its input when no track could be realized
			if !errors.Is(err, audiocore.ErrTranscode) {
				if derr := raw.Disconnect(); derr != nil {
					m.logger.Warn("failed to disconnect input after transcoding failure",
						"source_id", sourceID,
						"error", derr)
				}
			}
			if errors.Is(err, audiocore.ErrConnect) {
				audiocore.GetMetrics().RecordInputFailure(m.id, sourceID, metrics.FailureConnect)
				return audiocore.NewConnectError(err).
					Component("mixer").
					Context("operation", "transcode_input").
					Context("source_id", sourceID).
					Build()
			}
			audiocore.GetMetrics().RecordInputFailure(m.id, sourceID, metrics.FailureTranscode)
			return audiocore.NewTranscodeError(err).
				Component("mixer").
				Context("operation", "transcode_input").
				Context("source_id", sourceID).
				Context("mix_format", m.format.String()).
				Build()
		}
		effective = wrapped
		m.logger.Info("input transcoded to mix format", "source_id", sourceID, "mix_format", m.format.String())
	}

	d.effective = effective
	d.connected = true
	d.streams = nil

	if m.startCount > 0 {
		if err := effective.Start(ctx); err != nil {
			_ = m.closeInput(d)
			return audiocore.NewConnectError(err).
				Component("mixer").
				Context("operation", "start_input").
				Context("source_id", sourceID).
				Build()
		}
		d.started = true
	}
	return nil
}

// closeInput stops and disconnects an input and drops any transcoding wrapper.
// Caller holds m.mu.
func (m *Mixer) closeInput(d *inputDescriptor) error {
	stopErr := m.stopInput(d)

	var err error
	if d.connected {
		err = d.effective.Disconnect()
		d.connected = false
	}
	d.effective = d.raw
	d.streams = nil

	if err != nil {
		return err
	}
	return stopErr
}

// stopInput stops a started input. Caller holds m.mu.
func (m *Mixer) stopInput(d *inputDescriptor) error {
	if !d.started {
		return nil
	}
	d.started = false
	return d.effective.Stop()
}

// anyStreamMatches reports whether some stream uses the encoding of format.
func anyStreamMatches(streams []audiocore.SourceStream, format audiocore.AudioFormat) bool {
	for _, s := range streams {
		if s.Format().Matches(format) {
			return true
		}
	}
	return false
}
