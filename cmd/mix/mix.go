package mix

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/tphakala/audiomixer/internal/audiocore"
	"github.com/tphakala/audiomixer/internal/audiocore/export"
	"github.com/tphakala/audiomixer/internal/audiocore/mixer"
	"github.com/tphakala/audiomixer/internal/audiocore/sources"
	"github.com/tphakala/audiomixer/internal/conf"
	"github.com/tphakala/audiomixer/internal/errors"
	"github.com/tphakala/audiomixer/internal/logging"
	"golang.org/x/sync/errgroup"
)

// monitorName is the listener hearing every participant.
const monitorName = "monitor"

// Options holds the flags of the mix command.
type Options struct {
	OutDir       string
	Monitor      bool
	Duration     time.Duration // 0 runs until every input ends or the command is interrupted
	PollInterval time.Duration
}

// Command creates the mix command.
func Command(settings *conf.Settings) *cobra.Command {
	var opts Options

	cmd := &cobra.Command{
		Use:   "mix [flags] NAME=LOCATION...",
		Short: "Mix participants into per-listener WAV files",
		Long: `Mixes every participant into one WAV file per participant that leaves out
the participant's own input. LOCATION is an audio file (wav, mp3, ogg, flac)
or device:NAME for a capture device, device: alone selects the default device.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			participants, err := ParseParticipants(args)
			if err != nil {
				return err
			}
			return Run(cmd.Context(), settings, participants, opts)
		},
	}

	cmd.Flags().StringVarP(&opts.OutDir, "out", "o", "mix", "Directory for the per-listener WAV files")
	cmd.Flags().BoolVar(&opts.Monitor, "monitor", false, "Also write monitor.wav, which hears every participant")
	cmd.Flags().DurationVar(&opts.Duration, "duration", 0, "Stop after this long, needed for capture devices")
	cmd.Flags().DurationVar(&opts.PollInterval, "poll", export.DefaultPollInterval, "Wait between reads while no audio is available")

	return cmd
}

// Participant is one NAME=LOCATION argument.
type Participant struct {
	Name     string
	Location string
}

// ParseParticipants parses NAME=LOCATION arguments. Names must be unique
// and must not collide with the monitor listener.
func ParseParticipants(args []string) ([]Participant, error) {
	seen := make(map[string]bool, len(args))
	participants := make([]Participant, 0, len(args))

	for _, arg := range args {
		name, location, ok := strings.Cut(arg, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" || location == "" {
			return nil, audiocore.NewConfigurationError(fmt.Errorf("participant %q is not NAME=LOCATION", arg)).
				Context("operation", "parse_participants").
				Build()
		}
		if seen[name] || name == monitorName {
			return nil, audiocore.NewConfigurationError(fmt.Errorf("participant name %q is already in use", name)).
				Context("operation", "parse_participants").
				Build()
		}
		seen[name] = true
		participants = append(participants, Participant{Name: name, Location: location})
	}
	return participants, nil
}

// listener is an output being written to a WAV file.
type listener struct {
	name   string
	output *mixer.Output
	stream audiocore.BufferStream
	sink   *export.WAVSink
}

// Run mixes the participants and writes a WAV file per listener into
// opts.OutDir. Interrupting ctx stops the mix and keeps what was written.
func Run(ctx context.Context, settings *conf.Settings, participants []Participant, opts Options) error {
	logger := logging.ForService("cmd")
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "mix")

	m, err := mixer.New(mixer.ConfigFromSettings("mix", &settings.Mixer))
	if err != nil {
		return err
	}

	var listeners []*listener
	for _, p := range participants {
		cfg, err := sources.ParseLocation(p.Name, p.Location)
		if err != nil {
			return err
		}
		cfg.Format = m.Format()
		src, err := sources.CreateSource(cfg)
		if err != nil {
			return err
		}

		out := m.NewOutput()
		if _, err := out.AddInput(ctx, src); err != nil {
			return err
		}
		listeners = append(listeners, &listener{name: p.Name, output: out})
	}
	if opts.Monitor {
		listeners = append(listeners, &listener{name: monitorName, output: m.NewOutput()})
	}

	defer func() {
		for _, l := range listeners {
			if l.sink != nil {
				if err := l.sink.Close(); err != nil {
					logger.Error("error finalizing WAV file", "listener", l.name, "error", err)
				}
			}
			if err := l.output.Disconnect(); err != nil {
				logger.Warn("error disconnecting output", "listener", l.name, "error", err)
			}
		}
	}()

	if err := openListeners(ctx, m, listeners, opts.OutDir); err != nil {
		return err
	}

	if opts.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Duration)
		defer cancel()
	}

	start := time.Now()
	if demandDriven(listeners) {
		err = pump(ctx, listeners, opts.PollInterval)
	} else {
		err = drainAll(ctx, listeners, opts.PollInterval)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		logger.Info("mix stopped", "reason", err)
		err = nil
	}
	if err != nil {
		return err
	}

	// The summary is meant for the operator, so it goes to the console logger
	console := logging.HumanReadable()
	if console == nil {
		console = logger
	}
	for _, l := range listeners {
		console.Info("listener mix written",
			"listener", l.name,
			"frames", l.sink.Frames(),
			"elapsed", time.Since(start))
	}
	return nil
}

// openListeners connects and starts every output and creates its WAV file.
func openListeners(ctx context.Context, m *mixer.Mixer, listeners []*listener, outDir string) error {
	for _, l := range listeners {
		if err := l.output.Connect(ctx); err != nil {
			return err
		}
		streams := l.output.Streams()
		if len(streams) == 0 {
			return audiocore.NewConfigurationError(fmt.Errorf("listener %s has nothing to hear", l.name)).
				Context("listener", l.name).
				Build()
		}
		stream, ok := streams[0].(audiocore.BufferStream)
		if !ok {
			return audiocore.NewConfigurationError(fmt.Errorf("unexpected output stream %T", streams[0])).Build()
		}
		l.stream = stream

		sink, err := export.CreateWAVFile(filepath.Join(outDir, l.name+".wav"), m.Format())
		if err != nil {
			return err
		}
		l.sink = sink
	}

	for _, l := range listeners {
		if err := l.output.Start(ctx); err != nil {
			return err
		}
	}
	return nil
}

// demandDriven reports whether every output only produces audio when read.
func demandDriven(listeners []*listener) bool {
	for _, l := range listeners {
		d, ok := l.stream.(interface{ DemandDriven() bool })
		if !ok || !d.DemandDriven() {
			return false
		}
	}
	return true
}

// drainAll writes push-driven outputs concurrently.
func drainAll(ctx context.Context, listeners []*listener, poll time.Duration) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, l := range listeners {
		g.Go(func() error {
			return export.Drain(gctx, l.stream, l.sink, poll)
		})
	}
	return g.Wait()
}

// pump reads demand-driven outputs in lockstep: the first read of a round
// runs a tick whose frames every other output then dequeues, so no output
// falls behind and loses frames to its queue limit. Encoding happens on one
// writer goroutine per listener.
func pump(ctx context.Context, listeners []*listener, poll time.Duration) error {
	if poll <= 0 {
		poll = export.DefaultPollInterval
	}

	g, gctx := errgroup.WithContext(ctx)
	queues := make([]chan *audiocore.AudioData, len(listeners))
	for i, l := range listeners {
		queue := make(chan *audiocore.AudioData, 4)
		queues[i] = queue
		g.Go(func() error {
			for data := range queue {
				if err := l.sink.Write(data); err != nil {
					return err
				}
			}
			return nil
		})
	}

	g.Go(func() error {
		defer func() {
			for _, q := range queues {
				close(q)
			}
		}()

		done := make([]bool, len(listeners))
		remaining := len(listeners)
		for remaining > 0 {
			if err := gctx.Err(); err != nil {
				return err
			}
			produced := false
			for i, l := range listeners {
				if done[i] {
					continue
				}
				data := &audiocore.AudioData{}
				if err := l.stream.Read(data); err != nil {
					return err
				}
				if data.EOS {
					done[i] = true
					remaining--
				}
				if len(data.Buffer) == 0 {
					continue
				}
				produced = true
				select {
				case queues[i] <- data:
				case <-gctx.Done():
					return gctx.Err()
				}
			}

			if !produced && remaining > 0 {
				select {
				case <-gctx.Done():
					return gctx.Err()
				case <-time.After(poll):
				}
			}
		}
		return nil
	})

	return g.Wait()
}
