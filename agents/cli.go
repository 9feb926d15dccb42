package agents

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	pkg "github.com/bt-bridge/voice-agent"
	"github.com/bt-bridge/voice-agent/capture"
	"github.com/bt-bridge/voice-agent/playback"
	"github.com/bt-bridge/voice-agent/shared"
	"github.com/bt-bridge/voice-agent/tools"
	"github.com/goccy/go-yaml"
	"go.uber.org/zap"
)

// Commands read from the terminal. Any other non empty line is sent as text.
const (
	CommandMic   = "/mic"
	CommandStop  = "/stop"
	CommandEnd   = "/end"
	CommandStats = "/stats"
	CommandQuit  = "/quit"
)

const shutdownTimeout = 2 * time.Second

// MicrophoneSource is an open capture device.
type MicrophoneSource interface {
	SampleRate() int
	Stream(ctx context.Context, p *capture.Pipeline) error
	Close() error
}

type MicrophoneOpener func() (MicrophoneSource, error)

// Devices are the audio backends the agent drives.
type Devices struct {
	Playback   playback.ContextFactory
	Microphone MicrophoneOpener
}

// DefaultDevices uses the default output device through oto and the default
// microphone through mediadevices.
func DefaultDevices(logger shared.LoggerAdapter, cfg shared.AudioConfig) (Devices, error) {
	speaker, err := tools.NewSpeaker(logger, cfg)
	if err != nil {
		return Devices{}, err
	}
	return Devices{
		Playback: speaker.NewContext,
		Microphone: func() (MicrophoneSource, error) {
			mic, err := tools.OpenMicrophone(logger, cfg)
			if err != nil {
				return nil, err
			}
			return mic, nil
		},
	}, nil
}

type CLIState struct {
	micOpened bool
}

func NewCLIState() *CLIState {
	return &CLIState{
		micOpened: false,
	}
}

type CLIAgent struct {
	logger  shared.LoggerAdapter
	printer *shared.Printer
	cfg     *shared.Config
	metrics *shared.Metrics
	devices Devices
	client  *pkg.Client
	session *pkg.SessionState
	player  *playback.Scheduler
	state   *CLIState
	ctx     context.Context
	done    chan struct{}

	mu        sync.Mutex
	mic       MicrophoneSource
	pipeline  *capture.Pipeline
	micCancel context.CancelFunc
	micDone   chan struct{}
}

func (a *CLIAgent) Spawn(
	ctx context.Context,
	logger shared.LoggerAdapter,
	cfg *shared.Config,
	printer *shared.Printer,
	devices Devices,
	metrics *shared.Metrics,
) error {
	if logger == nil {
		return shared.ErrNoLogger
	}
	if cfg == nil {
		return shared.ErrNoConfig
	}
	if printer == nil {
		return errors.New("no printer provided")
	}
	if devices.Playback == nil {
		return fmt.Errorf("no playback device: %w", shared.ErrPlaybackUnavailable)
	}
	if devices.Microphone == nil {
		return fmt.Errorf("no microphone: %w", shared.ErrMicrophoneUnavailable)
	}
	a.logger = logger
	a.printer = printer
	a.cfg = cfg
	a.metrics = metrics
	a.devices = devices
	a.state = NewCLIState()
	a.session = pkg.NewSessionState()
	a.ctx = ctx
	a.done = make(chan struct{})
	a.logger.Info("spawning CLI agent")
	a.println("🤖 Spawning CLI agent...\n", 0)

	// Printing config
	a.println("📋 Config\n", 0)
	yamlBytes, err := yaml.MarshalWithOptions(cfg, yaml.UseJSONMarshaler())
	if err != nil {
		a.logger.Error("marshaling config to yaml", err)
		return err
	}
	if err := a.printer.Write(string(yamlBytes), 1); err != nil {
		a.logger.Error("printing config", err)
	}
	a.println("", 0)

	// Creating playback scheduler
	a.player, err = playback.NewScheduler(a.logger, devices.Playback, metrics)
	if err != nil {
		a.logger.Error("creating playback scheduler", err)
		return err
	}
	a.player.OnStats(func(st playback.Stats) {
		a.logger.Trace(
			"playback stats",
			zap.Int("playSampleRate", st.PlaySampleRate),
			zap.Float64("nextPlayTime", st.NextPlayTime),
			zap.Uint64("playedChunks", st.PlayedChunks),
			zap.Uint64("droppedChunks", st.DroppedChunks),
		)
	})

	// Creating client
	a.client, err = pkg.NewClient(ctx, a.logger, cfg.URL, metrics)
	if err != nil {
		a.logger.Error("creating client", err)
		return err
	}
	if err := a.client.RegisterAudioHandler(a.onAudio); err != nil {
		a.logger.Error("registering audio handler", err)
		return err
	}
	if err := a.client.RegisterEventHandler(a.onEvent); err != nil {
		a.logger.Error("registering event handler", err)
		return err
	}
	a.logger.Info("client created successfully")

	// Connecting
	a.println("🔌 Connecting to "+cfg.URL+"...", 0)
	if err := a.client.Connect(ctx); err != nil {
		a.logger.Error("connecting", err)
		a.println("❌ Unable to connect: "+err.Error()+"\n", 0)
		return err
	}
	a.println("[ws] open: "+cfg.URL, 1)
	go a.watch()

	if err := a.ensurePlayback(); err != nil {
		a.println("[play] unavailable: "+err.Error(), 1)
	}
	if err := a.client.SendSetup(ctx, cfg.Session.SystemPrompt, cfg.Session.UserPrompt); err != nil {
		a.logger.Error("sending setup", err)
		return err
	}
	a.println("[send] setup", 1)
	a.println(
		fmt.Sprintf("\n⌨️  Commands: %s start mic, %s stop mic, %s end of audio, %s playback stats, %s quit. Anything else is sent as text.\n",
			CommandMic, CommandStop, CommandEnd, CommandStats, CommandQuit),
		0,
	)
	return nil
}

// Done is closed once the connection is gone and the agent has cleaned up.
func (a *CLIAgent) Done() <-chan struct{} {
	return a.done
}

// Session returns what the server has reported so far.
func (a *CLIAgent) Session() pkg.SessionSnapshot {
	return a.session.Snapshot()
}

// Stats returns the playback timeline snapshot.
func (a *CLIAgent) Stats() playback.Stats {
	return a.player.Stats()
}

func (a *CLIAgent) println(s string, ind int) {
	if err := a.printer.Writeln(s, ind); err != nil {
		a.logger.Error("printing", err, zap.String("line", s))
	}
}

func (a *CLIAgent) watch() {
	<-a.client.Done()
	if err := a.StopMic(); err != nil {
		a.logger.Error("stopping microphone", err)
	}
	reason := "closed"
	if err := a.client.Err(); err != nil {
		reason = err.Error()
	}
	a.println("[ws] close: "+reason, 1)
	if err := a.player.Close(); err != nil {
		a.logger.Error("closing playback", err)
	}
	a.logger.Info("session ended", zap.String("state", a.client.State().String()))
	close(a.done)
}

func (a *CLIAgent) onAudio(data []byte) {
	if err := a.player.HandleChunk(a.ctx, data); err != nil {
		a.logger.Warn("playing chunk", zap.Error(err), zap.Int("bytes", len(data)))
	}
}

func (a *CLIAgent) onEvent(event *pkg.ServerEvent) {
	a.session.Apply(event)
	if event.Type == pkg.ServerEventTypeError {
		a.logger.Warn("server error", zap.Stringer("event", event))
	}
	a.println(event.String(), 1)
}

func (a *CLIAgent) ensurePlayback() error {
	if err := a.player.Ensure(); err != nil {
		a.logger.Error("creating playback context", err)
		return err
	}
	return nil
}

// StartMic opens the microphone and streams it to the server until StopMic
// or the connection ends. It is a no-op when the mic is already open.
func (a *CLIAgent) StartMic(ctx context.Context) error {
	if a.client == nil {
		return shared.ErrClientNotInitialized
	}
	if !a.client.IsOpen() {
		a.println("[mic] not connected", 1)
		return shared.ErrNotConnected
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state.micOpened {
		return nil
	}

	if err := a.ensurePlayback(); err != nil {
		a.println("[play] unavailable: "+err.Error(), 1)
	} else if err := a.player.Resume(ctx); err != nil {
		a.logger.Error("resuming playback", err)
	}

	mic, err := a.devices.Microphone()
	if err != nil {
		a.logger.Error("opening microphone", err)
		a.println("❌ Unable to access microphone. Please ensure that your microphone is connected and that you have granted permission to access it.", 1)
		return err
	}
	sender, err := capture.NewSender(a.client, a.logger, a.metrics)
	if err != nil {
		_ = mic.Close()
		return err
	}
	pipeline, err := capture.NewPipeline(mic.SampleRate(), sender)
	if err != nil {
		_ = mic.Close()
		return err
	}
	pipeline.Enable()

	micCtx, cancel := context.WithCancel(a.ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := mic.Stream(micCtx, pipeline); err != nil {
			a.logger.Error("streaming microphone", err)
		}
	}()

	a.mic = mic
	a.pipeline = pipeline
	a.micCancel = cancel
	a.micDone = done
	a.state.micOpened = true
	a.logger.Info("microphone started", zap.Int("sampleRate", mic.SampleRate()))
	a.println(fmt.Sprintf("[mic] started (%d Hz)", mic.SampleRate()), 1)
	return nil
}

// StopMic disables capture and releases the device.
func (a *CLIAgent) StopMic() error {
	a.mu.Lock()
	if !a.state.micOpened {
		a.mu.Unlock()
		return nil
	}
	a.pipeline.Disable()
	a.micCancel()
	err := a.mic.Close()
	done := a.micDone
	a.mic, a.pipeline, a.micCancel, a.micDone = nil, nil, nil, nil
	a.state.micOpened = false
	a.mu.Unlock()

	<-done
	a.logger.Info("microphone stopped")
	a.println("[mic] stopped", 1)
	return err
}

// Handle runs one terminal line. It reports true when the user asked to
// quit.
func (a *CLIAgent) Handle(ctx context.Context, line string) (bool, error) {
	if a.client == nil {
		return false, shared.ErrClientNotInitialized
	}
	line = strings.TrimSpace(line)
	switch line {
	case "":
		return false, nil
	case CommandQuit:
		return true, nil
	case CommandMic:
		return false, a.StartMic(ctx)
	case CommandStop:
		return false, a.StopMic()
	case CommandEnd:
		if err := a.client.SendAudioEnd(ctx); err != nil {
			return false, err
		}
		a.println("[send] audio_end", 1)
		return false, nil
	case CommandStats:
		return false, a.printStats()
	default:
		if err := a.client.SendText(ctx, line); err != nil {
			return false, err
		}
		a.println("[send] text: "+line, 1)
		return false, nil
	}
}

func (a *CLIAgent) printStats() error {
	yamlBytes, err := yaml.MarshalWithOptions(a.player.Stats(), yaml.UseJSONMarshaler())
	if err != nil {
		return err
	}
	a.println("📊 Playback", 0)
	if err := a.printer.Write(string(yamlBytes), 1); err != nil {
		return err
	}
	snap := a.session.Snapshot()
	a.println(fmt.Sprintf("turns: %d", len(snap.Turns)), 1)
	return nil
}

// Run reads commands from in until /quit, end of input or the end of the
// session.
func (a *CLIAgent) Run(ctx context.Context, in io.Reader) error {
	lines := make(chan string)
	errc := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-a.done:
				return
			}
		}
		errc <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-a.done:
			return nil
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-errc:
					return err
				default:
					return nil
				}
			}
			quit, err := a.Handle(ctx, line)
			if err != nil {
				a.logger.Error("handling command", err, zap.String("line", line))
				a.println("[err] "+err.Error(), 1)
			}
			if quit {
				return nil
			}
		}
	}
}

// Close stops the mic and ends the session. Done is closed once cleanup
// finishes.
func (a *CLIAgent) Close() error {
	if a.client == nil {
		return nil
	}
	if err := a.StopMic(); err != nil {
		a.logger.Error("stopping microphone", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return a.client.Shutdown(ctx)
}
