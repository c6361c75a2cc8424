// ABOUTME: Main player application orchestration
// ABOUTME: Coordinates connection, engine, output driver, and UI
package app

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/google/uuid"

	"github.com/chorus-audio/chorus-go/internal/audio"
	"github.com/chorus-audio/chorus-go/internal/client"
	"github.com/chorus-audio/chorus-go/internal/config"
	"github.com/chorus-audio/chorus-go/internal/engine"
	"github.com/chorus-audio/chorus-go/internal/output"
	"github.com/chorus-audio/chorus-go/internal/protocol"
	"github.com/chorus-audio/chorus-go/internal/ui"
	"github.com/chorus-audio/chorus-go/internal/version"
)

// Player is the main player application
type Player struct {
	config   *config.Config
	client   *client.Client
	commands *ui.Commands
	tuiProg  *tea.Program

	mu      sync.RWMutex
	eng     *engine.Engine
	driver  output.Driver
	decoder audio.Decoder

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a new player
func New(cfg *config.Config) *Player {
	ctx, cancel := context.WithCancel(context.Background())

	return &Player{
		config:   cfg,
		commands: ui.NewCommands(),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start runs the player until Stop or a fatal error
func (p *Player) Start() error {
	tuiProg, err := ui.Run(p.commands)
	if err != nil {
		return fmt.Errorf("failed to start TUI: %w", err)
	}
	p.tuiProg = tuiProg

	go p.tuiProg.Run()

	if err := p.connect(p.config.Server.Addr); err != nil {
		return fmt.Errorf("connection failed: %w", err)
	}

	<-p.ctx.Done()

	return nil
}

// connect establishes the session server connection
func (p *Player) connect(serverAddr string) error {
	clientID := uuid.New().String()

	clientConfig := client.Config{
		ServerAddr: serverAddr,
		ClientID:   clientID,
		Name:       p.config.Player.Name,
		Version:    1,
		DeviceInfo: protocol.DeviceInfo{
			ProductName:     version.Product,
			SoftwareVersion: version.Version,
		},
		PlayerSupport: protocol.PlayerSupport{
			SupportFormats: []protocol.AudioFormat{
				{Codec: "pcm", Channels: 2, SampleRate: 44100, BitDepth: 16},
				{Codec: "opus", Channels: 2, SampleRate: 44100, BitDepth: 16},
			},
			BufferCapacity:    1048576,
			SupportedCommands: []string{"volume", "mute", "resync", "stop"},
		},
	}

	p.client = client.NewClient(clientConfig)

	if err := p.client.Connect(); err != nil {
		return err
	}

	log.Printf("Connected to server: %s", serverAddr)
	connected := true
	p.tuiProg.Send(ui.StatusMsg{Connected: &connected, ServerName: serverAddr})

	go p.handleStreamStart()
	go p.handleAudioChunks()
	go p.handleStreamClear()
	go p.handleControls()
	go p.handleCommands()
	go p.handleMetadata()
	go p.timeSyncLoop()
	go p.statusLoop()

	return nil
}

// engineRef returns the current engine, which exists once a stream has
// started
func (p *Player) engineRef() *engine.Engine {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.eng
}

// handleStreamStart builds the decoder, engine, and output driver for
// the announced stream format
func (p *Player) handleStreamStart() {
	for {
		select {
		case start := <-p.client.StreamStart:
			log.Printf("Stream starting: %s %dHz %dch %dbit",
				start.Codec, start.SampleRate, start.Channels, start.BitDepth)

			format := audio.Format{
				Codec:      start.Codec,
				SampleRate: start.SampleRate,
				Channels:   start.Channels,
				BitDepth:   start.BitDepth,
			}

			if err := p.startStream(format); err != nil {
				log.Printf("Failed to start stream: %v", err)
			}

		case <-p.ctx.Done():
			return
		}
	}
}

func (p *Player) startStream(format audio.Format) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.eng != nil {
		// Format change: tear the old pipeline down first
		p.teardownStreamLocked()
	}

	decoder, err := audio.NewDecoder(format)
	if err != nil {
		return fmt.Errorf("failed to create decoder: %w", err)
	}

	sc := p.config.Sync
	eng := engine.New(engine.Config{
		Format:           format,
		BlockFrames:      p.config.Output.BlockFrames,
		MinLead:          sc.MinLead(),
		StartLead:        sc.StartLead(),
		ReanchorCooldown: time.Duration(sc.CooldownSeconds) * time.Second,
		MaxReanchors:     sc.MaxReanchors,
		StaticDelay:      time.Duration(p.config.Player.StaticDelayMs) * time.Millisecond,
		Volume:           p.config.Player.Volume,
		Corrector: engine.CorrectorConfig{
			SampleRate: format.SampleRate,
			DeadBand:   time.Duration(sc.DeadBandMs) * time.Millisecond,
			MaxRate:    sc.MaxRate,
			HardLimit:  time.Duration(sc.HardLimitMs) * time.Millisecond,
		},
	})

	driver := output.New(p.config.Output.Driver)
	if err := driver.Open(format, eng.Render); err != nil {
		decoder.Close()
		return fmt.Errorf("failed to open output: %w", err)
	}

	p.decoder = decoder
	p.eng = eng
	p.driver = driver

	go p.watchDriver(driver, eng)
	go p.healthLoop(eng)

	return nil
}

// teardownStreamLocked closes the current pipeline (must hold p.mu)
func (p *Player) teardownStreamLocked() {
	if p.eng != nil {
		p.eng.Stop()
		p.eng = nil
	}
	if p.driver != nil {
		p.driver.Close()
		p.driver = nil
	}
	if p.decoder != nil {
		p.decoder.Close()
		p.decoder = nil
	}
}

// watchDriver surfaces fatal device errors
func (p *Player) watchDriver(driver output.Driver, eng *engine.Engine) {
	for err := range driver.Errors() {
		log.Printf("Output device error: %v", err)
		eng.Fail(fmt.Errorf("%w: %v", engine.ErrDeviceFailed, err))
		p.client.SendState(protocol.ClientState{
			State:  "idle",
			Volume: eng.GetStatus().Volume,
			Muted:  eng.GetStatus().Muted,
		})
	}
}

// handleAudioChunks decodes and enqueues timestamped audio
func (p *Player) handleAudioChunks() {
	for {
		select {
		case chunk := <-p.client.AudioChunks:
			p.mu.RLock()
			decoder, eng := p.decoder, p.eng
			p.mu.RUnlock()
			if decoder == nil || eng == nil {
				continue
			}

			pcm, err := decoder.Decode(chunk.Data)
			if err != nil {
				log.Printf("Decode error: %v", err)
				continue
			}

			err = eng.EnqueueChunk(audio.Chunk{
				Sequence:    chunk.Sequence,
				TimestampUs: chunk.Timestamp,
				PCM:         pcm,
			})
			if err != nil {
				log.Printf("Playback failed: %v", err)
				p.Stop()
				return
			}

		case <-p.ctx.Done():
			return
		}
	}
}

// handleStreamClear discards buffered audio on track skip
func (p *Player) handleStreamClear() {
	for {
		select {
		case clear := <-p.client.StreamClear:
			log.Printf("Stream clear: %s", clear.Reason)
			if eng := p.engineRef(); eng != nil {
				if err := eng.ForceResync(); err != nil {
					log.Printf("Resync failed: %v", err)
				}
			}

		case <-p.ctx.Done():
			return
		}
	}
}

// timeSyncLoop continuously exchanges clock samples with the server
func (p *Player) timeSyncLoop() {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			t1 := time.Now().UnixMicro()
			if err := p.client.SendTimeSync(t1); err != nil {
				continue
			}

			deadline := time.After(2 * time.Second)
		recv:
			for {
				select {
				case resp := <-p.client.TimeSyncResp:
					t4 := time.Now().UnixMicro()
					sessionUs, localUs, ok := timeSyncSample(resp, t1, t4)
					if !ok {
						// A late reply from an earlier round; drop it and
						// keep waiting for this round's
						continue
					}
					if eng := p.engineRef(); eng != nil {
						eng.UpdateReference(sessionUs, localUs)
					}
					break recv

				case <-deadline:
					log.Printf("Time sync timeout")
					break recv

				case <-p.ctx.Done():
					return
				}
			}

		case <-p.ctx.Done():
			return
		}
	}
}

// timeSyncSample converts a completed NTP-style exchange into one
// correlated (session, local) pair via the midpoints. The server echoes
// the client transmit timestamp, which identifies the round a reply
// belongs to; replies from any other round are rejected.
func timeSyncSample(resp protocol.ServerTime, t1, t4 int64) (sessionUs, localUs int64, ok bool) {
	if resp.ClientTransmitted != t1 {
		return 0, 0, false
	}
	return (resp.ServerReceived + resp.ServerTransmitted) / 2, (t1 + t4) / 2, true
}

// healthLoop drives the engine's periodic calibration watch
func (p *Player) healthLoop(eng *engine.Engine) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := eng.HealthCheck(); err != nil {
				log.Printf("Playback failed: %v", err)
				p.Stop()
				return
			}
			if eng.StateOf() == engine.StateStopped {
				return
			}

		case <-p.ctx.Done():
			return
		}
	}
}

// statusLoop fans engine status out to the TUI and the server
func (p *Player) statusLoop() {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	lastState := ""
	for {
		select {
		case <-ticker.C:
			eng := p.engineRef()
			if eng == nil {
				continue
			}
			status := eng.GetStatus()

			p.tuiProg.Send(ui.StatusMsg{
				State:       status.State.String(),
				SyncErrorMs: status.SyncErrorMs,
				Lead:        status.Lead,
				StaticDelay: status.StaticDelay,
				Reanchors:   status.Reanchors,
				Volume:      status.Volume,
				Muted:       status.Muted,
				Chunks:      status.Buffer.ChunksQueued,
				Gaps:        status.Buffer.GapsFilled,
				Dropped:     status.FramesDropped,
				Inserted:    status.FramesInserted,
			})

			if s := playerState(status.State); s != lastState {
				lastState = s
				p.client.SendState(protocol.ClientState{
					State:  s,
					Volume: status.Volume,
					Muted:  status.Muted,
				})
			}

		case <-p.ctx.Done():
			return
		}
	}
}

// playerState maps engine state to the protocol state string
func playerState(s engine.State) string {
	switch s {
	case engine.StatePlaying:
		return "playing"
	case engine.StateInitializing, engine.StateWaitingForStart, engine.StateReanchoring:
		return "synchronizing"
	default:
		return "idle"
	}
}

// handleControls processes server commands
func (p *Player) handleControls() {
	for {
		select {
		case cmd := <-p.client.ControlMsgs:
			eng := p.engineRef()
			if eng == nil {
				continue
			}

			switch cmd.Command {
			case "volume":
				eng.SetVolume(cmd.Volume)
			case "mute":
				eng.SetMuted(cmd.Mute)
			case "resync":
				if err := eng.ForceResync(); err != nil {
					log.Printf("Resync failed: %v", err)
				}
			case "stop":
				eng.Stop()
			}

			status := eng.GetStatus()
			p.client.SendState(protocol.ClientState{
				State:  playerState(status.State),
				Volume: status.Volume,
				Muted:  status.Muted,
			})

		case <-p.ctx.Done():
			return
		}
	}
}

// handleCommands processes TUI keyboard commands
func (p *Player) handleCommands() {
	for {
		select {
		case cmd := <-p.commands.C:
			if cmd.Kind == ui.CmdQuit {
				p.Stop()
				return
			}

			eng := p.engineRef()
			if eng == nil {
				continue
			}

			switch cmd.Kind {
			case ui.CmdVolume:
				eng.SetVolume(cmd.Value)
			case ui.CmdMute:
				eng.SetMuted(cmd.On)
			case ui.CmdDelay:
				eng.SetStaticDelay(time.Duration(cmd.Value) * time.Millisecond)
			case ui.CmdResync:
				if err := eng.ForceResync(); err != nil {
					log.Printf("Resync failed: %v", err)
				}
			}

		case <-p.ctx.Done():
			return
		}
	}
}

// handleMetadata updates the UI with track info
func (p *Player) handleMetadata() {
	for {
		select {
		case meta := <-p.client.Metadata:
			log.Printf("Metadata: %s - %s (%s)", meta.Artist, meta.Title, meta.Album)
			p.tuiProg.Send(ui.StatusMsg{
				Title:  meta.Title,
				Artist: meta.Artist,
				Album:  meta.Album,
			})

		case <-p.ctx.Done():
			return
		}
	}
}

// Stop stops the player
func (p *Player) Stop() {
	p.cancel()

	if p.client != nil {
		p.client.Close()
	}

	p.mu.Lock()
	p.teardownStreamLocked()
	p.mu.Unlock()

	if p.tuiProg != nil {
		p.tuiProg.Quit()
	}
}
