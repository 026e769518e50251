package worker

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/grugthink/grugfleet/internal/domain"
)

// MemoryWriter records facts a worker learns during chat.
type MemoryWriter interface {
	Remember(ctx context.Context, botID, content string) (int64, error)
}

// DiscordRuntime hosts bot workers as in-process Discord gateway sessions.
type DiscordRuntime struct {
	memories MemoryWriter
}

// NewDiscordRuntime creates a Discord-backed worker runtime. Facts taught to
// a bot in chat are written to its memory store through memories.
func NewDiscordRuntime(memories MemoryWriter) *DiscordRuntime {
	return &DiscordRuntime{memories: memories}
}

// Name identifies this runtime in instance runtime config.
func (r *DiscordRuntime) Name() string { return "discord" }

// Launch opens a gateway session with the bot's credential. A failed Open
// (bad token, unreachable gateway) is a synchronous launch failure.
func (r *DiscordRuntime) Launch(ctx context.Context, cfg LaunchConfig) (Handle, error) {
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}

	session.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsMessageContent

	h := &discordHandle{
		session:  session,
		botID:    cfg.BotID,
		name:     cfg.Name,
		memories: r.memories,
		interval: cfg.HeartbeatInterval,
		events:   make(chan Event, 16),
		notes:    make(chan Event, 8),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}

	session.AddHandler(h.onReady)
	session.AddHandler(h.onResumed)
	session.AddHandler(h.onDisconnect)
	session.AddHandler(h.onMessage)

	if err := session.Open(); err != nil {
		return nil, fmt.Errorf("open discord gateway: %w", err)
	}
	if ctx.Err() != nil {
		if closeErr := session.Close(); closeErr != nil {
			slog.Debug("Failed to close session after canceled launch", "bot_id", cfg.BotID, "error", closeErr)
		}
		return nil, ctx.Err()
	}

	go h.run()
	return h, nil
}

// discordHandle is one live gateway session. Gateway callbacks arrive on
// discordgo's goroutines; they signal through connected and notes, and run
// remains the sole sender on and closer of the events channel.
type discordHandle struct {
	session   *discordgo.Session
	botID     string
	name      string
	memories  MemoryWriter
	interval  time.Duration
	connected atomic.Bool
	events    chan Event
	notes     chan Event
	stop      chan struct{}
	done      chan struct{}
}

func (h *discordHandle) Events() <-chan Event { return h.events }

func (h *discordHandle) run() {
	defer close(h.events)
	defer close(h.done)

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if !h.connected.Load() {
				// Disconnected sessions emit no heartbeats; prolonged
				// silence is the supervisor's liveness signal.
				continue
			}
			select {
			case h.events <- heartbeat():
			default:
			}
		case note := <-h.notes:
			select {
			case h.events <- note:
			default:
			}
		case <-h.stop:
			if err := h.session.Close(); err != nil {
				slog.Debug("Discord session close error", "bot_id", h.botID, "error", err)
			}
			h.events <- exit(ExitNormal, "")
			return
		}
	}
}

// Stop closes the gateway session. Closing is prompt; grace only bounds the
// wait for the feed to confirm.
func (h *discordHandle) Stop(ctx context.Context, grace time.Duration) error {
	select {
	case <-h.done:
		return nil
	default:
	}

	select {
	case h.stop <- struct{}{}:
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-h.done:
		return nil
	case <-time.After(grace + forceStopWindow):
		return fmt.Errorf("discord worker %s did not confirm exit", h.botID)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *discordHandle) onReady(_ *discordgo.Session, r *discordgo.Ready) {
	h.connected.Store(true)
	h.note(logLine(domain.LogInfo, fmt.Sprintf("connected to gateway as %s", r.User.Username)))
}

func (h *discordHandle) onResumed(_ *discordgo.Session, _ *discordgo.Resumed) {
	h.connected.Store(true)
	h.note(logLine(domain.LogInfo, "gateway session resumed"))
}

func (h *discordHandle) onDisconnect(_ *discordgo.Session, _ *discordgo.Disconnect) {
	h.connected.Store(false)
	h.note(logLine(domain.LogWarn, "gateway disconnected"))
}

// onMessage learns facts taught in chat: any message of the form
// "remember: <fact>" is written to the bot's memory store.
func (h *discordHandle) onMessage(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot {
		return
	}
	if s.State != nil && s.State.User != nil && m.Author.ID == s.State.User.ID {
		return
	}

	const prefix = "remember:"
	content := strings.TrimSpace(m.Content)
	if !strings.HasPrefix(strings.ToLower(content), prefix) {
		return
	}
	fact := strings.TrimSpace(content[len(prefix):])
	if fact == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := h.memories.Remember(ctx, h.botID, fact); err != nil {
		h.note(logLine(domain.LogError, fmt.Sprintf("failed to store fact: %v", err)))
		return
	}
	h.note(logLine(domain.LogInfo, fmt.Sprintf("learned fact: %s", fact)))

	if _, err := s.ChannelMessageSend(m.ChannelID, h.name+" remember."); err != nil {
		slog.Debug("Failed to acknowledge fact", "bot_id", h.botID, "error", err)
	}
}

func (h *discordHandle) note(ev Event) {
	select {
	case h.notes <- ev:
	default:
	}
}
