package bridge

import (
	"context"
	"fmt"
	"sync"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"

	"github.com/nidhogg/dewet/internal/config"
)

// DiscordRelay mirrors one Discord channel through the bot gateway.
type DiscordRelay struct {
	token     string
	channelID string
	session   *discordgo.Session
	handler   Handler
	mu        sync.RWMutex
	logger    *zap.Logger
}

func NewDiscordRelay(cfg config.DiscordRelayConfig, logger *zap.Logger) *DiscordRelay {
	return &DiscordRelay{
		token:     cfg.BotToken,
		channelID: cfg.ChannelID,
		logger:    logger,
	}
}

func (a *DiscordRelay) Name() string        { return "discord" }
func (a *DiscordRelay) OnMessage(h Handler) { a.handler = h }

// Connect opens the Discord gateway websocket.
func (a *DiscordRelay) Connect(_ context.Context) error {
	session, err := discordgo.New("Bot " + a.token)
	if err != nil {
		return fmt.Errorf("discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsMessageContent
	session.AddHandler(a.onMessageCreate)

	if err := session.Open(); err != nil {
		return fmt.Errorf("discord open: %w", err)
	}

	a.mu.Lock()
	a.session = session
	a.mu.Unlock()

	a.logger.Info("discord relay connected",
		zap.String("user", session.State.User.Username),
		zap.String("channel", a.channelID))
	return nil
}

func (a *DiscordRelay) onMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot || m.Author.ID == s.State.User.ID {
		return
	}
	if m.ChannelID != a.channelID || m.Content == "" {
		return
	}
	if a.handler != nil && !a.handler(UserChat{Text: m.Content}) {
		if _, err := s.ChannelMessageSend(m.ChannelID, BusyNotice); err != nil {
			a.logger.Warn("discord busy notice failed", zap.Error(err))
		}
	}
}

// discordLine renders a persona line for a plain bot message.
func discordLine(sp Speak) string {
	return fmt.Sprintf("**%s**: %s", sp.Name, sp.Text)
}

// Deliver posts speak events; everything else is ignored.
func (a *DiscordRelay) Deliver(_ context.Context, env Envelope) error {
	sp, ok := env.Message.(Speak)
	if !ok {
		return nil
	}
	a.mu.RLock()
	session := a.session
	a.mu.RUnlock()
	if session == nil {
		return fmt.Errorf("discord not connected")
	}
	if _, err := session.ChannelMessageSend(a.channelID, discordLine(sp)); err != nil {
		return fmt.Errorf("discord send: %w", err)
	}
	return nil
}

// Close shuts down the Discord session.
func (a *DiscordRelay) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.session != nil {
		return a.session.Close()
	}
	return nil
}
