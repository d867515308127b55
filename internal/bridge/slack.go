package bridge

import (
	"context"
	"fmt"
	"sync"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"
	"go.uber.org/zap"

	"github.com/nidhogg/dewet/internal/config"
)

// SlackRelay mirrors one Slack channel: human messages become user chat
// and persona lines are posted under the persona's name.
type SlackRelay struct {
	channelID string
	client    *slack.Client
	socket    *socketmode.Client
	handler   Handler
	icons     map[string]string // persona id -> emoji
	mu        sync.RWMutex
	logger    *zap.Logger
}

// NewSlackRelay uses Socket Mode; cfg.AppToken is the xapp- token.
func NewSlackRelay(cfg config.SlackRelayConfig, logger *zap.Logger) *SlackRelay {
	client := slack.New(cfg.BotToken,
		slack.OptionAppLevelToken(cfg.AppToken),
	)
	socket := socketmode.New(client,
		socketmode.OptionLog(zap.NewStdLog(logger)),
	)
	return &SlackRelay{
		channelID: cfg.ChannelID,
		client:    client,
		socket:    socket,
		icons:     make(map[string]string),
		logger:    logger,
	}
}

func (a *SlackRelay) Name() string        { return "slack" }
func (a *SlackRelay) OnMessage(h Handler) { a.handler = h }

// SetIcon sets the emoji shown next to a persona's messages, e.g. ":star:".
func (a *SlackRelay) SetIcon(personaID, emoji string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.icons[personaID] = emoji
}

// Connect starts the Socket Mode event loop in a background goroutine.
func (a *SlackRelay) Connect(ctx context.Context) error {
	go a.handleEvents(ctx)
	go func() {
		if err := a.socket.RunContext(ctx); err != nil && ctx.Err() == nil {
			a.logger.Error("slack socket mode error", zap.Error(err))
		}
	}()
	a.logger.Info("slack relay connected via socket mode", zap.String("channel", a.channelID))
	return nil
}

func (a *SlackRelay) handleEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-a.socket.Events:
			if !ok {
				return
			}
			a.processEvent(evt)
		}
	}
}

func (a *SlackRelay) processEvent(evt socketmode.Event) {
	if evt.Type != socketmode.EventTypeEventsAPI {
		return
	}
	eventsAPI, ok := evt.Data.(slackevents.EventsAPIEvent)
	if !ok {
		return
	}
	a.socket.Ack(*evt.Request)

	if eventsAPI.Type != slackevents.CallbackEvent {
		return
	}
	if inner, ok := eventsAPI.InnerEvent.Data.(*slackevents.MessageEvent); ok {
		if text, ok := slackUserText(inner, a.channelID); ok && a.handler != nil {
			if !a.handler(UserChat{Text: text}) {
				a.notifyBusy(inner.Channel)
			}
		}
	}
}

// slackUserText accepts plain human messages in the relayed channel.
func slackUserText(ev *slackevents.MessageEvent, channelID string) (string, bool) {
	if ev.BotID != "" || ev.SubType != "" {
		return "", false
	}
	if channelID != "" && ev.Channel != channelID {
		return "", false
	}
	if ev.Text == "" {
		return "", false
	}
	return ev.Text, true
}

func (a *SlackRelay) notifyBusy(channel string) {
	if _, _, err := a.client.PostMessage(channel, slack.MsgOptionText(BusyNotice, false)); err != nil {
		a.logger.Warn("slack busy notice failed", zap.Error(err))
	}
}

// Deliver posts speak events; everything else is ignored.
func (a *SlackRelay) Deliver(_ context.Context, env Envelope) error {
	sp, ok := env.Message.(Speak)
	if !ok {
		return nil
	}
	opts := []slack.MsgOption{
		slack.MsgOptionText(sp.Text, false),
		slack.MsgOptionUsername(sp.Name),
	}
	a.mu.RLock()
	if emoji := a.icons[sp.PersonaID]; emoji != "" {
		opts = append(opts, slack.MsgOptionIconEmoji(emoji))
	}
	a.mu.RUnlock()

	if _, _, err := a.client.PostMessage(a.channelID, opts...); err != nil {
		return fmt.Errorf("slack send: %w", err)
	}
	return nil
}

// Close is a no-op; the socket context cancellation handles shutdown.
func (a *SlackRelay) Close() error {
	return nil
}
