package bridge

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"go.uber.org/zap"

	"github.com/nidhogg/dewet/internal/config"
)

func TestSlackUserText(t *testing.T) {
	tests := []struct {
		name string
		ev   slackevents.MessageEvent
		ok   bool
	}{
		{"human in channel", slackevents.MessageEvent{Channel: "C1", User: "U1", Text: "hi"}, true},
		{"other channel", slackevents.MessageEvent{Channel: "C2", User: "U1", Text: "hi"}, false},
		{"bot echo", slackevents.MessageEvent{Channel: "C1", BotID: "B1", Text: "hi"}, false},
		{"edit", slackevents.MessageEvent{Channel: "C1", SubType: "message_changed", Text: "hi"}, false},
		{"empty", slackevents.MessageEvent{Channel: "C1", User: "U1"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			text, ok := slackUserText(&tt.ev, "C1")
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v", ok, tt.ok)
			}
			if ok && text != tt.ev.Text {
				t.Errorf("text = %q", text)
			}
		})
	}
}

func TestDiscordLine(t *testing.T) {
	got := discordLine(Speak{Name: "Orion", Text: "Nice commit."})
	if want := "**Orion**: Nice commit."; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestSlackBusyNoticePostsToChannel(t *testing.T) {
	form := make(chan map[string]string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat.postMessage" {
			t.Errorf("path = %s, want /chat.postMessage", r.URL.Path)
		}
		r.ParseForm()
		form <- map[string]string{"channel": r.FormValue("channel"), "text": r.FormValue("text")}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true,"channel":"C1","ts":"1.0"}`))
	}))
	defer srv.Close()

	relay := NewSlackRelay(config.SlackRelayConfig{BotToken: "xoxb-test", ChannelID: "C1"}, zap.NewNop())
	relay.client = slack.New("xoxb-test", slack.OptionAPIURL(srv.URL+"/"))

	relay.notifyBusy("C1")
	got := <-form
	if got["channel"] != "C1" || got["text"] != BusyNotice {
		t.Errorf("posted %v, want busy notice to C1", got)
	}
}
