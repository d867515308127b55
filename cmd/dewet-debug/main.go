package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/coder/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/nidhogg/dewet/internal/bridge"
	"github.com/nidhogg/dewet/internal/loop"
)

var (
	serverURL   string
	redisURL    string
	redisStream string
	showLogs    bool
)

func main() {
	root := &cobra.Command{
		Use:   "dewet-debug",
		Short: "Observe and drive a running dewet daemon",
	}
	root.PersistentFlags().StringVarP(&serverURL, "server", "s", "ws://localhost:7777/ws", "Websocket endpoint of the daemon")
	root.PersistentFlags().StringVar(&redisURL, "redis", "", "Send through this Redis instead of the websocket")
	root.PersistentFlags().StringVar(&redisStream, "redis-stream", "dewet:inbound", "Inbound Redis stream")

	tail := &cobra.Command{
		Use:   "tail",
		Short: "Print events as they arrive",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			conn, err := dial(cmd.Context())
			if err != nil {
				return err
			}
			defer conn.CloseNow()
			return printEvents(cmd.Context(), conn)
		},
	}
	tail.Flags().BoolVar(&showLogs, "logs", false, "Include log events")

	say := &cobra.Command{
		Use:   "say <text>",
		Short: "Send a user chat message",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return send(cmd.Context(), bridge.UserChat{Text: strings.Join(args, " ")})
		},
	}

	forceSpeak := &cobra.Command{
		Use:   "force-speak <persona> <text>",
		Short: "Make a persona speak, skipping the director",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return sendCommand(cmd.Context(), loop.CmdForceSpeak, loop.ForceSpeakPayload{
				PersonaID: args[0],
				Text:      strings.Join(args[1:], " "),
			})
		},
	}

	reset := &cobra.Command{
		Use:   "reset-cooldowns",
		Short: "Return every persona to idle",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return sendCommand(cmd.Context(), loop.CmdResetCooldowns, nil)
		},
	}

	dsl := &cobra.Command{
		Use:   "dsl <commands>",
		Short: `Apply dashboard notes commands, e.g. '[[notes:append "todo"]]'`,
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return sendCommand(cmd.Context(), loop.CmdExecDSL, loop.ExecDSLPayload{Text: strings.Join(args, " ")})
		},
	}

	tick := &cobra.Command{
		Use:   "tick",
		Short: "Run a perception tick now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return sendCommand(cmd.Context(), loop.CmdTickNow, nil)
		},
	}

	chat := &cobra.Command{
		Use:   "chat",
		Short: "Interactive session: type to chat, persona lines are printed",
		Args:  cobra.NoArgs,
		RunE:  runChat,
	}

	root.AddCommand(tail, say, forceSpeak, reset, dsl, tick, chat)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := root.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func dial(ctx context.Context) (*websocket.Conn, error) {
	dctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(dctx, serverURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", serverURL, err)
	}
	conn.SetReadLimit(16 << 20)
	return conn, nil
}

func sendCommand(ctx context.Context, name string, payload interface{}) error {
	msg := bridge.DebugCommand{Command: name}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		msg.Payload = raw
	}
	return send(ctx, msg)
}

// send delivers one inbound frame through Redis or the websocket.
func send(ctx context.Context, msg bridge.Inbound) error {
	if redisURL != "" {
		opts, err := redis.ParseURL(redisURL)
		if err != nil {
			return fmt.Errorf("parse redis url: %w", err)
		}
		rdb := redis.NewClient(opts)
		defer rdb.Close()
		if err := bridge.Publish(ctx, rdb, redisStream, msg); err != nil {
			return fmt.Errorf("publish: %w", err)
		}
		fmt.Printf("queued %s on %s\n", msg.InboundType(), redisStream)
		return nil
	}

	conn, err := dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	data, err := bridge.EncodeInbound(msg)
	if err != nil {
		return err
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	if _, ok := msg.(bridge.DebugCommand); !ok {
		fmt.Printf("sent %s\n", msg.InboundType())
		return nil
	}
	return awaitResult(ctx, conn)
}

// awaitResult prints the command_result answering a debug command.
func awaitResult(ctx context.Context, conn *websocket.Conn) error {
	rctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	for {
		_, data, err := conn.Read(rctx)
		if err != nil {
			return fmt.Errorf("waiting for result: %w", err)
		}
		var res struct {
			Type    string `json:"type"`
			Command string `json:"command"`
			Content string `json:"content"`
			Error   string `json:"error"`
		}
		if json.Unmarshal(data, &res) != nil || res.Type != "command_result" {
			continue
		}
		if res.Error != "" {
			return fmt.Errorf("%s: %s", res.Command, res.Error)
		}
		fmt.Println(res.Content)
		return nil
	}
}

func runChat(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	conn, err := dial(ctx)
	if err != nil {
		return err
	}
	defer conn.CloseNow()

	fmt.Println("dewet chat")
	fmt.Printf("Server: %s\n", serverURL)
	fmt.Println("Type 'exit' or 'quit' to leave.")
	fmt.Println("---")

	go func() {
		_ = printEvents(ctx, conn)
	}()

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" {
			fmt.Println("Bye!")
			return nil
		}
		data, err := bridge.EncodeInbound(bridge.UserChat{Text: input})
		if err != nil {
			return err
		}
		if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
			return fmt.Errorf("write: %w", err)
		}
	}
	return scanner.Err()
}

func printEvents(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}
		if line := formatEvent(data); line != "" {
			fmt.Println(line)
		}
	}
}

// formatEvent renders one frame for the terminal; noisy events are skipped.
func formatEvent(data []byte) string {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return ""
	}
	switch head.Type {
	case "speak":
		var sp bridge.Speak
		_ = json.Unmarshal(data, &sp)
		return fmt.Sprintf("\033[36m%s\033[0m: %s", sp.Name, sp.Text)
	case "decision_update":
		var du bridge.DecisionUpdate
		_ = json.Unmarshal(data, &du)
		line := fmt.Sprintf("[decision] %s", du.Decision.Kind)
		if du.Decision.PersonaID != "" {
			line += " " + du.Decision.PersonaID
		}
		return fmt.Sprintf("%s: %s (hot %d warm %d cold %d)", line, du.Decision.Reason,
			du.Tiers.Hot, du.Tiers.Warm, du.Tiers.Cold)
	case "vision_analysis":
		var va bridge.VisionAnalysis
		_ = json.Unmarshal(data, &va)
		return fmt.Sprintf("[vision] change=%v %s", va.SignificantChange, va.Description)
	case "command_result":
		var cr bridge.CommandResult
		_ = json.Unmarshal(data, &cr)
		if cr.Error != "" {
			return fmt.Sprintf("[%s] error: %s", cr.Command, cr.Error)
		}
		return fmt.Sprintf("[%s] %s", cr.Command, cr.Content)
	case "hello":
		var h bridge.Hello
		_ = json.Unmarshal(data, &h)
		names := make([]string, len(h.Personas))
		for i, p := range h.Personas {
			names[i] = p.Name
		}
		return fmt.Sprintf("[hello] dewet %s with %s", h.Version, strings.Join(names, ", "))
	case "log":
		if !showLogs {
			return ""
		}
		var l bridge.Log
		_ = json.Unmarshal(data, &l)
		return fmt.Sprintf("[%s] %s", l.Level, l.Message)
	default:
		return ""
	}
}
