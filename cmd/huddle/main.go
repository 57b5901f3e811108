// Command huddle is the participant client: it signs in against a huddle
// server and drives rooms, chat and calls over the shared store.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/dkeye/huddle/internal/config"
	"github.com/dkeye/huddle/internal/domain"
)

const usage = `usage: huddle [flags] <command> [args]

commands:
  signin                              sign in and print the user
  create-room NAME                    create a room you administer
  join CODE                           enter a room by invite code
  settings ROOM key=true|false ...    change room settings (admin)
  override ROOM USER chat|call true|false|unset
  chat ROOM [TEXT]                    send TEXT, or follow the chat
  voice ROOM                          stay in the voice channel until interrupted
  close-voice ROOM                    end the voice channel for everyone (admin)
  call create ROOM                    start a call and print its share link
  call join LINK | ROOM CALL          answer a call
  call hangup LINK | ROOM CALL        end a call

flags:
`

// bindFlags registers the client flags and maps them onto config keys.
func bindFlags(v *viper.Viper, args []string) ([]string, error) {
	fs := pflag.NewFlagSet("huddle", pflag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		fs.PrintDefaults()
	}
	fs.String("server", "", "store websocket URL")
	fs.String("http", "", "server base URL")
	fs.String("user", "", "stable user id")
	fs.String("name", "", "display name")
	fs.String("audio", "", "audio source: silence or ogg:<path>")
	fs.String("record-dir", "", "record remote audio to this directory")
	fs.String("log-level", "", "log level")
	fs.Bool("strict-claim", true, "claim the voice channel with compare-and-set")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	keys := map[string]string{
		"server":       "client.server_url",
		"http":         "client.http_url",
		"user":         "client.user_id",
		"name":         "client.display_name",
		"audio":        "client.audio",
		"record-dir":   "client.record_dir",
		"log-level":    "log_level",
		"strict-claim": "voice.strict_claim",
	}
	for flag, key := range keys {
		if err := v.BindPFlag(key, fs.Lookup(flag)); err != nil {
			return nil, err
		}
	}
	return fs.Args(), nil
}

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.WarnLevel)

	v := config.New()
	v.SetDefault("log_level", "warn")
	args, err := bindFlags(v, os.Args[1:])
	if errors.Is(err, pflag.ErrHelp) {
		os.Exit(0)
	}
	if err != nil {
		os.Exit(2)
	}
	cfg, err := config.Load(v)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	code, err := run(context.Background(), cfg, os.Stdout, args)
	if errors.Is(err, errUsage) {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "huddle:", err)
		os.Exit(1)
	}
	os.Exit(code)
}

// checkArgs validates the argument count before anything connects.
func checkArgs(args []string) error {
	want := map[string]int{
		"signin":      0,
		"create-room": 1,
		"join":        1,
		"close-voice": 1,
		"voice":       1,
	}
	cmd, rest := args[0], args[1:]
	switch cmd {
	case "settings":
		if len(rest) < 2 {
			return usageError("settings ROOM key=value ...")
		}
	case "override":
		if len(rest) != 4 {
			return usageError("override ROOM USER chat|call true|false|unset")
		}
	case "chat":
		if len(rest) < 1 {
			return usageError("chat ROOM [TEXT]")
		}
	case "call":
		if len(rest) < 2 {
			return usageError("call create|join|hangup ...")
		}
		switch rest[0] {
		case "create":
			if len(rest) != 2 {
				return usageError("call create ROOM")
			}
		case "join", "hangup":
			if len(rest) > 3 {
				return usageError("call %s LINK | ROOM CALL", rest[0])
			}
		default:
			return usageError("unknown call command %q", rest[0])
		}
	default:
		n, ok := want[cmd]
		if !ok {
			return usageError("unknown command %q", cmd)
		}
		if len(rest) != n {
			return usageError("%s takes %d argument(s)", cmd, n)
		}
	}
	return nil
}

func run(ctx context.Context, cfg *config.Config, out io.Writer, args []string) (int, error) {
	if err := checkArgs(args); err != nil {
		return 2, err
	}
	c, err := connect(ctx, cfg)
	if err != nil {
		return 1, err
	}
	defer c.Close()

	cmd, rest := args[0], args[1:]
	switch cmd {
	case "signin":
		fmt.Fprintf(out, "%s (%s)\n", c.user.DisplayName, c.user.ID)
		return 0, nil
	case "create-room":
		return 0, c.createRoom(ctx, out, rest[0])
	case "join":
		return 0, c.join(ctx, out, rest[0])
	case "settings":
		return 0, c.settings(ctx, out, domain.RoomID(rest[0]), rest[1:])
	case "override":
		return 0, c.override(ctx, out, domain.RoomID(rest[0]), domain.UserID(rest[1]), rest[2], rest[3])
	case "chat":
		return c.chat(ctx, out, domain.RoomID(rest[0]), strings.Join(rest[1:], " "))
	case "voice":
		return c.voice(ctx, out, domain.RoomID(rest[0]))
	case "close-voice":
		return 0, c.closeVoice(ctx, out, domain.RoomID(rest[0]))
	}

	// call subcommands
	switch rest[0] {
	case "create":
		return c.callCreate(ctx, out, domain.RoomID(rest[1]))
	case "join":
		return c.callJoin(ctx, out, rest[1:])
	default:
		return 0, c.callHangUp(ctx, out, rest[1:])
	}
}
