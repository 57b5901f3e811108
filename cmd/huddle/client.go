package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/dkeye/huddle/internal/adapters/rtc"
	"github.com/dkeye/huddle/internal/adapters/storews"
	"github.com/dkeye/huddle/internal/app/directory"
	"github.com/dkeye/huddle/internal/app/orch"
	"github.com/dkeye/huddle/internal/app/rooms"
	"github.com/dkeye/huddle/internal/app/signaling"
	"github.com/dkeye/huddle/internal/config"
	"github.com/dkeye/huddle/internal/core"
	"github.com/dkeye/huddle/internal/domain"
	"github.com/dkeye/huddle/internal/identity"
	"github.com/rs/zerolog/log"
)

// client is one signed-in participant talking to a huddle server.
type client struct {
	ids   *identity.Remote
	store *storews.Client
	rooms *rooms.Service
	dir   *directory.Directory
	orch  *orch.Orchestrator
	user  *domain.User
}

// parseAudio turns the client.audio setting into a capture: "silence" or
// "ogg:<path>".
func parseAudio(source string) (core.AudioCapture, error) {
	switch {
	case source == "" || source == "silence":
		return rtc.SilenceCapture{}, nil
	case strings.HasPrefix(source, "ogg:"):
		path := strings.TrimPrefix(source, "ogg:")
		if path == "" {
			return nil, fmt.Errorf("audio %q: missing file", source)
		}
		return rtc.OggCapture{Path: path}, nil
	}
	return nil, fmt.Errorf("audio %q: want silence or ogg:<path>", source)
}

func connect(ctx context.Context, cfg *config.Config) (*client, error) {
	capture, err := parseAudio(cfg.Client.Audio)
	if err != nil {
		return nil, err
	}

	ids, err := identity.NewRemote(cfg.Client.HTTPURL)
	if err != nil {
		return nil, err
	}
	user, err := ids.SignIn(ctx, domain.UserID(cfg.Client.UserID), cfg.Client.DisplayName)
	if err != nil {
		return nil, fmt.Errorf("sign in: %w", err)
	}

	store, err := storews.Dial(ctx, cfg.Client.ServerURL, ids.Token())
	if err != nil {
		return nil, fmt.Errorf("connect store: %w", err)
	}

	rs, err := rooms.NewService(store, ids)
	if err != nil {
		store.Close()
		return nil, err
	}

	rtcCfg := rtc.DefaultConfig()
	rtcCfg.ICEServers = cfg.ICEServers
	rtcCfg.UDPPortMin = cfg.UDPPortMin
	rtcCfg.UDPPortMax = cfg.UDPPortMax
	factory, err := rtc.NewFactory(rtcCfg)
	if err != nil {
		store.Close()
		return nil, err
	}

	dir := directory.New(store)
	engine := signaling.NewEngine(store, capture, factory, &rtc.RTPSink{Dir: cfg.Client.RecordDir})
	o := orch.New(ids, rs, dir, engine, orch.Options{
		StrictClaim: cfg.Voice.StrictClaim,
		PublicURL:   cfg.PublicURL,
	})

	log.Info().Str("module", "cli").Str("user", string(user.ID)).Str("server", cfg.Client.ServerURL).Msg("connected")
	return &client{ids: ids, store: store, rooms: rs, dir: dir, orch: o, user: user}, nil
}

func (c *client) Close() {
	if err := c.store.Close(); err != nil {
		log.Debug().Err(err).Str("module", "cli").Msg("close store")
	}
}
