// Package rtc implements the media side of calls with pion: peer
// connections, local audio sources and remote audio sinks.
package rtc

import (
	"context"
	"errors"
	"fmt"

	"github.com/dkeye/huddle/internal/core"
	"github.com/google/uuid"
	"github.com/pion/ice/v4"
	"github.com/pion/interceptor"
	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"
)

var ErrNoAudio = errors.New("session description has no audio section")

type Config struct {
	ICEServers []string
	// UDPPortMin and UDPPortMax bound the ports used for ICE; zero means any.
	UDPPortMin uint16
	UDPPortMax uint16
	// IncludeLoopback gathers candidates on loopback interfaces.
	IncludeLoopback bool
}

func DefaultConfig() Config {
	return Config{ICEServers: []string{"stun:stun.l.google.com:19302"}}
}

// Factory creates peer connections that share one configured API.
type Factory struct {
	api *webrtc.API
	cfg webrtc.Configuration
}

func NewFactory(cfg Config) (*Factory, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, err
	}

	settings := webrtc.SettingEngine{}
	settings.SetICEMulticastDNSMode(ice.MulticastDNSModeDisabled)
	if cfg.IncludeLoopback {
		settings.SetIncludeLoopbackCandidate(true)
	}
	if cfg.UDPPortMin != 0 || cfg.UDPPortMax != 0 {
		if err := settings.SetEphemeralUDPPortRange(cfg.UDPPortMin, cfg.UDPPortMax); err != nil {
			return nil, fmt.Errorf("udp port range: %w", err)
		}
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(settings),
	)

	var servers []webrtc.ICEServer
	if len(cfg.ICEServers) > 0 {
		servers = []webrtc.ICEServer{{URLs: cfg.ICEServers}}
	}
	return &Factory{api: api, cfg: webrtc.Configuration{ICEServers: servers}}, nil
}

func (f *Factory) NewTransport(ctx context.Context) (core.PeerTransport, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	pc, err := f.api.NewPeerConnection(f.cfg)
	if err != nil {
		return nil, err
	}
	return newConnection(pc, uuid.NewString()), nil
}

// RequireAudio checks that an SDP blob negotiates at least one audio section.
func RequireAudio(raw string) error {
	var desc sdp.SessionDescription
	if err := desc.Unmarshal([]byte(raw)); err != nil {
		return fmt.Errorf("parse sdp: %w", err)
	}
	for _, m := range desc.MediaDescriptions {
		if m.MediaName.Media == "audio" {
			return nil
		}
	}
	return ErrNoAudio
}

var _ core.TransportFactory = (*Factory)(nil)
