package rtc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkeye/huddle/internal/core"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/oggreader"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"
	"github.com/rs/zerolog/log"
)

const (
	frameDuration = 20 * time.Millisecond
	opusClockRate = 48000
	opusChannels  = 2
)

// opusSilence is a single 20ms Opus frame of digital silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

// localAudio feeds an Opus sample track from a background pump.
type localAudio struct {
	track  *webrtc.TrackLocalStaticSample
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func newLocalAudio(streamID string) (*localAudio, context.Context, error) {
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: opusClockRate, Channels: opusChannels},
		"audio", streamID,
	)
	if err != nil {
		return nil, nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &localAudio{track: track, cancel: cancel, done: make(chan struct{})}, ctx, nil
}

func (a *localAudio) Track() webrtc.TrackLocal { return a.track }

func (a *localAudio) Stop() {
	a.once.Do(func() {
		a.cancel()
		<-a.done
	})
}

// SilenceCapture produces a silent Opus stream. It stands in for a
// microphone on headless hosts.
type SilenceCapture struct{}

func (SilenceCapture) Acquire(ctx context.Context) (core.LocalAudio, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", core.ErrMediaAcquisition, err)
	}
	a, pumpCtx, err := newLocalAudio(uuid.NewString())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", core.ErrMediaAcquisition, err)
	}
	go func() {
		defer close(a.done)
		ticker := time.NewTicker(frameDuration)
		defer ticker.Stop()
		for {
			select {
			case <-pumpCtx.Done():
				return
			case <-ticker.C:
				if err := a.track.WriteSample(media.Sample{Data: opusSilence, Duration: frameDuration}); err != nil {
					log.Debug().Err(err).Str("module", "media").Msg("silence write")
				}
			}
		}
	}()
	return a, nil
}

// OggCapture plays an Ogg/Opus file as the local stream, looping at EOF.
type OggCapture struct {
	Path string
}

func (c OggCapture) Acquire(ctx context.Context) (core.LocalAudio, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", core.ErrMediaAcquisition, err)
	}
	f, err := os.Open(c.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", core.ErrMediaAcquisition, err)
	}
	reader, _, err := oggreader.NewWith(f)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("%w: %s: %w", core.ErrMediaAcquisition, c.Path, err)
	}
	a, pumpCtx, err := newLocalAudio(uuid.NewString())
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("%w: %w", core.ErrMediaAcquisition, err)
	}
	go func() {
		defer close(a.done)
		defer f.Close()
		c.pump(pumpCtx, a.track, f, reader)
	}()
	return a, nil
}

func (c OggCapture) pump(ctx context.Context, track *webrtc.TrackLocalStaticSample, f *os.File, reader *oggreader.OggReader) {
	ticker := time.NewTicker(frameDuration)
	defer ticker.Stop()

	var lastGranule uint64
	for {
		page, header, err := reader.ParseNextPage()
		if errors.Is(err, io.EOF) {
			if _, err := f.Seek(0, io.SeekStart); err != nil {
				log.Warn().Err(err).Str("module", "media").Str("path", c.Path).Msg("rewind failed")
				return
			}
			if reader, _, err = oggreader.NewWith(f); err != nil {
				log.Warn().Err(err).Str("module", "media").Str("path", c.Path).Msg("reopen failed")
				return
			}
			lastGranule = 0
			continue
		}
		if err != nil {
			log.Warn().Err(err).Str("module", "media").Str("path", c.Path).Msg("ogg read failed")
			return
		}

		// Opus runs at 48kHz regardless of the source rate.
		samples := header.GranulePosition - lastGranule
		lastGranule = header.GranulePosition
		duration := time.Duration(float64(samples)/opusClockRate*1000) * time.Millisecond
		if duration <= 0 {
			duration = frameDuration
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if err := track.WriteSample(media.Sample{Data: page, Duration: duration}); err != nil {
			log.Debug().Err(err).Str("module", "media").Msg("ogg sample write")
		}
	}
}

// RTPSink drains remote audio. With Dir set every remote track is recorded
// to an Ogg file there.
type RTPSink struct {
	Dir string

	packets atomic.Int64
}

// Packets reports how many RTP packets were read across all tracks.
func (s *RTPSink) Packets() int64 { return s.packets.Load() }

func (s *RTPSink) Attach(remote core.RemoteAudio) func() {
	var stopped atomic.Bool

	var writer *oggwriter.OggWriter
	if s.Dir != "" {
		name := filepath.Join(s.Dir, fmt.Sprintf("%s-%d.ogg", remote.ID(), time.Now().UnixMilli()))
		w, err := oggwriter.New(name, opusClockRate, opusChannels)
		if err != nil {
			log.Warn().Err(err).Str("module", "media").Str("path", name).Msg("recording disabled")
		} else {
			writer = w
		}
	}

	go func() {
		defer func() {
			if writer != nil {
				if err := writer.Close(); err != nil {
					log.Warn().Err(err).Str("module", "media").Msg("close recording")
				}
			}
		}()
		for !stopped.Load() {
			pkt, _, err := remote.ReadRTP()
			if err != nil {
				if !errors.Is(err, io.EOF) {
					log.Debug().Err(err).Str("module", "media").Str("track", remote.ID()).Msg("remote read ended")
				}
				return
			}
			s.packets.Add(1)
			if writer != nil && !stopped.Load() {
				if err := writer.WriteRTP(pkt); err != nil {
					log.Debug().Err(err).Str("module", "media").Msg("record write")
				}
			}
		}
	}()

	return func() { stopped.Store(true) }
}

var (
	_ core.AudioCapture = SilenceCapture{}
	_ core.AudioCapture = OggCapture{}
	_ core.AudioSink    = (*RTPSink)(nil)
)
