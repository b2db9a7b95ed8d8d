// Headless meeting participant. Joins a room, publishes microphone and
// camera, and logs roster changes, chat and incoming media until
// interrupted.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"meshmeet/client"
	"meshmeet/media"
	"meshmeet/model"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	fs := pflag.NewFlagSet("main", pflag.ContinueOnError)
	var (
		serverURL  = fs.StringP("server-url", "s", "ws://localhost:8888/signal", "signaling server url")
		roomID     = fs.StringP("room", "r", "", "room to join")
		name       = fs.StringP("name", "n", "", "display name")
		token      = fs.StringP("token", "t", "", "room access token")
		audio      = fs.Bool("audio", true, "publish microphone")
		video      = fs.Bool("video", true, "publish camera")
		screen     = fs.Bool("screen-share", false, "share the screen after joining")
		iceServers = fs.StringSlice("ice-server", nil, "STUN/TURN server urls")
		logLevel   = fs.StringP("log-level", "l", "info", "log level")
	)
	if err := fs.Parse(os.Args[1:]); err != nil {
		logger.Fatal().Err(err).Msg("failed to parse command line arguments")
	}
	if *roomID == "" {
		logger.Fatal().Msg("room is required")
	}

	lvl, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to parse loglevel")
	}
	logger = logger.Level(lvl)

	devices, err := media.NewDevices(media.Config{})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to init capture devices")
	}

	session := client.NewSession(client.SessionConfig{
		ServerURL:  *serverURL,
		RoomID:     *roomID,
		Name:       *name,
		Token:      *token,
		Audio:      *audio,
		Video:      *video,
		Capturer:   devices,
		ICEServers: *iceServers,
		NewConn: func() (client.MediaConn, error) {
			return devices.NewConn(*iceServers)
		},
		OnChat: func(msg model.ChatBroadcastPayload) {
			logger.Info().Str("from", msg.Name).Str("text", msg.Text).Msg("chat")
		},
		OnRoster: func(roster []model.Participant) {
			logger.Info().Int("participants", len(roster)+1).Msg("roster changed")
		},
		OnRemoteTrack: func(peerID string, track *webrtc.TrackRemote) {
			logger.Info().
				Str("peerID", peerID).
				Str("kind", track.Kind().String()).
				Str("trackID", track.ID()).
				Msg("receiving remote track")
		},
		Logger: &logger,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err = session.Join(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to join room")
	}
	logger.Info().Str("room", *roomID).Msg("joined, running until interrupted")

	if *screen {
		if err = session.StartScreenShare(ctx); err != nil {
			logger.Error().Err(err).Msg("failed to start screen share")
		}
	}

	if err = session.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("session ended")
	}
}
