package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/mitchellh/go-homedir"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"

	"github.com/livekit/protocol/livekit"
	"github.com/livekit/protocol/logger"

	"github.com/whoyao/livekit-client/pkg/config"
	"github.com/whoyao/livekit-client/pkg/e2ee"
	"github.com/whoyao/livekit-client/pkg/media"
	"github.com/whoyao/livekit-client/pkg/session"
)

func main() {
	app := &cli.App{
		Name:    "lkcli",
		Usage:   "join a LiveKit room from the command line",
		Version: config.SDKVersion,
		Commands: []*cli.Command{
			{
				Name:   "join",
				Usage:  "connect to a room, optionally publishing a media file",
				Action: joinCmd,
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "url", Usage: "server url (ws:// or https://)", Required: true},
					&cli.StringFlag{Name: "token", Usage: "access token", Required: true},
					&cli.StringFlag{Name: "config", Usage: "yaml file with connect options"},
					&cli.StringFlag{Name: "publish-file", Usage: "ivf/ogg/h264 file to publish"},
					&cli.StringFlag{Name: "e2ee-key", Usage: "shared passphrase enabling end-to-end encryption"},
					&cli.StringFlag{Name: "log-level", Value: "info"},
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		var sessionErr *session.Error
		if errors.As(err, &sessionErr) {
			os.Exit(int(sessionErr.Kind) + 1)
		}
		os.Exit(1)
	}
}

func loadOptions(path string) (config.ConnectOptions, error) {
	opts := config.DefaultOptions()
	if path == "" {
		return opts, nil
	}
	expanded, err := homedir.Expand(path)
	if err != nil {
		return opts, errors.Wrap(err, "could not expand config path")
	}
	content, err := os.ReadFile(expanded)
	if err != nil {
		return opts, errors.Wrap(err, "could not read config")
	}
	if err := yaml.Unmarshal(content, &opts); err != nil {
		return opts, errors.Wrap(err, "could not parse config")
	}
	return opts, nil
}

func joinCmd(c *cli.Context) error {
	logger.InitFromConfig(&logger.Config{Level: c.String("log-level")}, "lkcli")

	opts, err := loadOptions(c.String("config"))
	if err != nil {
		return err
	}
	if err := opts.Validate(); err != nil {
		return err
	}

	var provider *e2ee.KeyProvider
	encryption := livekit.Encryption_NONE
	if key := c.String("e2ee-key"); key != "" {
		provider = e2ee.NewSharedKeyProvider(key)
		encryption = livekit.Encryption_GCM
	}

	engine := session.NewEngine(session.EngineParams{
		Options:     opts,
		KeyProvider: provider,
		Logger:      logger.GetLogger(),
	})
	defer engine.Close()

	if err := engine.Connect(context.Background(), c.String("url"), c.String("token")); err != nil {
		return err
	}

	if path := c.String("publish-file"); path != "" {
		device, err := media.NewFileDevice("file", path)
		if err != nil {
			return err
		}
		kind := device.Codec().MimeType
		var track *session.LocalTrack
		if kind == "audio/opus" {
			track, err = engine.AddAudioTrack(device, encryption, session.LocalTrackOptions{Name: path})
		} else {
			track, err = engine.AddVideoTrack(device, encryption, session.LocalTrackOptions{Name: path})
		}
		if err != nil {
			return err
		}
		logger.Infow("publishing file", "path", path, "cid", track.Cid())
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case <-sigCh:
			logger.Infow("disconnecting")
			engine.Disconnect()
			return nil
		case event := <-engine.Events():
			switch ev := event.(type) {
			case session.StateChangedEvent:
				logger.Infow("session state changed", "state", ev.State)
			case session.LocalParticipantJoinedEvent:
				logger.Infow("joined room", "sid", ev.Sid, "identity", ev.Identity)
			case session.ParticipantConnectedEvent:
				logger.Infow("participant connected", "sid", ev.Sid, "identity", ev.Identity)
			case session.ParticipantDisconnectedEvent:
				logger.Infow("participant disconnected", "sid", ev.Sid, "identity", ev.Identity)
			case session.RemoteTrackAddedEvent:
				logger.Infow("remote track added", "sid", ev.Sid, "participant", ev.ParticipantSid, "type", ev.Type)
			case session.UserPacketEvent:
				logger.Infow("user packet", "from", ev.SenderIdentity, "bytes", len(ev.Packet.GetPayload()))
			case session.ChatMessageEvent:
				logger.Infow("chat message", "from", ev.SenderIdentity, "message", ev.Message.GetMessage())
			case session.LocalTrackPublishedEvent:
				logger.Infow("local track published", "cid", ev.Cid, "sid", ev.Sid)
			case session.ErrorEvent:
				return ev.Error
			}
		}
	}
}
