package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"example.com/bpm-party/internal/nickname"
	"example.com/bpm-party/internal/session"
	"example.com/bpm-party/internal/transport"
	"example.com/bpm-party/internal/transport/natsnet"
	"example.com/bpm-party/internal/transport/wsrelay"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	hostAttempts = 3
	nicknameTTL  = 90 * 24 * time.Hour
)

func run(ctx context.Context, cfg *Config, room string, in io.Reader, out io.Writer) error {
	lvl, err := zerolog.ParseLevel(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("parse log level: %w", err)
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(lvl).With().Timestamp().Logger()

	nicks, closeNicks := nicknameStore(cfg)
	defer closeNicks()

	nick := cfg.nick
	if nick == "" {
		if nick, err = nicks.Load(ctx); err != nil {
			logger.Warn().Err(err).Msg("cannot load the last nickname")
		}
	}
	if nick == "" {
		return errors.New("--nick is required the first time")
	}

	tr, recorder, closeTr, err := openTransport(cfg, &logger)
	if err != nil {
		return err
	}
	defer closeTr()

	con := newConsole(out, cfg.shareBase, !cfg.noQR)
	ctrl, err := session.New(session.Config{
		Transport: tr,
		Logger:    &logger,
		Hooks:     con.hooks(),
		Recorder:  recorder,
	})
	if err != nil {
		return err
	}
	con.ctrl = ctrl
	defer ctrl.Leave()

	if room == "" {
		id, err := hostRoom(ctx, ctrl, nick)
		if err != nil {
			return err
		}
		con.announce(id)
		con.printf("%s\n", hostHelp)
	} else {
		if _, err := ctrl.BecomeGuest(ctx, nick, room); err != nil {
			return err
		}
		con.printf("waiting for the host to let you in...\n%s\n", guestHelp)
	}

	if err := nicks.Save(ctx, nick); err != nil {
		logger.Warn().Err(err).Msg("cannot remember the nickname")
	}
	return con.loop(ctx, in)
}

// hostRoom opens a room, minting a new id when the first one is taken.
func hostRoom(ctx context.Context, ctrl *session.Controller, nick string) (string, error) {
	var err error
	for i := 0; i < hostAttempts; i++ {
		var id string
		id, err = ctrl.BecomeHost(ctx, nick)
		if err == nil {
			return id, nil
		}
		if !errors.Is(err, session.ErrIdentityConflict) {
			return "", err
		}
	}
	return "", err
}

func openTransport(cfg *Config, logger *zerolog.Logger) (transport.Transport, session.Recorder, func(), error) {
	if cfg.nats != "" {
		tr, err := natsnet.Connect(natsnet.Config{URL: cfg.nats, Name: "bpm-peer", Logger: logger})
		if err != nil {
			return nil, nil, nil, err
		}
		return tr, nil, tr.Close, nil
	}

	tr, err := wsrelay.New(wsrelay.Config{BaseURL: cfg.relay, Logger: logger})
	if err != nil {
		return nil, nil, nil, err
	}
	return tr, wsrelay.NewRecorder(tr), func() {}, nil
}

func nicknameStore(cfg *Config) (nickname.Store, func()) {
	if cfg.redisAddr == "" {
		return nickname.NewFileStore(cfg.nickFile), func() {}
	}
	rdb := redis.NewClient(&redis.Options{Addr: cfg.redisAddr})
	player, err := os.Hostname()
	if err != nil || player == "" {
		player = "default"
	}
	if u := os.Getenv("USER"); u != "" {
		player = u + "@" + player
	}
	return nickname.NewRedisStore(rdb, player, nicknameTTL), func() { _ = rdb.Close() }
}
