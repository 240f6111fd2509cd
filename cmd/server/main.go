package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/bearerworks/go-session-service/internal/config"
	"github.com/bearerworks/go-session-service/server"
	"github.com/bearerworks/go-session-service/sessions"
	"github.com/bearerworks/go-session-service/sessions/redisstore"
	"github.com/bearerworks/go-session-service/sessions/storefakes"
	"github.com/bearerworks/go-session-service/token"
	"github.com/bearerworks/go-session-service/users/dirfake"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func main() {
	log := zerolog.New(os.Stderr).With().Timestamp().Logger()

	for {
		if err := run(log); err != nil {
			log.Fatal().Err(err).Msg("error running server")
			time.Sleep(1 * time.Second)
		} else {
			break
		}
	}
	log.Info().Msg("server stopped")
}

func run(log zerolog.Logger) (returnError error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("recovered from panic")
			debug.PrintStack()
			returnError = errors.New("panic recovered")
		}
	}()

	c := config.New()

	secret := c.GetTokenSecret()
	if secret == "" {
		return errors.New("TOKEN_SECRET is required")
	}

	codec, err := token.NewCodec(token.NewHMACSigner(secret), c.GetTokenIssuer(), c.GetTokenAudience())
	if err != nil {
		return errors.Wrap(err, "token.NewCodec")
	}

	store, err := newStore(c, log)
	if err != nil {
		return err
	}

	// The account subsystem is external; the in-memory directory stands in
	// for it until one is wired.
	directory := dirfake.NewFakeDirectory()

	manager, err := sessions.NewManager(store, directory, codec, sessions.Policy{
		AccessTokenTTL:  c.GetAccessTokenTTL(),
		RefreshTokenTTL: c.GetRefreshTokenTTL(),
		MultiSignIn:     c.GetMultiSignIn(),
		MultiSignOut:    c.GetMultiSignOut(),
	})
	if err != nil {
		return errors.Wrap(err, "sessions.NewManager")
	}

	handler, err := server.New(log, manager, directory, codec)
	if err != nil {
		return errors.Wrap(err, "server.New")
	}

	httpServer := &http.Server{Addr: c.GetPort(), Handler: handler}
	go listenAndServe(log, httpServer)
	waitForStopSignal()
	return shutdown(httpServer)
}

func newStore(c config.Config, log zerolog.Logger) (sessions.Store, error) {
	addr := c.GetRedisAddr()
	if addr == "" {
		log.Info().Msg("using in-memory session store")
		return storefakes.NewFakeSessionStore(), nil
	}

	log.Info().Str("addr", addr).Msg("using redis session store")
	client := redis.NewClient(&redis.Options{Addr: addr})
	return redisstore.New(client)
}

func listenAndServe(log zerolog.Logger, server *http.Server) {
	log.Info().Str("addr", server.Addr).Msg("server listening")
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error().Err(err).Msg("server.ListenAndServe")
	}
}

func waitForStopSignal() {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
}

func shutdown(server *http.Server) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return errors.Wrap(err, "server.Shutdown")
	}
	return nil
}
