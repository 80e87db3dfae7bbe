package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"tablesync/internal/app/httpapi"
	"tablesync/internal/app/rooms"
	"tablesync/pkg/webrtc/ice"
	"tablesync/pkg/webrtc/signaling"
)

var brokerCmd = &cobra.Command{
	Use:   "broker",
	Short: "Run the rendezvous broker used by mesh peers",
	RunE:  runBroker,
}

func runBroker(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	mode, servers := ice.Servers(cfg.ICE, nil)
	iceServers := ice.ToProtocol(servers)

	var (
		rdb       *redis.Client
		roomStore rooms.Store = rooms.NewMemoryStore()
	)
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
		roomStore = rooms.NewRedisStore(rdb, cfg.RedisPrefix)
	}

	hubs := signaling.NewManager(signaling.ManagerOptions{
		ICEServers: iceServers,
		ICEMode:    mode,
		Redis:      rdb,
		Prefix:     cfg.RedisPrefix,
	})
	defer hubs.Close()

	srv := &http.Server{
		Addr: cfg.Addr,
		Handler: httpapi.NewRouter(httpapi.Options{
			Settings: httpapi.Settings{
				ICEMode:     mode,
				ICEServers:  iceServers,
				PublicWSURL: cfg.PublicWSURL,
			},
			Hubs:  hubs,
			Rooms: roomStore,
		}),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			log.Error().Err(err).Msg("broker shutdown")
		}
	}()

	log.Info().
		Str("addr", cfg.Addr).
		Str("ice_mode", mode).
		Int("ice_servers", len(iceServers)).
		Bool("redis", rdb != nil).
		Msg("broker listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}
