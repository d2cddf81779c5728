package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/TheEterna/real-agent-sub001/pkg/server"
)

const shutdownTimeout = 15 * time.Second

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve turns over HTTP with server-sent events",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadSettings()
			if err != nil {
				return err
			}
			if addr, _ := cmd.Flags().GetString("address"); addr != "" {
				s.Server.Address = addr
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			rt, err := newRuntime(ctx, s)
			if err != nil {
				return err
			}
			srv, err := server.New(rt.manager,
				server.WithAddress(s.Server.Address),
				server.WithGatherer(rt.gatherer),
			)
			if err != nil {
				_ = rt.Close(context.Background())
				return err
			}

			eg, ctx := errgroup.WithContext(ctx)
			eg.Go(func() error {
				return rt.router.Run(ctx)
			})
			eg.Go(func() error {
				select {
				case <-rt.router.Running():
				case <-ctx.Done():
					return nil
				}
				log.Debug().Str("provider", s.Provider.Name).Str("topic", s.Server.EventTopic).Msg("event router running")
				return srv.Start()
			})
			eg.Go(func() error {
				<-ctx.Done()
				log.Info().Msg("Shutting down")
				shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				if err := srv.Shutdown(shutdownCtx); err != nil {
					log.Warn().Err(err).Msg("HTTP shutdown")
				}
				return rt.Close(shutdownCtx)
			})

			return eg.Wait()
		},
	}
	cmd.Flags().String("address", "", "Listen address, overrides server.address")
	return cmd
}
