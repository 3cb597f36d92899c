package app

import (
	"context"
	"fmt"

	"trade_sync/internal/domain"

	"golang.org/x/sync/errgroup"
)

// Run drives the dispatcher and the session until ctx is done. A session that
// fails to start (rejected credentials, bad configuration) ends the run and is
// returned.
func (s *Session) Run(ctx context.Context, settings domain.Settings) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.dispatcher.Run(ctx)
		return nil
	})

	g.Go(func() error {
		defer s.Close()
		if err := s.Start(ctx, settings); err != nil {
			return fmt.Errorf("start session: %w", err)
		}
		s.log.InfoContext(ctx, "✨ Trade Sync fully operational. Press Ctrl+C to exit.")
		<-ctx.Done()
		return nil
	})

	return g.Wait()
}
