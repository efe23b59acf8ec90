package failover

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// KeepAlivePinger periodically pings the shared state store to prevent the
// primary environment from being idle-evicted. Deliberately kept separate
// from Orchestrator.Tick's hour counter: ping traffic does not burn compute
// hours; the counter advances with elapsed time while the primary is active.
type KeepAlivePinger struct {
	cron   *cron.Cron
	remote StateStore
	log    zerolog.Logger
}

// NewKeepAlivePinger builds a pinger that has not yet started.
func NewKeepAlivePinger(remote StateStore, log zerolog.Logger) *KeepAlivePinger {
	return &KeepAlivePinger{
		cron:   cron.New(cron.WithSeconds()),
		remote: remote,
		log:    log.With().Str("component", "keepalive_pinger").Logger(),
	}
}

// Start schedules a ping every interval and begins running it in the
// background. Call Stop to drain in-flight pings before shutdown.
func (p *KeepAlivePinger) Start(interval time.Duration) error {
	schedule := "@every " + interval.String()
	_, err := p.cron.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := p.remote.Ping(ctx); err != nil {
			p.log.Warn().Err(err).Msg("keep-alive ping failed")
			return
		}
		p.log.Debug().Msg("keep-alive ping succeeded")
	})
	if err != nil {
		return err
	}
	p.cron.Start()
	return nil
}

// Stop halts the cron scheduler and waits for any in-flight ping to finish.
func (p *KeepAlivePinger) Stop() {
	ctx := p.cron.Stop()
	<-ctx.Done()
}
