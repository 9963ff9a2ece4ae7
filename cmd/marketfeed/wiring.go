package main

import (
	"context"
	"fmt"

	"github.com/meteo-x/marketfeed/internal/adapter"
	"github.com/meteo-x/marketfeed/internal/cache"
	"github.com/meteo-x/marketfeed/internal/canonical"
	"github.com/meteo-x/marketfeed/internal/clock"
	"github.com/meteo-x/marketfeed/internal/config"
	"github.com/meteo-x/marketfeed/internal/connection"
	"github.com/meteo-x/marketfeed/internal/control"
	"github.com/meteo-x/marketfeed/internal/metrics"
	"github.com/meteo-x/marketfeed/internal/publisher"
	"github.com/meteo-x/marketfeed/internal/router"
	"github.com/meteo-x/marketfeed/internal/wsconn"
)

// service bundles every long-lived component wired from a config.Config,
// mirroring factory.go's CreateDataFacade but at the whole-process scope
// instead of one venue.
type service struct {
	cfg     config.Config
	cache   *cache.Cache
	pub     *publisher.Publisher
	router  *router.Router
	surface *control.Surface
	facades map[string]*adapter.Facade
}

// buildService wires every component from cfg (spec §4.4 facade wiring,
// generalized across every configured exchange).
func buildService(cfg config.Config) (*service, error) {
	clk := clock.Real{}
	reg := metrics.New()
	rtr := router.New(clk)
	rtr.SetMetrics(reg)
	c := cache.New(cfg.Cache, clk)
	c.SetMetrics(reg)
	pub := publisher.New(cfg.Publisher)
	pub.SetMetrics(reg)

	registerChannels(rtr, cfg, c, pub)

	facades := make(map[string]*adapter.Facade, len(cfg.Exchanges))
	for _, ex := range cfg.Exchanges {
		if ex.BaseURL == "" {
			return nil, fmt.Errorf("exchange %s: base_url is required", ex.Name)
		}
		connCfg := connection.Config{
			BaseURL:                 ex.BaseURL,
			MaxStreamsPerConnection: ex.MaxStreamsPerConnection,
			Backoff:                 cfg.Backoff,
			HeartbeatTimeout:        cfg.Heartbeat,
		}
		f := adapter.New(adapter.Config{
			Exchange:                ex.Name,
			BaseURL:                 ex.BaseURL,
			MaxStreamsPerConnection: ex.MaxStreamsPerConnection,
			ConnectionConfig:        connCfg,
			SubscriptionConfig:      cfg.Subscription,
		}, wsconn.GorillaDialer{}, clk, rtr)
		f.SetMetrics(reg)
		facades[ex.Name] = f

		if len(ex.Symbols) > 0 && len(ex.Types) > 0 {
			types := make([]canonical.Type, 0, len(ex.Types))
			for _, t := range ex.Types {
				types = append(types, canonical.Type(t))
			}
			res := f.Subscribe(ex.Symbols, types)
			for _, failed := range res.Failed {
				return nil, fmt.Errorf("exchange %s: initial subscribe %s/%s: %w", ex.Name, failed.Request.Symbol, failed.Request.Type, failed.Err)
			}
		}
	}

	surface := control.New(facades, rtr, c, pub, clk)
	surface.SetMetrics(reg)
	return &service{cfg: cfg, cache: c, pub: pub, router: rtr, surface: surface, facades: facades}, nil
}

// registerChannels wires the Router's three mandatory sinks (spec §4.5):
// publisher, cache, broadcast. cfg.Channels lets an operator retune a
// mandatory channel's capacity/policy/error_streak without changing which
// sink it drives — RouterChannelConfig carries no sink-type field, so a
// channel name that doesn't match one of the three mandatory sinks is
// rejected by config.Validate before reaching here.
func registerChannels(rtr *router.Router, cfg config.Config, c *cache.Cache, pub *publisher.Publisher) {
	overrides := make(map[string]config.RouterChannelConfig, len(cfg.Channels))
	for _, ch := range cfg.Channels {
		overrides[ch.Name] = ch
	}

	register := func(name string, defaults router.ChannelConfig, sink router.SinkFunc) {
		chCfg := defaults
		chCfg.Name = name
		if o, ok := overrides[name]; ok {
			if o.Capacity > 0 {
				chCfg.Capacity = o.Capacity
			}
			if o.Policy != "" {
				chCfg.Policy = router.Policy(o.Policy)
			}
			if o.ErrorStreak > 0 {
				chCfg.ErrorStreak = o.ErrorStreak
			}
		}
		rtr.Register(chCfg, sink)
	}

	register("cache", router.ChannelConfig{Capacity: 4096}, c.Sink())
	register("publisher", router.ChannelConfig{Capacity: 4096}, pub.Sink(context.Background()))

	bc := router.NewBroadcast(256)
	register("broadcast", router.ChannelConfig{Capacity: 4096}, bc.Sink())
}

// Close releases every component that owns a background task or connection.
func (s *service) Close() {
	s.router.Close()
	s.cache.Close()
	_ = s.pub.Close()
	for _, f := range s.facades {
		f.UnsubscribeAll()
		for id := range f.Status().Connections {
			f.Disconnect(id)
		}
	}
}
