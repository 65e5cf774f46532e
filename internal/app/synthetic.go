package app

import (
	"context"
	"slices"
	"time"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"tradecore/internal/feed/simfeed"
	"tradecore/internal/mdg"
	"tradecore/internal/ops"
	"tradecore/internal/schema"
	"tradecore/pkg/exception"
)

// synthetic publishes generated bars on the in-process feed. Every tick
// advances virtual time by the finest subscribed period; coarser generators
// emit when their period closes. The feed ends after the configured bars.
type synthetic struct {
	feed *simfeed.Feed
	spec ops.SyntheticSpec
	norm *mdg.Normalizer
	step time.Duration
	gens []periodic
	want int
}

type periodic struct {
	gen    *mdg.Generator
	period time.Duration
}

func newSynthetic(feed *simfeed.Feed, reg *schema.Registry, spec ops.SyntheticSpec, subs []schema.Subscription) (*synthetic, error) {
	byRes := make(map[schema.Resolution][]string)
	for _, sub := range subs {
		if sub.Resolution.Duration() == 0 {
			return nil, errors.Wrap(exception.ErrInvalidArgument, "synthetic feed only generates bars").With("resolution", sub.Resolution.String())
		}
		byRes[sub.Resolution] = append(byRes[sub.Resolution], reg.NameOf(sub.Symbol))
	}
	resolutions := make([]schema.Resolution, 0, len(byRes))
	for res := range byRes {
		resolutions = append(resolutions, res)
	}
	slices.Sort(resolutions)

	step := resolutions[0].Duration()
	base := time.Now().UTC().Truncate(resolutions[len(resolutions)-1].Duration())
	s := &synthetic{feed: feed, spec: spec, norm: mdg.NewNormalizer(reg), step: step, want: len(subs)}
	for i, res := range resolutions {
		seed := spec.Seed
		if seed != 0 {
			seed += int64(i)
		}
		gen, err := mdg.NewGenerator(mdg.Config{
			Seed:       seed,
			BasePrice:  spec.BasePrice,
			Volume:     spec.Volume,
			StepBps:    spec.StepBps,
			Resolution: res,
			Start:      base.Add(res.Duration()),
		}, byRes[res]...)
		if err != nil {
			return nil, err
		}
		s.gens = append(s.gens, periodic{gen: gen, period: res.Duration()})
	}
	return s, nil
}

// run waits for every live subscription to attach, then publishes one tick
// per interval. A canceled ctx is a normal stop.
func (s *synthetic) run(ctx context.Context) error {
	defer s.feed.End()
	ticker := time.NewTicker(s.spec.Interval)
	defer ticker.Stop()

	for s.feed.Subscribers() < s.want {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}

	for i := 1; i <= s.spec.Bars; i++ {
		elapsed := time.Duration(i) * s.step
		for _, g := range s.gens {
			if elapsed%g.period != 0 {
				continue
			}
			for _, bar := range g.gen.Next() {
				p, err := s.norm.Normalize(bar)
				if err != nil {
					return err
				}
				if _, err := s.feed.Publish(ctx, p); err != nil {
					if ctx.Err() != nil {
						return nil
					}
					return errors.Wrap(err, "publish synthetic bar").With("symbol", bar.Symbol)
				}
			}
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
	logs.Infof("app: synthetic feed published %d ticks", s.spec.Bars)
	return nil
}
