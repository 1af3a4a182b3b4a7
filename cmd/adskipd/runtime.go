package main

import (
	"fmt"

	"github.com/cjwcoding/ADSkipper/internal/config"
	"github.com/cjwcoding/ADSkipper/internal/engine"
	"github.com/cjwcoding/ADSkipper/internal/metrics"
	"github.com/cjwcoding/ADSkipper/internal/rules"
	"github.com/cjwcoding/ADSkipper/internal/util"
)

// pipelineParts are the config-derived pieces an engine is (re)configured with.
type pipelineParts struct {
	opts     engine.Options
	matcher  *rules.Matcher
	resolver *rules.Resolver
}

func buildPipeline(cfg *config.Config, store rules.Store, collector *metrics.Collector, logger *util.Logger, forceDryRun bool) (pipelineParts, error) {
	matcher, err := rules.NewMatcher(cfg.ShortLabelMax, cfg.CountdownPatterns...)
	if err != nil {
		return pipelineParts{}, fmt.Errorf("compile countdown patterns: %w", err)
	}
	resolver := rules.NewResolver(store, rules.BuildDefaults(cfg.Keywords, cfg.ExtraKeywords), cfg.StoreTimeout(), logger)
	if collector != nil {
		resolver.OnReadError(func(app string, _ error) {
			collector.RecordStoreError(app)
		})
	}
	return pipelineParts{
		opts:     engineOptions(cfg, forceDryRun),
		matcher:  matcher,
		resolver: resolver,
	}, nil
}

// engineOptions extends the built-in ignore lists with the configured ones.
func engineOptions(cfg *config.Config, forceDryRun bool) engine.Options {
	return engine.Options{
		SelfPackage:     cfg.SelfPackage,
		IgnoredPackages: append(engine.DefaultIgnoredPackages(), cfg.IgnoredPackages...),
		IgnoredPrefixes: append(engine.DefaultIgnoredPrefixes(), cfg.IgnoredPrefixes...),
		Cooldown:        cfg.Cooldown(),
		MaxDepth:        cfg.MaxDepth,
		MaxClimb:        cfg.MaxClimb,
		DryRun:          cfg.DryRun || forceDryRun,
	}
}
