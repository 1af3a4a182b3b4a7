package main

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/cjwcoding/ADSkipper/internal/config"
	"github.com/cjwcoding/ADSkipper/internal/engine"
	"github.com/cjwcoding/ADSkipper/internal/metrics"
	"github.com/cjwcoding/ADSkipper/internal/rules"
	"github.com/cjwcoding/ADSkipper/internal/util"
)

type configReloader struct {
	mu             sync.Mutex
	path           string
	logger         *util.Logger
	engine         *engine.Engine
	store          rules.Store
	metrics        *metrics.Collector
	forceDryRun    bool
	lastConfig     *config.Config
	lastSerialized []byte
}

func newConfigReloader(path string, logger *util.Logger, eng *engine.Engine, store rules.Store, metrics *metrics.Collector, cfg *config.Config, serialized []byte) *configReloader {
	return &configReloader{
		path:           path,
		logger:         logger,
		engine:         eng,
		store:          store,
		metrics:        metrics,
		lastConfig:     cfg,
		lastSerialized: append([]byte(nil), serialized...),
	}
}

// Reload is safe to call from the control server and the signal loop at the
// same time.
func (r *configReloader) Reload(reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logger.Infof("%s, reloading config", reason)
	raw, err := os.ReadFile(r.path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	cfg, err := config.Parse(raw)
	if err != nil {
		r.logDiff(raw)
		return err
	}
	if lintErrs := cfg.Lint(); len(lintErrs) > 0 {
		r.logLintErrors(lintErrs)
		r.logDiff(raw)
		return errors.New(lintErrs[0].Error())
	}
	if r.lastConfig != nil && (cfg.Store != r.lastConfig.Store || cfg.Events != r.lastConfig.Events || cfg.ADB != r.lastConfig.ADB) {
		r.logger.Warnf("store, adb and events settings take effect after restart")
	}
	parts, err := buildPipeline(cfg, r.store, r.metrics, r.logger, r.forceDryRun)
	if err != nil {
		r.logDiff(raw)
		return err
	}

	r.engine.Reconfigure(parts.opts, parts.matcher, parts.resolver)
	if r.metrics != nil {
		r.metrics.SetEnabled(cfg.Telemetry.Enabled)
	}
	if r.lastConfig != nil {
		if diff := config.DiffEffective(r.lastConfig, cfg); diff != "" {
			r.logger.Debugf("effective config changed:\n%s", diff)
		}
	}

	r.lastConfig = cfg
	r.lastSerialized = append([]byte(nil), raw...)
	return nil
}

func (r *configReloader) logDiff(current []byte) {
	diff := config.DiffSerialized(r.lastSerialized, current)
	if diff == "" {
		r.logger.Warnf("config change rejected; unable to compute diff vs last valid config")
		return
	}
	r.logger.Warnf("config change rejected; diff vs last valid config:\n%s", diff)
}

func (r *configReloader) logLintErrors(errs []config.LintError) {
	r.logger.Warnf("config validation failed with %d issue(s):", len(errs))
	for _, lintErr := range errs {
		if lintErr.Path != "" {
			r.logger.Warnf(" - %s: %s", lintErr.Path, lintErr.Message)
			continue
		}
		r.logger.Warnf(" - %s", lintErr.Message)
	}
}
