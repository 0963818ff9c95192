package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/coral-mesh/gcscope/internal/cli/helpers"
	"github.com/coral-mesh/gcscope/internal/config"
	gcerrors "github.com/coral-mesh/gcscope/internal/errors"
	"github.com/coral-mesh/gcscope/internal/logging"
	"github.com/coral-mesh/gcscope/internal/privilege"
	"github.com/coral-mesh/gcscope/internal/symbols"
	"github.com/coral-mesh/gcscope/internal/target"
	"github.com/coral-mesh/gcscope/internal/transport/corefile"
	"github.com/coral-mesh/gcscope/internal/transport/live"
	"github.com/coral-mesh/gcscope/pkg/gcscope"
)

// app holds state shared by every command: the layered config and the
// logger built from it.
type app struct {
	configPath string
	logLevel   string

	loader *config.Loader
	loaded *config.Loaded
	logger zerolog.Logger

	// wrapTransport, when set, wraps every opened transport.
	wrapTransport func(target.Transport) target.Transport
}

func (a *app) init(cmd *cobra.Command) error {
	a.loader = config.NewLoader()
	loaded, err := a.loader.Load(a.configPath)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("log-level") {
		loaded.Config.Logging.Level = a.logLevel
		loaded.Layers = append(loaded.Layers, config.LayerFlags)
	}
	a.loaded = loaded

	a.logger = logging.New(logging.Config{
		Level:  loaded.Config.Logging.Level,
		Pretty: loaded.Config.Logging.Pretty,
		Output: cmd.ErrOrStderr(),
	})
	if loaded.Path != "" {
		a.logger.Debug().Str("path", loaded.Path).Strs("env", loaded.EnvOverrides).Msg("Config loaded")
	}
	return nil
}

// targetOptions are the flags that select and locate a target.
type targetOptions struct {
	pid          int
	core         string
	exe          string
	symbol       string
	globals      helpers.AddressFlag
	loadBase     helpers.AddressFlag
	pointerSize  int
	freeze       bool
	allowNonCore bool
}

func addTargetFlags(cmd *cobra.Command, o *targetOptions) {
	f := cmd.Flags()
	f.IntVarP(&o.pid, "pid", "p", 0, "Inspect a running process")
	f.StringVar(&o.core, "core", "", "Inspect an ELF core dump")
	f.StringVar(&o.exe, "exe", "", "Executable of the core dump, for symbol lookup")
	f.StringVar(&o.symbol, "symbol", "", "Globals pointer symbol (default from config)")
	f.Var(&o.globals, "globals-addr", "Address of the globals pointer; skips symbol lookup")
	f.Var(&o.loadBase, "load-base", "Runtime base of a PIE executable in a core dump")
	f.IntVar(&o.pointerSize, "pointer-size", 0, "Override the target pointer width (4 or 8)")
	f.BoolVar(&o.freeze, "freeze", false, "Stop a live target with SIGSTOP while reading")
	f.BoolVar(&o.allowNonCore, "allow-non-core", false, "Accept an executable or shared object as --core")
	cmd.MarkFlagsMutuallyExclusive("pid", "core")
	cmd.MarkFlagsOneRequired("pid", "core")
	_ = cmd.MarkFlagFilename("core")
	_ = cmd.MarkFlagFilename("exe")
}

// targetConfig applies changed target flags over the loaded config and
// validates the result.
func (a *app) targetConfig(cmd *cobra.Command, o *targetOptions) (*config.Config, error) {
	cfg := *a.loaded.Config
	f := cmd.Flags()
	changed := false
	if f.Changed("symbol") {
		cfg.Target.GlobalsSymbol, changed = o.symbol, true
	}
	if f.Changed("globals-addr") {
		cfg.Target.GlobalsAddress, changed = o.globals.String(), true
	}
	if f.Changed("load-base") {
		cfg.Target.LoadBase, changed = o.loadBase.String(), true
	}
	if f.Changed("pointer-size") {
		cfg.Target.PointerSize, changed = o.pointerSize, true
	}
	if f.Changed("freeze") {
		cfg.Target.Freeze, changed = o.freeze, true
	}
	if changed && !hasLayer(a.loaded.Layers, config.LayerFlags) {
		a.loaded.Layers = append(a.loaded.Layers, config.LayerFlags)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func hasLayer(layers []config.Layer, l config.Layer) bool {
	for _, x := range layers {
		if x == l {
			return true
		}
	}
	return false
}

// resolveGlobals finds the globals pointer: an explicit address wins, then
// the symbol in the live executable or the core's --exe.
func (a *app) resolveGlobals(o *targetOptions, tc config.TargetConfig) (target.Address, error) {
	addr, err := tc.GlobalsAddr()
	if err != nil {
		return target.Null, err
	}
	if addr != 0 {
		return target.Address(addr), nil
	}

	resolver := symbols.NewResolver(a.logger)
	if o.pid != 0 {
		return resolver.ResolvePid(o.pid, tc.GlobalsSymbol)
	}
	if o.exe == "" {
		return target.Null, fmt.Errorf("--exe or --globals-addr is required to locate %s in a core dump", tc.GlobalsSymbol)
	}
	base, err := tc.LoadBaseAddr()
	if err != nil {
		return target.Null, err
	}
	return resolver.Resolve(o.exe, tc.GlobalsSymbol, base)
}

func (a *app) openTransport(o *targetOptions, tc config.TargetConfig) (target.Transport, error) {
	if o.pid != 0 {
		return live.Open(live.Config{Pid: o.pid, Freeze: tc.Freeze, Logger: a.logger})
	}
	return corefile.Open(o.core, corefile.Config{AllowNonCore: o.allowNonCore, Logger: a.logger})
}

// openSession resolves the globals pointer, opens the transport and loads
// the layout table.
func (a *app) openSession(ctx context.Context, cmd *cobra.Command, o *targetOptions) (*gcscope.Session, error) {
	cfg, err := a.targetConfig(cmd, o)
	if err != nil {
		return nil, err
	}

	globals, err := a.resolveGlobals(o, cfg.Target)
	if err != nil {
		return nil, fmt.Errorf("failed to locate diagnostics globals: %w", err)
	}

	transport, err := a.openTransport(o, cfg.Target)
	if err != nil {
		a.hint(o)
		return nil, fmt.Errorf("failed to open target: %w", err)
	}
	if a.wrapTransport != nil {
		transport = a.wrapTransport(transport)
	}

	sess, err := gcscope.OpenSession(ctx, transport, gcscope.Config{
		GlobalsAddress: globals,
		PointerSize:    cfg.Target.PointerSize,
		CacheCapacity:  cfg.Cache.Capacity,
		MaxReadSize:    cfg.Cache.MaxReadSize,
		MaxHeaps:       cfg.Walk.MaxHeaps,
		MaxSegments:    cfg.Walk.MaxSegments,
		PublishWait:    cfg.RetryConfig(),
		Logger:         a.logger,
	})
	if err != nil {
		if errors.Is(err, gcerrors.TargetUnreadable) || errors.Is(err, gcerrors.DiagnosticsUnsupported) {
			a.hint(o)
		}
		return nil, err
	}
	return sess, nil
}

// hint logs why a live target refused a read, when that can be guessed.
func (a *app) hint(o *targetOptions) {
	if o.pid == 0 {
		return
	}
	if h := privilege.TraceHint(o.pid); h != "" {
		a.logger.Warn().Int("pid", o.pid).Msg(h)
	}
}

// closeSession closes s and logs read counters.
func (a *app) closeSession(s *gcscope.Session) {
	stats := s.Stats()
	a.logger.Debug().
		Uint64("reads", stats.Reads).
		Uint64("cache_hits", stats.CacheHits).
		Uint64("failures", stats.Failures).
		Msg("Read statistics")
	if err := s.Close(); err != nil {
		a.logger.Warn().Err(err).Msg("Failed to close session")
	}
}
