// Package modules loads proxy modules from Go plugin (.so) files and binds
// each one to a Connection's dispatch engine, generalising the teacher's
// pipeline/test.go plugin.Open/Lookup idiom and the exported-symbol pattern
// shown by its example plugins.
package modules

import (
	"plugin"
	"sort"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/achetronic/wireproxy/api"
	"github.com/achetronic/wireproxy/conn"
)

const (
	// SymbolName is the exported identifier every module .so must define:
	//
	//	var Module myModuleType
	//
	// where myModuleType's pointer-receiver method set implements api.Module.
	// plugin.Lookup on a variable symbol yields its address, so the looked-up
	// value is already *myModuleType and can be asserted straight to
	// api.Module without any further indirection.
	SymbolName = "Module"

	OpenModuleErrorMessage     = "modules: failed opening %s: %v"
	LookupSymbolErrorMessage   = "modules: %s does not export %q: %v"
	SymbolTypeErrorMessage     = "modules: %s's %q does not implement api.Module"
	ModuleLoadErrorMessage     = "modules: %s.Load failed: %v"
	ModuleLoadedDebugMessage   = "module %s loaded from %s"
	ModuleBoundDebugMessage    = "module %s bound to connection %s"
)

// loadedModule pairs a module instance with the configuration it was loaded
// from, so Registry can keep modules in their configured relative order.
type loadedModule struct {
	cfg api.ModuleConfig
	mod api.Module
}

// Registry holds every module loaded for one proxy instance. Modules are
// opened once, process-wide; BindConnection then calls Load once per new
// Connection with a ModuleAPI scoped to that connection alone, so hook
// registrations and other per-connection state never leak between clients.
type Registry struct {
	logger  *zap.SugaredLogger
	modules []loadedModule
	cache   *api.ModuleCache
}

// Load opens every configured module's plugin file and resolves its exported
// Module symbol. Modules are kept in ascending cfg.Order, stably, so modules
// sharing an order retain their configuration order (mirrors orderGroup's
// registration-order tie-break in the dispatch engine).
func Load(logger *zap.SugaredLogger, cfgs []api.ModuleConfig) (*Registry, error) {
	r := &Registry{
		logger: logger,
		cache:  api.NewModuleCache(),
	}

	for _, cfg := range cfgs {
		plug, err := plugin.Open(cfg.Path)
		if err != nil {
			return nil, errors.Wrapf(err, OpenModuleErrorMessage, cfg.Path, err)
		}

		sym, err := plug.Lookup(SymbolName)
		if err != nil {
			return nil, errors.Wrapf(err, LookupSymbolErrorMessage, cfg.Path, SymbolName, err)
		}

		mod, ok := sym.(api.Module)
		if !ok {
			return nil, errors.Errorf(SymbolTypeErrorMessage, cfg.Path, SymbolName)
		}

		logger.Debugf(ModuleLoadedDebugMessage, mod.Name(), cfg.Path)
		r.modules = append(r.modules, loadedModule{cfg: cfg, mod: mod})
	}

	sort.SliceStable(r.modules, func(i, j int) bool {
		return r.modules[i].cfg.Order < r.modules[j].cfg.Order
	})

	return r, nil
}

// BindConnection calls Load on every registered module, in order, handing
// each one a ModuleAPI wired to c's dispatch engine and to this registry's
// shared per-module cache pool.
func (r *Registry) BindConnection(c *conn.Connection) error {
	for _, lm := range r.modules {
		adapter := &moduleAPI{
			moduleName: lm.mod.Name(),
			conn:       c,
			cache:      r.cache,
		}
		if err := lm.mod.Load(adapter); err != nil {
			return errors.Wrapf(err, ModuleLoadErrorMessage, lm.mod.Name(), err)
		}
		r.logger.Debugf(ModuleBoundDebugMessage, lm.mod.Name(), c.ID)
	}
	return nil
}
