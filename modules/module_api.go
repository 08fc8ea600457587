package modules

import (
	"github.com/allegro/bigcache/v3"

	"github.com/achetronic/wireproxy/api"
	"github.com/achetronic/wireproxy/conn"
)

// moduleAPI is the api.ModuleAPI a single module sees for a single
// Connection. It forwards hook registration to that connection's dispatch
// engine and injection to the connection's own Send{Client,Server}, so an
// injected message is re-dispatched exactly like any message read off the
// wire before it reaches the other side.
type moduleAPI struct {
	moduleName string
	conn       *conn.Connection
	cache      *api.ModuleCache
}

func (m *moduleAPI) Hook(name string, version api.Version, opts api.HookOptions, callback any) (api.Handle, error) {
	return m.conn.Engine().Hook(m.moduleName, name, version, opts, callback)
}

func (m *moduleAPI) HookOnce(name string, version api.Version, opts api.HookOptions, callback any) (api.Handle, error) {
	return m.conn.Engine().HookOnce(m.moduleName, name, version, opts, callback)
}

func (m *moduleAPI) Unhook(h api.Handle) {
	m.conn.Engine().Unhook(h)
}

// ToClient injects toward the client: it is dispatched with the same flags
// an ordinary server->client message carries (incoming=true, fake=true),
// then handed to SendClient if no hook silences it.
func (m *moduleAPI) ToClient(bufOrName any, version api.Version, data any) error {
	out, silenced, err := m.conn.Engine().Write(false, bufOrName, version, data)
	if err != nil {
		return err
	}
	if !silenced {
		m.conn.SendClient(out)
	}
	return nil
}

// ToServer injects toward the upstream server, symmetric to ToClient.
func (m *moduleAPI) ToServer(bufOrName any, version api.Version, data any) error {
	out, silenced, err := m.conn.Engine().Write(true, bufOrName, version, data)
	if err != nil {
		return err
	}
	if !silenced {
		m.conn.SendServer(out)
	}
	return nil
}

func (m *moduleAPI) Cache() (*bigcache.BigCache, error) {
	return m.cache.ForModule(m.moduleName)
}
