//go:build linux

package reactor

import "github.com/puzpuzpuz/xsync/v3"

// Registry maps connection ids to live connections. Only the reactor
// goroutine inserts and removes; any goroutine may look up.
type Registry struct {
	conns *xsync.MapOf[int, *Conn]
}

func NewRegistry() *Registry {
	return &Registry{
		conns: xsync.NewMapOf[int, *Conn](),
	}
}

func (registry *Registry) Insert(conn *Conn) {
	registry.conns.Store(conn.ID, conn)
}

func (registry *Registry) Lookup(id int) (*Conn, bool) {
	return registry.conns.Load(id)
}

func (registry *Registry) Remove(id int) {
	registry.conns.Delete(id)
}

func (registry *Registry) Len() int {
	return registry.conns.Size()
}

// Range calls fn for every connection until fn returns false.
func (registry *Registry) Range(fn func(conn *Conn) bool) {
	registry.conns.Range(func(_ int, conn *Conn) bool {
		return fn(conn)
	})
}
