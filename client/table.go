package client

import (
	orderedmap "github.com/KusakabeSi/go-ordered-map"

	"github.com/Demindiro/stupid-tunnel/internal/tcp6"
)

// connTable is the client's local_port → Connection map (§3, §4.7),
// backed by an ordered map that keeps entries in insertion order. The
// dispatcher only gets, sets and deletes entries; nothing iterates the
// table.
type connTable struct {
	m *orderedmap.OrderedMap
}

func newConnTable() *connTable {
	return &connTable{m: orderedmap.NewOrderedMap()}
}

func (t *connTable) get(port uint16) (*tcp6.Connection, bool) {
	v, ok := t.m.Get(port)
	if !ok {
		return nil, false
	}
	return v.(*tcp6.Connection), true
}

func (t *connTable) set(port uint16, c *tcp6.Connection) {
	t.m.Set(port, c)
}

func (t *connTable) delete(port uint16) {
	t.m.Delete(port)
}

func (t *connTable) len() int {
	return t.m.Len()
}
