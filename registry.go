package sdbx

import (
	"github.com/puzpuzpuz/xsync/v3"
)

// openEnvs tracks the environments open in this process by data file path.
// Exclusive environments refuse to share a path; cooperative ones are
// counted so a second open in the same process can be reported.
var openEnvs = xsync.NewMapOf[string, *registration]()

type registration struct {
	exclusive bool
	count     int
}

// register records an open of path. It fails with ErrBusy when either the
// existing or the new open is exclusive.
func register(path string, exclusive bool) (shared bool, err error) {
	openEnvs.Compute(path, func(r *registration, loaded bool) (*registration, bool) {
		if !loaded {
			return &registration{exclusive: exclusive, count: 1}, false
		}
		if r.exclusive || exclusive {
			err = NewError(ErrBusy)
			return r, false
		}
		shared = true
		return &registration{count: r.count + 1}, false
	})
	return shared, err
}

func unregister(path string) {
	openEnvs.Compute(path, func(r *registration, loaded bool) (*registration, bool) {
		if !loaded || r.count <= 1 {
			return nil, true
		}
		return &registration{exclusive: r.exclusive, count: r.count - 1}, false
	})
}
