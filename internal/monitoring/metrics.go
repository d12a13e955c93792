package monitoring

import (
	"expvar"
	"sync"
)

var publishMu sync.Mutex

// Publish registers v under name in the expvar registry, which tsweb serves at
// /debug/varz. Publishing the same name twice replaces nothing and reports
// false instead of panicking the way expvar.Publish does.
func Publish(name string, v expvar.Var) bool {
	publishMu.Lock()
	defer publishMu.Unlock()
	if expvar.Get(name) != nil {
		return false
	}
	expvar.Publish(name, v)
	return true
}

// PublishFunc publishes a function whose JSON-encoded result is evaluated on
// every /debug/varz read.
func PublishFunc(name string, f func() any) bool {
	return Publish(name, expvar.Func(f))
}
