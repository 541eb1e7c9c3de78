package supervisor

import (
	"fmt"
	"sync"
)

var (
	singletonMu sync.Mutex
	singletons  = make(map[string]bool)
)

// AcquireSingleton claims a component name for this process. A second
// claim on the same name fails until the first is released. It guards
// against two copies of the same component running side by side.
func AcquireSingleton(name string) error {
	singletonMu.Lock()
	defer singletonMu.Unlock()
	if singletons[name] {
		return fmt.Errorf("component %s is already running", name)
	}
	singletons[name] = true
	return nil
}

// ReleaseSingleton frees a claimed component name.
func ReleaseSingleton(name string) {
	singletonMu.Lock()
	defer singletonMu.Unlock()
	delete(singletons, name)
}
