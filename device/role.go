package device

import (
	"fmt"
	"sync"
)

// Role names what a device is used for.
type Role uint32

const (
	RoleKernel Role = iota
	RoleFilesys
	RoleScratch
	RoleSwap
	NROLE
)

var roleNames = []string{"kernel", "filesys", "scratch", "swap"}

func (r Role) String() string {
	if r >= NROLE {
		return fmt.Sprintf("role(%d)", uint32(r))
	}
	return roleNames[r]
}

// Registry maps roles to devices.
type Registry struct {
	mu   *sync.Mutex
	devs [NROLE]Device
}

func MkRegistry() *Registry {
	return &Registry{mu: new(sync.Mutex)}
}

// Register binds dev to role. It fails if the role is already taken.
func (reg *Registry) Register(role Role, dev Device) error {
	if role >= NROLE {
		return fmt.Errorf("register: unknown %v", role)
	}
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if reg.devs[role] != nil {
		return fmt.Errorf("register: %v already has a device", role)
	}
	reg.devs[role] = dev
	return nil
}

func (reg *Registry) Unregister(role Role) {
	if role >= NROLE {
		return
	}
	reg.mu.Lock()
	reg.devs[role] = nil
	reg.mu.Unlock()
}

// Get returns the device for role, or nil.
func (reg *Registry) Get(role Role) Device {
	if role >= NROLE {
		return nil
	}
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return reg.devs[role]
}
