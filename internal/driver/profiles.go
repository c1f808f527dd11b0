package driver

import (
	"fmt"
	"sort"
)

// Profile is a closed security posture passed through to the engine. Profiles
// are compiled in; configuration only selects names.
type Profile struct {
	Name            string
	DropCaps        []string
	AddCaps         []string
	Seccomp         string // seccomp profile name, "" for engine default
	AppArmor        string // apparmor profile name, "" for engine default
	ReadonlyRootfs  bool
	NoNewPrivileges bool
	Tmpfs           map[string]string
	NetworkMode     string
	Runtime         string // engine runtime, e.g. "runsc"; "" for default
}

var profiles = map[string]Profile{
	// standard covers interactive development sandboxes: writable rootfs for
	// package installs, bridged network for dev servers, gVisor isolation.
	"standard": {
		Name:            "standard",
		DropCaps:        []string{"ALL"},
		AddCaps:         []string{"CHOWN", "SETUID", "SETGID", "FOWNER", "DAC_OVERRIDE"},
		NoNewPrivileges: true,
		Tmpfs:           map[string]string{"/tmp": "rw,noexec,nosuid,size=256m"},
		NetworkMode:     "bridge",
		Runtime:         "runsc",
	},

	// hardened runs untrusted one-off executions: no network, read-only
	// rootfs, nothing but the workspace writable.
	"hardened": {
		Name:            "hardened",
		DropCaps:        []string{"ALL"},
		Seccomp:         "codeloft-hardened",
		NoNewPrivileges: true,
		ReadonlyRootfs:  true,
		Tmpfs: map[string]string{
			"/tmp":       "rw,noexec,nosuid,size=64m",
			"/workspace": "rw,nosuid,size=512m",
		},
		NetworkMode: "none",
		Runtime:     "runsc",
	},

	// gpu keeps the native runtime because device passthrough does not cross
	// the gVisor boundary; network stays bridged for dataset pulls.
	"gpu": {
		Name:            "gpu",
		DropCaps:        []string{"ALL"},
		AddCaps:         []string{"CHOWN", "SETUID", "SETGID", "FOWNER", "DAC_OVERRIDE"},
		NoNewPrivileges: true,
		Tmpfs:           map[string]string{"/tmp": "rw,noexec,nosuid,size=1g"},
		NetworkMode:     "bridge",
	},
}

// ProfileByName resolves a profile from the closed set.
func ProfileByName(name string) (Profile, error) {
	p, ok := profiles[name]
	if !ok {
		return Profile{}, fmt.Errorf("unknown security profile %q", name)
	}
	return p, nil
}

// ProfileNames returns the closed set, sorted, for config validation and
// status output.
func ProfileNames() []string {
	names := make([]string, 0, len(profiles))
	for name := range profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
