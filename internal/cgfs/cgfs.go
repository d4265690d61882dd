// Package cgfs discovers the cgroup filesystem layout of the running host:
// which hierarchy is mounted and, on the legacy hierarchy, which css_set
// slot the configured controller occupies. The slot is the line position in
// /proc/cgroups, not the hierarchy id, because that is the order the kernel
// registers subsystems in.
package cgfs

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// maxControllers is the number of subsystem slots an upstream kernel
// compiles in. A /proc/cgroups with more enabled lines carries out-of-tree
// controllers whose slots we cannot trust.
const maxControllers = 15

// DefaultController is the controller used for attribution on the legacy
// hierarchy when none is configured.
const DefaultController = "cpuacct"

// Controller describes one line of /proc/cgroups.
type Controller struct {
	// ID is the hierarchy id the controller is attached to.
	ID uint64
	// Idx is the controller's css_set slot, assigned by line position.
	Idx uint32
	// Name is the subsystem name, e.g. "cpuacct".
	Name string
	// Enabled mirrors the enabled column.
	Enabled bool
}

// Controllers parses /proc/cgroups under procRoot and returns every listed
// controller with its css_set slot.
func Controllers(procRoot string) ([]Controller, error) {
	f, err := os.Open(filepath.Join(procRoot, "cgroups"))
	if err != nil {
		return nil, fmt.Errorf("failed to open cgroups listing: %w", err)
	}
	defer f.Close()

	var controllers []Controller

	var idx uint32

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		fields := strings.Fields(line)
		if len(fields) < 4 {
			continue
		}

		if idx >= maxControllers {
			return controllers, fmt.Errorf(
				"controller %q indexed at %d, past the %d upstream subsystem slots",
				fields[0], idx, maxControllers)
		}

		id, err := strconv.ParseUint(fields[1], 10, 32)
		if err != nil {
			idx++
			continue
		}

		controllers = append(controllers, Controller{
			ID:      id,
			Idx:     idx,
			Name:    fields[0],
			Enabled: fields[3] == "1",
		})

		idx++
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read cgroups listing: %w", err)
	}

	return controllers, nil
}

// Lookup finds a controller by subsystem name.
func Lookup(controllers []Controller, name string) (Controller, bool) {
	name = strings.TrimSpace(name)

	for _, c := range controllers {
		if c.Name == name {
			return c, true
		}
	}

	return Controller{}, false
}
