package device

import (
	"fmt"
	"strconv"
	"strings"
)

// newNamePrefix is used when generating names for new configurations.
const newNamePrefix = "New Device Configuration "

// Collection is an ordered list of device configurations with unique names.
type Collection struct {
	Devices []*Config `yaml:"devices"`
}

// NameExists reports whether any configuration other than the one currently
// named exclude is called name. Pass an empty exclude to check all entries.
func (c *Collection) NameExists(name, exclude string) bool {
	for _, d := range c.Devices {
		if exclude != "" && d.Name == exclude {
			continue
		}
		if d.Name == name {
			return true
		}
	}
	return false
}

// ValidateName checks that name can be given to the configuration currently
// named oldName. Keeping the old name is always allowed.
func (c *Collection) ValidateName(name, oldName string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("device configuration name cannot be empty")
	}
	if name != oldName && c.NameExists(name, oldName) {
		return fmt.Errorf("device configuration %q already exists", name)
	}
	return nil
}

// FixupName returns input if it is an acceptable new name for the
// configuration named oldName, and oldName otherwise.
func (c *Collection) FixupName(input, oldName string) string {
	if c.ValidateName(input, oldName) != nil {
		return oldName
	}
	return input
}

// FixupPortOrTimeout parses input as a port or timeout value. Anything that
// is not an integer within range reverts to old.
func FixupPortOrTimeout(input string, old int) int {
	v, err := strconv.Atoi(strings.TrimSpace(input))
	if err != nil || checkRange("value", v) != nil {
		return old
	}
	return v
}

// NextName returns the first "New Device Configuration N" not yet in use.
func (c *Collection) NextName() string {
	for suffix := 1; ; suffix++ {
		name := newNamePrefix + strconv.Itoa(suffix)
		if !c.NameExists(name, "") {
			return name
		}
	}
}

// Get returns the configuration with the given name, or nil.
func (c *Collection) Get(name string) *Config {
	for _, d := range c.Devices {
		if d.Name == name {
			return d
		}
	}
	return nil
}

// Add appends a configuration after validating it and its name.
func (c *Collection) Add(d *Config) error {
	if err := c.ValidateName(d.Name, ""); err != nil {
		return err
	}
	if err := d.Validate(); err != nil {
		return err
	}
	c.Devices = append(c.Devices, d)
	return nil
}

// Remove deletes the configuration with the given name.
func (c *Collection) Remove(name string) error {
	for i, d := range c.Devices {
		if d.Name == name {
			c.Devices = append(c.Devices[:i], c.Devices[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("device configuration %q not found", name)
}

// Rename gives the configuration oldName a new name.
func (c *Collection) Rename(oldName, newName string) error {
	d := c.Get(oldName)
	if d == nil {
		return fmt.Errorf("device configuration %q not found", oldName)
	}
	if err := c.ValidateName(newName, oldName); err != nil {
		return err
	}
	d.Name = newName
	return nil
}

// Names returns the configuration names in order.
func (c *Collection) Names() []string {
	names := make([]string, 0, len(c.Devices))
	for _, d := range c.Devices {
		names = append(names, d.Name)
	}
	return names
}

// Validate checks every configuration and that names are unique.
func (c *Collection) Validate() error {
	seen := make(map[string]bool, len(c.Devices))
	for i, d := range c.Devices {
		if err := d.Validate(); err != nil {
			return fmt.Errorf("device %d: %w", i+1, err)
		}
		if seen[d.Name] {
			return fmt.Errorf("device %d: duplicate name %q", i+1, d.Name)
		}
		seen[d.Name] = true
	}
	return nil
}
