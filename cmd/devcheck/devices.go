package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"golang.org/x/term"

	"github.com/eugenetaranov/devcheck/internal/device"
	"github.com/eugenetaranov/devcheck/internal/output"
)

// devicesCmd groups the device configuration commands
var devicesCmd = &cobra.Command{
	Use:     "devices",
	Aliases: []string{"device", "dev"},
	Short:   "Manage device configurations",
}

var devicesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List device configurations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		coll, _, err := loadDevices()
		if err != nil {
			return err
		}
		newOutput().Devices(coll.Devices)
		return nil
	},
}

var devicesAddCmd = &cobra.Command{
	Use:   "add [name]",
	Short: "Add a device configuration",
	Long: `Add a device configuration. Values that are not given use the defaults
for the device type: physical devices are 192.168.2.15:22, simulators
localhost:6666, both log in as "developer" with ~/.ssh/id_rsa.

Without a name, "New Device Configuration N" is used.

Examples:
  devcheck devices add N900 --host 192.168.2.15
  devcheck devices add Simulator --type simulator --auth password --ask-password`,
	Args: cobra.MaximumNArgs(1),
	RunE: addDevice,
}

var devicesRemoveCmd = &cobra.Command{
	Use:   "remove <name>...",
	Short: "Remove device configurations",
	Args:  cobra.MinimumNArgs(1),
	RunE:  removeDevices,
}

var devicesRenameCmd = &cobra.Command{
	Use:   "rename <old> <new>",
	Short: "Rename a device configuration",
	Args:  cobra.ExactArgs(2),
	RunE:  renameDevice,
}

var devicesSetCmd = &cobra.Command{
	Use:   "set <name>",
	Short: "Change fields of a device configuration",
	Long: `Change fields of a device configuration. An invalid port, timeout or name
keeps the previous value.

Examples:
  devcheck devices set N900 --host 10.0.0.7 --timeout 60
  devcheck devices set Simulator --name "Qemu"`,
	Args: cobra.ExactArgs(1),
	RunE: setDevice,
}

func init() {
	addFieldFlags(devicesAddCmd)
	addFieldFlags(devicesSetCmd)
	devicesSetCmd.Flags().String("name", "", "New configuration name")

	devicesCmd.AddCommand(devicesListCmd)
	devicesCmd.AddCommand(devicesAddCmd)
	devicesCmd.AddCommand(devicesRemoveCmd)
	devicesCmd.AddCommand(devicesRenameCmd)
	devicesCmd.AddCommand(devicesSetCmd)
}

func addFieldFlags(cmd *cobra.Command) {
	cmd.Flags().String("type", string(device.Physical), "Device type (physical or simulator)")
	cmd.Flags().String("host", "", "Host name or IP address")
	cmd.Flags().String("port", "", "SSH port")
	cmd.Flags().String("timeout", "", "Connection timeout in seconds")
	cmd.Flags().String("user", "", "Login name")
	cmd.Flags().String("auth", "", "Authentication (password or key)")
	cmd.Flags().String("key-file", "", "Private key file for key authentication")
	cmd.Flags().String("password", "", "Password for password authentication")
	cmd.Flags().Bool("ask-password", false, "Read the password from the terminal")
}

func addDevice(cmd *cobra.Command, args []string) error {
	coll, path, err := loadDevices()
	if err != nil {
		return err
	}

	name := coll.NextName()
	if len(args) == 1 {
		name = args[0]
	}
	typ, _ := cmd.Flags().GetString("type")

	cfg := device.NewDefault(name, device.Type(typ))
	out := newOutput()
	if err := applyFields(cmd, out, cfg); err != nil {
		return err
	}

	if err := coll.Add(cfg); err != nil {
		return err
	}
	if err := device.Save(path, coll); err != nil {
		return err
	}

	out.Info("added %s", cfg)
	return nil
}

func removeDevices(cmd *cobra.Command, args []string) error {
	coll, path, err := loadDevices()
	if err != nil {
		return err
	}

	out := newOutput()
	var errs error
	removed := 0
	for _, name := range args {
		if err := coll.Remove(name); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		removed++
		out.Info("removed %s", name)
	}

	if removed > 0 {
		errs = multierr.Append(errs, device.Save(path, coll))
	}
	return errs
}

func renameDevice(cmd *cobra.Command, args []string) error {
	coll, path, err := loadDevices()
	if err != nil {
		return err
	}

	if err := coll.Rename(args[0], args[1]); err != nil {
		return err
	}
	if err := device.Save(path, coll); err != nil {
		return err
	}

	newOutput().Info("renamed %s to %s", args[0], args[1])
	return nil
}

func setDevice(cmd *cobra.Command, args []string) error {
	coll, path, err := loadDevices()
	if err != nil {
		return err
	}

	cfg := coll.Get(args[0])
	if cfg == nil {
		return fmt.Errorf("device configuration %q not found", args[0])
	}

	out := newOutput()
	if cmd.Flags().Changed("name") {
		input, _ := cmd.Flags().GetString("name")
		name := coll.FixupName(input, cfg.Name)
		if name != input {
			out.Warn("invalid name %q: %v, keeping %q", input, coll.ValidateName(input, cfg.Name), cfg.Name)
		}
		cfg.Name = name
	}

	if cmd.Flags().Changed("type") {
		typ, _ := cmd.Flags().GetString("type")
		cfg.Type = device.Type(typ)
	}
	if err := applyFields(cmd, out, cfg); err != nil {
		return err
	}

	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := device.Save(path, coll); err != nil {
		return err
	}

	out.Info("updated %s", cfg)
	return nil
}

// applyFields copies the field flags that were given onto cfg. Port and
// timeout values that do not parse or are out of range keep the current
// value.
func applyFields(cmd *cobra.Command, out *output.Output, cfg *device.Config) error {
	flags := cmd.Flags()

	if flags.Changed("host") {
		cfg.Host, _ = flags.GetString("host")
	}
	if flags.Changed("user") {
		cfg.User, _ = flags.GetString("user")
	}
	if flags.Changed("auth") {
		auth, _ := flags.GetString("auth")
		cfg.Auth = device.AuthType(auth)
	}
	if flags.Changed("key-file") {
		cfg.KeyFile, _ = flags.GetString("key-file")
	}
	if flags.Changed("password") {
		cfg.Password, _ = flags.GetString("password")
	}

	cfg.Port = fixupNumber(cmd, out, "port", cfg.Port)
	cfg.Timeout = fixupNumber(cmd, out, "timeout", cfg.Timeout)

	if ask, _ := flags.GetBool("ask-password"); ask {
		pw, err := readPassword(fmt.Sprintf("Password for %s@%s: ", cfg.User, cfg.Host))
		if err != nil {
			return fmt.Errorf("failed to read password: %w", err)
		}
		cfg.Password = pw
	}

	return nil
}

func fixupNumber(cmd *cobra.Command, out *output.Output, flag string, current int) int {
	if !cmd.Flags().Changed(flag) {
		return current
	}
	input, _ := cmd.Flags().GetString(flag)
	v := device.FixupPortOrTimeout(input, current)
	if n, err := strconv.Atoi(strings.TrimSpace(input)); err != nil || n != v {
		out.Warn("invalid %s %q (must be %d-%d), keeping %d",
			flag, input, device.MinPortOrTimeout, device.MaxPortOrTimeout, current)
	}
	return v
}

// readPassword reads a password without echo. When stdin is not a terminal
// the first line is used.
func readPassword(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return "", err
		}
		return strings.TrimRight(line, "\r\n"), nil
	}

	fmt.Fprint(os.Stderr, prompt)
	pw, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	return string(pw), nil
}
