// Package main is the entrypoint for the devcheck CLI.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/eugenetaranov/devcheck/internal/connector"
	"github.com/eugenetaranov/devcheck/internal/connector/docker"
	"github.com/eugenetaranov/devcheck/internal/connector/local"
	"github.com/eugenetaranov/devcheck/internal/deploy"
	"github.com/eugenetaranov/devcheck/internal/device"
	"github.com/eugenetaranov/devcheck/internal/output"
	"github.com/eugenetaranov/devcheck/internal/runner"
	"github.com/eugenetaranov/devcheck/pkg/facts"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// Global flags
var (
	configPath string
	debug      bool
	noColor    bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "devcheck",
	Short: "devcheck - test and deploy to remote Linux devices",
	Long: `devcheck manages SSH device configurations for physical devices and
simulators, checks that a device is reachable and reports its kernel,
architecture and installed Qt packages, and copies files to it over SFTP.`,
	Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Device store (default is $XDG_CONFIG_HOME/devcheck/devices.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "Enable debug output, including raw command output")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")

	rootCmd.AddCommand(devicesCmd)
	rootCmd.AddCommand(testCmd)
	rootCmd.AddCommand(deployCmd)
}

func newOutput() *output.Output {
	out := output.New(os.Stdout)
	out.SetColor(!noColor)
	out.SetDebug(debug)
	return out
}

func storePath() (string, error) {
	if configPath != "" {
		return configPath, nil
	}
	return device.DefaultPath()
}

func loadDevices() (*device.Collection, string, error) {
	path, err := storePath()
	if err != nil {
		return nil, "", err
	}
	coll, err := device.Load(path)
	if err != nil {
		return nil, "", err
	}
	return coll, path, nil
}

func lookupDevice(name string) (*device.Config, error) {
	coll, _, err := loadDevices()
	if err != nil {
		return nil, err
	}
	cfg := coll.Get(name)
	if cfg == nil {
		return nil, fmt.Errorf("device configuration %q not found", name)
	}
	return cfg, nil
}

// transportFlags registers the flags that pick a transport other than SSH.
func transportFlags(cmd *cobra.Command) {
	cmd.Flags().Bool("local", false, "Use this machine instead of connecting over SSH")
	cmd.Flags().String("container", "", "Use a running simulator container instead of connecting over SSH")
	cmd.MarkFlagsMutuallyExclusive("local", "container")
}

// dialerFor returns the transport selected by the transport flags.
func dialerFor(cmd *cobra.Command) runner.Dialer {
	if useLocal, _ := cmd.Flags().GetBool("local"); useLocal {
		return func(device.Config) connector.Connector { return local.New() }
	}
	if name, _ := cmd.Flags().GetString("container"); name != "" {
		return func(cfg device.Config) connector.Connector {
			return docker.New(name, docker.WithUser(cfg.User))
		}
	}
	return runner.SSHDialer
}

// onInterrupt calls stop on SIGINT or SIGTERM until the returned function
// is called.
func onInterrupt(out *output.Output, stop func()) func() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	quit := make(chan struct{})
	go func() {
		select {
		case <-sigCh:
			out.Warn("interrupted, stopping")
			stop()
		case <-quit:
		}
	}()
	return func() {
		signal.Stop(sigCh)
		close(quit)
	}
}

// testCmd runs the device configuration test
var testCmd = &cobra.Command{
	Use:   "test <name>...",
	Short: "Test device configurations",
	Long: `Connect to each device, run the diagnostic command and report the kernel
version, hardware architecture and installed Qt packages. Several devices
are tested concurrently.

Examples:
  devcheck test N900
  devcheck test N900 Simulator --debug
  devcheck test workstation --local
  devcheck test Simulator --container qemu-sim`,
	Args: cobra.MinimumNArgs(1),
	RunE: runTests,
}

func init() {
	transportFlags(testCmd)
}

// testRun is the state of one device test started from the command line.
type testRun struct {
	cfg    *device.Config
	target string
	done   <-chan struct{}
	report *facts.Report
}

func runTests(cmd *cobra.Command, args []string) error {
	coll, _, err := loadDevices()
	if err != nil {
		return err
	}

	dial := dialerFor(cmd)
	m := runner.NewManager(runner.WithDialer(dial))
	out := newOutput()

	release := onInterrupt(out, m.StopAll)
	defer release()

	start := time.Now()
	var runs []*testRun
	for _, name := range args {
		cfg := coll.Get(name)
		if cfg == nil {
			m.StopAll()
			return fmt.Errorf("device configuration %q not found", name)
		}

		tr := &testRun{cfg: cfg, target: dial(*cfg).String()}
		out.TestStart(cfg.Name, tr.target)
		r, started := m.Start(context.Background(), *cfg, runner.Handler{
			OnConnected: func() { out.Connected(tr.target) },
			OnOutput:    func(chunk string) { out.Chunk(tr.cfg.Name, chunk) },
			OnFinished:  func(rep *facts.Report) { tr.report = rep },
		})
		if !started {
			out.Warn("%s is already being tested", cfg.Name)
			continue
		}
		tr.done = r.Done()
		runs = append(runs, tr)
	}

	var failed []string
	for _, tr := range runs {
		<-tr.done
		if tr.report == nil {
			return errors.New("device test stopped")
		}
		out.Section(tr.cfg.Name)
		out.Report(tr.report, time.Since(start))
		if !tr.report.OK() {
			failed = append(failed, tr.cfg.Name)
		}
	}

	if len(failed) > 0 {
		return fmt.Errorf("device test failed: %s", strings.Join(failed, ", "))
	}
	return nil
}

// deployCmd copies files to a device
var deployCmd = &cobra.Command{
	Use:   "deploy <name> <file>...",
	Short: "Copy files to a device",
	Long: `Copy local files into a directory on the device over SFTP. File names and
permissions are preserved.

Examples:
  devcheck deploy N900 build/app --to /opt/app/bin
  devcheck deploy N900 lib/*.so --to /opt/app/lib --changed-only`,
	Args: cobra.MinimumNArgs(2),
	RunE: runDeploy,
}

func init() {
	deployCmd.Flags().String("to", "", "Target directory on the device (required)")
	deployCmd.Flags().Bool("changed-only", false, "Skip files whose content on the device is identical")
	_ = deployCmd.MarkFlagRequired("to")
	transportFlags(deployCmd)
}

func runDeploy(cmd *cobra.Command, args []string) error {
	cfg, err := lookupDevice(args[0])
	if err != nil {
		return err
	}
	targetDir, _ := cmd.Flags().GetString("to")
	changedOnly, _ := cmd.Flags().GetBool("changed-only")

	files := make([]deploy.Transfer, 0, len(args)-1)
	for _, f := range args[1:] {
		files = append(files, deploy.Transfer{Local: f, TargetDir: targetDir})
	}

	var opts []deploy.Option
	if changedOnly {
		opts = append(opts, deploy.SkipUnchanged())
	}
	conn := dialerFor(cmd)(*cfg)
	d := deploy.New(conn, opts...)

	out := newOutput()
	out.Section(fmt.Sprintf("DEPLOY %s (%s)", cfg.Name, conn))
	start := time.Now()

	release := onInterrupt(out, d.Stop)
	defer release()

	var copied int
	var total int64
	err = d.Run(context.Background(), files, func(t deploy.Transfer, n int64) {
		copied++
		total += n
		out.FileCopied(t.Local, t.Remote(), n)
	})

	failures := multierr.Errors(err)
	for _, e := range failures {
		out.Error("%v", e)
	}
	out.DeployEnd(copied, len(failures), total, time.Since(start))

	if err != nil {
		return fmt.Errorf("deployment to %s failed", cfg.Name)
	}
	return nil
}
