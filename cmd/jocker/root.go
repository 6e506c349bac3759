package main

import (
	"errors"
	"fmt"
	"io"

	"github.com/onkernel/jocker/cmd/jocker/config"
	"github.com/onkernel/jocker/lib/issue"
	"github.com/spf13/cobra"
)

// annotationStandalone marks commands that run without the engine
const annotationStandalone = "jocker.standalone"

// cli holds the state shared by every command of one invocation
type cli struct {
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer

	dataDir  string
	logLevel string
	debug    bool

	app     *application
	cleanup func()

	// initApp builds the engine once flags are parsed
	initApp func(*config.Config) (*application, func(), error)
	// loadConfig reads the environment configuration
	loadConfig func() (*config.Config, error)
}

func newCLI(stdin io.Reader, stdout, stderr io.Writer) *cli {
	return &cli{
		stdin:      stdin,
		stdout:     stdout,
		stderr:     stderr,
		initApp:    initializeApp,
		loadConfig: config.Load,
	}
}

// execute runs the command line and returns the process exit code
func (c *cli) execute(args []string) int {
	root := c.rootCmd()
	root.SetArgs(args)
	root.SetIn(c.stdin)
	root.SetOut(c.stdout)
	root.SetErr(c.stderr)

	err := root.Execute()
	if c.cleanup != nil {
		c.cleanup()
	}
	if err == nil {
		return exitOK
	}

	// A container's own exit status is passed through silently
	var exitErr *ExitError
	if !errors.As(err, &exitErr) || exitErr.Err != nil {
		fmt.Fprintln(c.stderr, "jocker: "+issue.Format(err, c.debug))
	}
	return exitCode(err)
}

func (c *cli) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "jocker",
		Short: "Build images from directories and run them as isolated containers",
		Long: `jocker is a minimal local container engine. Images are built from
directory trees or imported from tar archives and stored as content-addressed
layers. Containers run in their own PID, mount, UTS and IPC namespaces on a
private copy of the image root.`,
		Args:              usageArgs(cobra.NoArgs),
		RunE:              showHelp,
		Annotations:       map[string]string{annotationStandalone: "true"},
		SilenceErrors:     true,
		SilenceUsage:      true,
		PersistentPreRunE: c.setup,
	}
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return fmt.Errorf("%w: %w", errUsage, err)
	})

	flags := root.PersistentFlags()
	flags.StringVar(&c.dataDir, "data-dir", "", "data directory (default $JOCKER_DATA_DIR or /var/lib/jocker)")
	flags.StringVar(&c.logLevel, "log-level", "", "log level: debug, info, warn or error")
	flags.BoolVar(&c.debug, "debug", false, "debug logging and full error chains")

	root.AddCommand(
		c.imageCmd(),
		c.containerCmd(),
		c.runCmd(),
		c.versionCmd(),
	)
	return root
}

// setup loads configuration, applies global flags and wires the engine
func (c *cli) setup(cmd *cobra.Command, _ []string) error {
	if cmd.Annotations[annotationStandalone] == "true" {
		return nil
	}

	cfg, err := c.loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if c.dataDir != "" {
		cfg.DataDir = c.dataDir
	}
	if c.logLevel != "" {
		cfg.LogLevel = c.logLevel
	}
	if c.debug {
		cfg.LogLevel = "debug"
	}
	cfg.Version = version

	app, cleanup, err := c.initApp(cfg)
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	c.app = app
	c.cleanup = cleanup
	return nil
}

// showHelp is the action of commands that only group subcommands
func showHelp(cmd *cobra.Command, _ []string) error {
	return cmd.Help()
}

// usageArgs tags argument validation failures as usage errors
func usageArgs(validate cobra.PositionalArgs) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := validate(cmd, args); err != nil {
			return fmt.Errorf("%w: %w", errUsage, err)
		}
		return nil
	}
}
