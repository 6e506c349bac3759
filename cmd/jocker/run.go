package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/onkernel/jocker/lib/supervisor"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

const (
	networkHost = "host"
	networkNone = "none"
)

func (c *cli) runCmd() *cobra.Command {
	var (
		name    string
		remove  bool
		tty     bool
		env     []string
		network string
	)
	cmd := &cobra.Command{
		Use:   "run [flags] IMAGE [COMMAND [ARG...]]",
		Short: "Run a command in a new container",
		Long: `Run assembles a private root filesystem from IMAGE and runs COMMAND, or the
image's default command, in new PID, mount, UTS and IPC namespaces. It blocks
until the command exits and exits with the command's status.

The container record and root filesystem are kept after exit for inspection
and commit; remove them with "jocker container rm" or pass --rm.`,
		Args: usageArgs(cobra.MinimumNArgs(1)),
		RunE: func(_ *cobra.Command, args []string) error {
			isolateNetwork, err := parseNetwork(network)
			if err != nil {
				return err
			}
			for _, kv := range env {
				if !strings.Contains(kv, "=") {
					return fmt.Errorf("%w: environment variable %q must be KEY=VALUE", errUsage, kv)
				}
			}

			if tty {
				restore, err := c.makeRaw()
				if err != nil {
					return err
				}
				defer restore()
			}

			res, err := c.app.Supervisor.Run(c.app.Ctx, supervisor.RunRequest{
				Image:          args[0],
				Name:           name,
				Command:        args[1:],
				Env:            env,
				TTY:            tty,
				Stdin:          c.stdin,
				Stdout:         c.stdout,
				Stderr:         c.stderr,
				IsolateNetwork: isolateNetwork,
				Remove:         remove,
			})
			if err != nil {
				return err
			}
			if res.ExitCode != 0 {
				return &ExitError{Code: res.ExitCode}
			}
			return nil
		},
	}

	flags := cmd.Flags()
	// Flags after IMAGE belong to the container command
	flags.SetInterspersed(false)
	flags.StringVar(&name, "name", "", "assign a name to the container")
	flags.BoolVar(&remove, "rm", false, "remove the container and its root filesystem when it exits")
	flags.BoolVarP(&tty, "tty", "t", false, "allocate a pseudo-terminal")
	flags.StringArrayVarP(&env, "env", "e", nil, "set an environment variable (KEY=VALUE)")
	flags.StringVar(&network, "net", networkHost, "network mode: host or none (loopback only)")
	return cmd
}

func parseNetwork(mode string) (bool, error) {
	switch mode {
	case networkHost:
		return false, nil
	case networkNone:
		return true, nil
	default:
		return false, fmt.Errorf("%w: unknown network mode %q (want %s or %s)", errUsage, mode, networkHost, networkNone)
	}
}

// makeRaw puts an interactive stdin into raw mode so keystrokes reach the
// container's terminal unprocessed.
func (c *cli) makeRaw() (func(), error) {
	f, ok := c.stdin.(*os.File)
	if !ok || !term.IsTerminal(int(f.Fd())) {
		return func() {}, nil
	}
	fd := int(f.Fd())
	state, err := term.MakeRaw(fd)
	if err != nil {
		return nil, fmt.Errorf("set terminal raw mode: %w", err)
	}
	return func() { _ = term.Restore(fd, state) }, nil
}
