package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"

	"github.com/onkernel/jocker/lib/containers"
	"github.com/onkernel/jocker/lib/fsutil"
	"github.com/onkernel/jocker/lib/ids"
	"github.com/onkernel/jocker/lib/images"
	"github.com/onkernel/jocker/lib/issue"
	"github.com/onkernel/jocker/lib/logger"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"
)

func (c *cli) containerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:         "container",
		Short:       "Manage containers",
		Args:        usageArgs(cobra.NoArgs),
		RunE:        showHelp,
		Annotations: map[string]string{annotationStandalone: "true"},
	}
	cmd.AddCommand(
		c.containerListCmd(),
		c.containerInspectCmd(),
		c.containerKillCmd(),
		c.containerCommitCmd(),
		c.containerRemoveCmd(),
	)
	return cmd
}

func (c *cli) containerListCmd() *cobra.Command {
	var quiet bool
	cmd := &cobra.Command{
		Use:     "ls",
		Aliases: []string{"list", "ps"},
		Short:   "List containers",
		Args:    usageArgs(cobra.NoArgs),
		RunE: func(_ *cobra.Command, _ []string) error {
			var list []*containers.Container
			for ctr, err := range c.app.ContainerManager.ListContainers(c.app.Ctx) {
				if err != nil {
					return issue.Wrap(issue.StageRegistry, err)
				}
				list = append(list, ctr)
			}

			if quiet {
				for _, ctr := range list {
					fmt.Fprintln(c.stdout, ctr.ID)
				}
				return nil
			}

			tw := newTable(c.stdout)
			fmt.Fprintln(tw, "CONTAINER ID\tNAME\tIMAGE\tCOMMAND\tCREATED\tSTATUS")
			for _, ctr := range list {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
					ids.Short(ctr.ID), ctr.Name, ctr.Image, displayCommand(ctr.Command),
					humanCreated(ctr.CreatedAt), ctr.Status())
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "only print container IDs")
	return cmd
}

func (c *cli) containerInspectCmd() *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "inspect [-o json|yaml] REF",
		Short: "Show a container record",
		Args:  usageArgs(cobra.ExactArgs(1)),
		RunE: func(_ *cobra.Command, args []string) error {
			ctr, err := c.app.ContainerManager.GetContainer(c.app.Ctx, args[0])
			if err != nil {
				return err
			}
			return writeStructured(c.stdout, format, ctr)
		},
	}
	cmd.Flags().StringVarP(&format, "output", "o", formatJSON, "output format: json or yaml")
	return cmd
}

func (c *cli) containerKillCmd() *cobra.Command {
	var signal string
	cmd := &cobra.Command{
		Use:   "kill [-s SIGNAL] REF",
		Short: "Send a signal to a running container",
		Long: `Kill signals the init process of a container started by another jocker
process. That process records the outcome once the container exits.`,
		Args: usageArgs(cobra.ExactArgs(1)),
		RunE: func(_ *cobra.Command, args []string) error {
			sig, err := parseSignal(signal)
			if err != nil {
				return err
			}
			if err := c.app.ContainerManager.SignalContainer(c.app.Ctx, args[0], sig); err != nil {
				return err
			}
			fmt.Fprintln(c.stdout, args[0])
			return nil
		},
	}
	cmd.Flags().StringVarP(&signal, "signal", "s", "KILL", "signal name or number")
	return cmd
}

// parseSignal accepts KILL, SIGKILL, kill or 9
func parseSignal(s string) (syscall.Signal, error) {
	if n, err := strconv.Atoi(s); err == nil {
		if n <= 0 || unix.SignalName(syscall.Signal(n)) == "" {
			return 0, fmt.Errorf("%w: invalid signal %q", errUsage, s)
		}
		return syscall.Signal(n), nil
	}

	name := strings.ToUpper(s)
	if !strings.HasPrefix(name, "SIG") {
		name = "SIG" + name
	}
	sig := unix.SignalNum(name)
	if sig == 0 {
		return 0, fmt.Errorf("%w: invalid signal %q", errUsage, s)
	}
	return sig, nil
}

func (c *cli) containerCommitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "commit REF TAG",
		Short: "Create an image from a container's root filesystem",
		Long: `Commit snapshots the container's current root, including changes made while
it ran, and tags it. The run defaults of the container's image are kept when
that image still exists.`,
		Args: usageArgs(cobra.ExactArgs(2)),
		RunE: func(_ *cobra.Command, args []string) error {
			ctx := c.app.Ctx
			ctr, err := c.app.ContainerManager.GetContainer(ctx, args[0])
			if err != nil {
				return err
			}
			if !ctr.State.Terminal() {
				return fmt.Errorf("%w: %s is %s", containers.ErrRunning, ctr.DisplayName(), ctr.State)
			}

			if err := os.MkdirAll(c.app.Paths.TmpDir(), 0700); err != nil {
				return fmt.Errorf("create scratch space: %w", err)
			}
			if err := fsutil.PruneScratch(ctx, c.app.Paths.TmpDir()); err != nil {
				logger.FromContext(ctx).WarnContext(ctx, "failed to prune abandoned scratch space", "error", err)
			}
			scratch := fsutil.ScratchPath(c.app.Paths.TmpDir(), "commit-")
			defer func() {
				if err := fsutil.RemoveAll(scratch); err != nil {
					logger.FromContext(ctx).WarnContext(ctx, "failed to remove commit scratch space", "path", scratch, "error", err)
				}
			}()

			if err := c.app.Assembler.Snapshot(ctx, ctr.RootFS, scratch); err != nil {
				return issue.Wrap(issue.StageBuild, err).WithResource(ctr.DisplayName())
			}

			var config v1.ImageConfig
			if base, err := c.app.ImageManager.GetImage(ctx, ctr.ImageID); err == nil {
				config = base.Config
			} else if !errors.Is(err, images.ErrNotFound) {
				return err
			}

			img, err := c.app.ImageManager.BuildImage(ctx, images.BuildRequest{
				Tag:       args[1],
				SourceDir: scratch,
				Config:    config,
			})
			if err != nil {
				return issue.Wrap(issue.StageBuild, err).WithResource(ctr.DisplayName())
			}
			fmt.Fprintln(c.stdout, img.ID)
			return nil
		},
	}
}

func (c *cli) containerRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "rm REF...",
		Aliases: []string{"remove"},
		Short:   "Remove finished containers and their root filesystems",
		Args:    usageArgs(cobra.MinimumNArgs(1)),
		RunE: func(_ *cobra.Command, args []string) error {
			var errs []error
			for _, ref := range args {
				if err := c.app.ContainerManager.DeleteContainer(c.app.Ctx, ref); err != nil {
					errs = append(errs, fmt.Errorf("%s: %w", ref, err))
					continue
				}
				fmt.Fprintln(c.stdout, ref)
			}
			return errors.Join(errs...)
		},
	}
}
