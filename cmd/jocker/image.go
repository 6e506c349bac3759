package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/onkernel/jocker/lib/ids"
	"github.com/onkernel/jocker/lib/images"
	"github.com/onkernel/jocker/lib/issue"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/spf13/cobra"
)

func (c *cli) imageCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:         "image",
		Short:       "Manage images",
		Args:        usageArgs(cobra.NoArgs),
		RunE:        showHelp,
		Annotations: map[string]string{annotationStandalone: "true"},
	}
	cmd.AddCommand(
		c.imageBuildCmd(),
		c.imageImportCmd(),
		c.imageListCmd(),
		c.imageInspectCmd(),
		c.imageRemoveCmd(),
	)
	return cmd
}

// runConfig holds the run defaults settable on build and import
type runConfig struct {
	entrypoint string
	cmd        string
	env        []string
	workdir    string
}

func (r *runConfig) register(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.StringVar(&r.entrypoint, "entrypoint", "", "default entrypoint, split on whitespace")
	flags.StringVar(&r.cmd, "cmd", "", "default command, split on whitespace")
	flags.StringArrayVarP(&r.env, "env", "e", nil, "default environment variable (KEY=VALUE)")
	flags.StringVarP(&r.workdir, "workdir", "w", "", "default working directory")
}

func (r *runConfig) imageConfig() (v1.ImageConfig, error) {
	for _, kv := range r.env {
		if !strings.Contains(kv, "=") {
			return v1.ImageConfig{}, fmt.Errorf("%w: environment variable %q must be KEY=VALUE", errUsage, kv)
		}
	}
	return v1.ImageConfig{
		Entrypoint: strings.Fields(r.entrypoint),
		Cmd:        strings.Fields(r.cmd),
		Env:        r.env,
		WorkingDir: r.workdir,
	}, nil
}

func (c *cli) imageBuildCmd() *cobra.Command {
	var (
		tag string
		run runConfig
	)
	cmd := &cobra.Command{
		Use:   "build -t TAG [flags] PATH",
		Short: "Build an image from a directory",
		Long: `Build stores the directory tree at PATH as a single layer and tags it.
Building an existing tag again moves the tag to the new image.`,
		Args: usageArgs(cobra.ExactArgs(1)),
		RunE: func(_ *cobra.Command, args []string) error {
			if tag == "" {
				return fmt.Errorf("%w: --tag is required", errUsage)
			}
			config, err := run.imageConfig()
			if err != nil {
				return err
			}

			img, err := c.app.ImageManager.BuildImage(c.app.Ctx, images.BuildRequest{
				Tag:       tag,
				SourceDir: args[0],
				Config:    config,
			})
			if err != nil {
				return issue.Wrap(issue.StageBuild, err).WithResource(args[0])
			}
			fmt.Fprintln(c.stdout, img.ID)
			return nil
		},
	}
	cmd.Flags().StringVarP(&tag, "tag", "t", "", "image name and optional tag (name:tag)")
	run.register(cmd)
	return cmd
}

func (c *cli) imageImportCmd() *cobra.Command {
	var run runConfig
	cmd := &cobra.Command{
		Use:   "import [flags] TAG ARCHIVE",
		Short: "Import an image from a tar archive",
		Long: `Import accepts a root filesystem tarball, optionally gzip-compressed, or an
archive written by "docker save". Run defaults recorded in a docker archive
are kept unless overridden by flags.`,
		Args: usageArgs(cobra.ExactArgs(2)),
		RunE: func(_ *cobra.Command, args []string) error {
			config, err := run.imageConfig()
			if err != nil {
				return err
			}

			img, err := c.app.ImageManager.ImportImage(c.app.Ctx, images.ImportRequest{
				Tag:    args[0],
				Path:   args[1],
				Config: config,
			})
			if err != nil {
				return issue.Wrap(issue.StageImport, err).WithResource(args[1])
			}
			fmt.Fprintln(c.stdout, img.ID)
			return nil
		},
	}
	run.register(cmd)
	return cmd
}

func (c *cli) imageListCmd() *cobra.Command {
	var quiet bool
	cmd := &cobra.Command{
		Use:     "ls",
		Aliases: []string{"list"},
		Short:   "List images",
		Args:    usageArgs(cobra.NoArgs),
		RunE: func(_ *cobra.Command, _ []string) error {
			var list []*images.Image
			for img, err := range c.app.ImageManager.ListImages(c.app.Ctx) {
				if err != nil {
					return issue.Wrap(issue.StageRegistry, err)
				}
				list = append(list, img)
			}

			if quiet {
				for _, img := range list {
					fmt.Fprintln(c.stdout, img.ID)
				}
				return nil
			}

			tw := newTable(c.stdout)
			fmt.Fprintln(tw, "TAG\tIMAGE ID\tLAYERS\tSIZE\tCREATED")
			for _, img := range list {
				fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n",
					img.Tag, ids.Short(img.ID), len(img.Layers), humanSize(img.SizeBytes), humanCreated(img.CreatedAt))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "only print image IDs")
	return cmd
}

func (c *cli) imageInspectCmd() *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "inspect [-o json|yaml] REF",
		Short: "Show an image record",
		Args:  usageArgs(cobra.ExactArgs(1)),
		RunE: func(_ *cobra.Command, args []string) error {
			img, err := c.app.ImageManager.GetImage(c.app.Ctx, args[0])
			if err != nil {
				return err
			}
			return writeStructured(c.stdout, format, img)
		},
	}
	cmd.Flags().StringVarP(&format, "output", "o", formatJSON, "output format: json or yaml")
	return cmd
}

func (c *cli) imageRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "rm REF...",
		Aliases: []string{"remove"},
		Short:   "Remove image tags",
		Long: `Remove deletes tag mappings. Layers stay in the store, so containers
created from the image keep working.`,
		Args: usageArgs(cobra.MinimumNArgs(1)),
		RunE: func(_ *cobra.Command, args []string) error {
			var errs []error
			for _, ref := range args {
				if err := c.app.ImageManager.DeleteImage(c.app.Ctx, ref); err != nil {
					errs = append(errs, fmt.Errorf("%s: %w", ref, err))
					continue
				}
				fmt.Fprintln(c.stdout, ref)
			}
			return errors.Join(errs...)
		},
	}
}
