package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"trionyx/pkg/bootstrap"
	"trionyx/pkg/config"
	"trionyx/pkg/export"
	"trionyx/pkg/telemetry"
	"trionyx/services/admin"
)

const serviceName = "trionyxctl"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type globals struct {
	configPath string
}

func newRootCommand() *cobra.Command {
	g := &globals{}
	cmd := &cobra.Command{
		Use:           serviceName,
		Short:         "Operate a trionyx installation",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&g.configPath, "config", "", "YAML settings file (defaults to $"+config.PathEnv+")")

	cmd.AddCommand(newMigrateCommand(g))
	cmd.AddCommand(newTasksCommand(g))
	cmd.AddCommand(newRecoverCommand(g))
	cmd.AddCommand(newCreateSuperuserCommand(g))
	cmd.AddCommand(newExportCommand(g))
	cmd.AddCommand(newVariablesCommand(g))
	return cmd
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func (g *globals) open(ctx context.Context) (*bootstrap.Env, error) {
	cfg, err := config.Load(ctx, g.configPath)
	if err != nil {
		return nil, err
	}
	logger := telemetry.NewLogger(serviceName, telemetry.Options{
		LogLevel:  cfg.LogLevel,
		LogFormat: "console",
		Out:       os.Stderr,
	})
	return bootstrap.Open(ctx, cfg, logger, bootstrap.Options{})
}

func (g *globals) run(cmd *cobra.Command, fn func(ctx context.Context, env *bootstrap.Env) error) error {
	ctx := commandContext(cmd)
	env, err := g.open(ctx)
	if err != nil {
		return err
	}
	defer env.Close()
	return fn(ctx, env)
}

func newMigrateCommand(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply migrations and synchronise permissions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.run(cmd, func(ctx context.Context, env *bootstrap.Env) error {
				if err := env.Migrate(ctx); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
				return nil
			})
		},
	}
}

func newTasksCommand(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "Inspect background tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	var q admin.TaskQuery
	list := &cobra.Command{
		Use:   "list",
		Short: "List the newest task records",
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.run(cmd, func(ctx context.Context, env *bootstrap.Env) error {
				records, err := admin.ListTasks(ctx, env.DB, q)
				if err != nil {
					return err
				}
				admin.RenderTasks(cmd.OutOrStdout(), records)
				return nil
			})
		},
	}
	list.Flags().StringVar(&q.Status, "status", "", "Only tasks with this status")
	list.Flags().IntVar(&q.Limit, "limit", 50, "Maximum number of tasks")

	cmd.AddCommand(list)
	return cmd
}

func newRecoverCommand(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "recover",
		Short: "Fail tasks that stopped without finishing",
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.run(cmd, func(ctx context.Context, env *bootstrap.Env) error {
				n, err := env.Tasks.Recover(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%d tasks marked failed\n", n)
				return nil
			})
		},
	}
}

func newCreateSuperuserCommand(g *globals) *cobra.Command {
	var in admin.Superuser
	cmd := &cobra.Command{
		Use:   "createsuperuser",
		Short: "Create an active superuser account",
		RunE: func(cmd *cobra.Command, args []string) error {
			if in.Password == "" {
				in.Password = os.Getenv("TRIONYX_SUPERUSER_PASSWORD")
			}
			return g.run(cmd, func(ctx context.Context, env *bootstrap.Env) error {
				u, err := admin.CreateSuperuser(ctx, env.DB, in)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "created superuser %s (id %d)\n", u.Email, u.ID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&in.Email, "email", "", "Email address used to log in")
	cmd.Flags().StringVar(&in.Password, "password", "", "Password (defaults to $TRIONYX_SUPERUSER_PASSWORD)")
	cmd.Flags().StringVar(&in.FirstName, "first-name", "", "First name")
	cmd.Flags().StringVar(&in.LastName, "last-name", "", "Last name")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}

func newExportCommand(g *globals) *cobra.Command {
	var (
		output string
		models []string
		upload bool
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write a signed CSV archive of registered entities",
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.run(cmd, func(ctx context.Context, env *bootstrap.Env) error {
				cfg := admin.ExportConfig{
					DB:       env.DB,
					Registry: env.Site.Models,
					Models:   models,
					Output:   output,
					Stdout:   cmd.OutOrStdout(),
				}
				if env.Config.ExportSigningKey != "" {
					signer, err := export.NewSigner(env.Config.ExportSigningKey, env.Config.ExportPublicKey)
					if err != nil {
						return err
					}
					cfg.Signer = signer
				}
				if upload {
					if env.Storage == nil {
						return errors.New("--upload requires S3_ENDPOINT")
					}
					cfg.Upload = env.Storage
				}
				_, err := admin.Export(ctx, cfg)
				return err
			})
		},
	}
	cmd.Flags().StringVar(&output, "output", "", "Destination archive (tar.zst)")
	cmd.Flags().StringSliceVar(&models, "model", nil, "Entity alias such as app.model; repeat or omit for all")
	cmd.Flags().BoolVar(&upload, "upload", false, "Upload the archive to object storage")
	_ = cmd.MarkFlagRequired("output")

	cmd.AddCommand(newExportVerifyCommand(g))
	return cmd
}

func newExportVerifyCommand(g *globals) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Check the checksums and signature of an archive",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(commandContext(cmd), g.configPath)
			if err != nil {
				return err
			}
			var signer *export.Signer
			if cfg.ExportSigningKey != "" || cfg.ExportPublicKey != "" {
				if signer, err = export.NewSigner(cfg.ExportSigningKey, cfg.ExportPublicKey); err != nil {
					return err
				}
			}
			manifest, err := admin.VerifyExport(commandContext(cmd), file, signer)
			if err != nil {
				return err
			}
			for _, e := range manifest.Entities {
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %d rows ok\n", e.Model, e.Rows)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "Archive to verify")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func newVariablesCommand(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "variables",
		Short: "Read and write system variables",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List system variables",
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.run(cmd, func(ctx context.Context, env *bootstrap.Env) error {
				vars, err := env.Variables.Codes(ctx)
				if err != nil {
					return err
				}
				admin.RenderVariables(cmd.OutOrStdout(), vars)
				return nil
			})
		},
	}

	var secret bool
	set := &cobra.Command{
		Use:   "set CODE VALUE",
		Short: "Store a system variable; JSON values are kept typed",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.run(cmd, func(ctx context.Context, env *bootstrap.Env) error {
				return admin.SetVariable(ctx, env.Variables, args[0], args[1], secret)
			})
		},
	}
	set.Flags().BoolVar(&secret, "secret", false, "Encrypt the value with the configured age identity")

	cmd.AddCommand(list, set)
	return cmd
}
