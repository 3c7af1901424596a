package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"crossforge/pkg/telemetry"
	"crossforge/services/provisioner"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.ExitCode())
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "forgectl",
		Short:         "Provision cross-compile toolchains and export their build environment",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(newProvisionCommand())
	cmd.AddCommand(newEnvCommand())
	cmd.AddCommand(newExecCommand())
	cmd.AddCommand(newManifestCommand())
	cmd.AddCommand(newBundleCommand())
	return cmd
}

func newBundleCommand() *cobra.Command {
	var (
		dir          string
		output       string
		baseURL      string
		manifestOut  string
		signManifest bool
	)

	cmd := &cobra.Command{
		Use:   "bundle",
		Short: "Pack a toolchain directory into a tar.zst bundle plus fetch manifest",
		RunE: func(cmd *cobra.Command, args []string) error {
			var signer *provisioner.Signer
			if signManifest {
				var err error
				signer, err = provisioner.NewSignerFromEnv()
				if err != nil {
					return err
				}
			}

			manifest, err := provisioner.Pack(cmd.Context(), dir, output, baseURL, signer)
			if err != nil {
				return err
			}
			if manifestOut == "" {
				manifestOut = output + ".manifest.yaml"
			}
			if err := manifest.WriteFile(manifestOut); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s and %s\n", output, manifestOut)
			return nil
		},
	}

	cmd.Flags().StringVar(&dir, "dir", "", "Directory containing the toolchain to bundle")
	cmd.Flags().StringVar(&output, "output", "", "Destination bundle file (tar.zst)")
	cmd.Flags().StringVar(&baseURL, "base-url", "", "URL prefix the bundle will be served under")
	cmd.Flags().StringVar(&manifestOut, "manifest", "", "Where to write the fetch manifest (default <output>.manifest.yaml)")
	cmd.Flags().BoolVar(&signManifest, "sign", false, "Sign the manifest with FORGE_SECRET_KEY")
	_ = cmd.MarkFlagRequired("dir")
	_ = cmd.MarkFlagRequired("output")
	_ = cmd.MarkFlagRequired("base-url")
	return cmd
}

func newProvisionCommand() *cobra.Command {
	var (
		configFile  string
		installRoot string
		envFile     string
		force       bool
		parallel    bool
	)

	cmd := &cobra.Command{
		Use:   "provision",
		Short: "Fetch and extract all configured artifacts, then write the build environment",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			shutdown, logger, tracer, err := telemetry.Init(ctx, "forgectl")
			if err != nil {
				return fmt.Errorf("init telemetry: %w", err)
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := shutdown(shutdownCtx); err != nil {
					fmt.Fprintf(os.Stderr, "telemetry shutdown error: %v\n", err)
				}
			}()

			cfg, err := provisioner.LoadConfig(configFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if installRoot != "" {
				cfg.InstallRoot = installRoot
			}
			if cmd.Flags().Changed("force") {
				cfg.Force = force
			}
			if cmd.Flags().Changed("parallel") {
				cfg.Parallel = parallel
			}

			prov := provisioner.New(cfg, logger)
			prov.Tracer = tracer
			env, err := prov.Run(ctx)
			if err != nil {
				return err
			}

			if envFile != "" {
				if err := env.WriteFile(envFile); err != nil {
					return err
				}
				logger.Printf("INFO wrote %s", envFile)
			}
			for _, v := range env.Vars() {
				fmt.Fprintf(cmd.OutOrStdout(), "%s=%s\n", v.Name, v.Value)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&configFile, "config", "", "Provisioning config file (yaml)")
	cmd.Flags().StringVar(&installRoot, "install-root", "", "Override the install root")
	cmd.Flags().StringVar(&envFile, "env-file", "", "Write POSIX export lines to this file")
	cmd.Flags().BoolVar(&force, "force", false, "Re-provision artifacts whose destination is already populated")
	cmd.Flags().BoolVar(&parallel, "parallel", false, "Provision artifacts concurrently")
	return cmd
}

func newEnvCommand() *cobra.Command {
	var configFile string

	cmd := &cobra.Command{
		Use:   "env",
		Short: "Print the build environment for an already provisioned install root",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := provisioner.LoadConfig(configFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			env, err := provisioner.BuildEnvironment(cfg)
			if err != nil {
				return err
			}
			for _, v := range env.Vars() {
				fmt.Fprintf(cmd.OutOrStdout(), "%s=%s\n", v.Name, v.Value)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&configFile, "config", "", "Provisioning config file (yaml)")
	return cmd
}

func newExecCommand() *cobra.Command {
	var configFile string

	cmd := &cobra.Command{
		Use:   "exec -- command [args...]",
		Short: "Provision if needed, then run a build command with the environment injected",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			shutdown, logger, tracer, err := telemetry.Init(ctx, "forgectl")
			if err != nil {
				return fmt.Errorf("init telemetry: %w", err)
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = shutdown(shutdownCtx)
			}()

			cfg, err := provisioner.LoadConfig(configFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			prov := provisioner.New(cfg, logger)
			prov.Tracer = tracer
			env, err := prov.Run(ctx)
			if err != nil {
				return err
			}

			child := exec.CommandContext(ctx, args[0], args[1:]...)
			child.Stdin = os.Stdin
			child.Stdout = os.Stdout
			child.Stderr = os.Stderr
			env.Apply(child)
			return child.Run()
		},
	}

	cmd.Flags().StringVar(&configFile, "config", "", "Provisioning config file (yaml)")
	return cmd
}

func newManifestCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "manifest",
		Short: "Fetch-manifest signing and verification",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cmd.AddCommand(newManifestSignCommand())
	cmd.AddCommand(newManifestVerifyCommand())
	return cmd
}

func newManifestSignCommand() *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "sign",
		Short: "Sign a fetch manifest in place",
		RunE: func(cmd *cobra.Command, args []string) error {
			signer, err := provisioner.NewSignerFromEnv()
			if err != nil {
				return err
			}
			manifest, err := provisioner.LoadManifest(file)
			if err != nil {
				return err
			}
			if err := manifest.Sign(signer); err != nil {
				return err
			}
			if err := manifest.WriteFile(file); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "signed %s (%d entries)\n", file, len(manifest.Entries))
			return nil
		},
	}

	cmd.Flags().StringVar(&file, "file", "", "Path to the fetch manifest")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func newManifestVerifyCommand() *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify a fetch manifest signature",
		RunE: func(cmd *cobra.Command, args []string) error {
			signer, err := provisioner.NewSignerFromEnv()
			if err != nil {
				return err
			}
			manifest, err := provisioner.LoadManifest(file)
			if err != nil {
				return err
			}
			if err := manifest.VerifySignature(signer); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "verified %s (%d entries)\n", file, len(manifest.Entries))
			return nil
		},
	}

	cmd.Flags().StringVar(&file, "file", "", "Path to the fetch manifest")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}
