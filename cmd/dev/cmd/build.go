package cmd

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/gophertribe/devtool/build"
)

// eeprom links karalabe/hid, so every build needs cgo; cross builds run in
// a container carrying the target toolchain.
func BuildCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "build",
		Short: "Build the eeprom cli",
		RunE: func(cmd *cobra.Command, args []string) error {
			flags := cmd.Flags()
			version, _ := flags.GetString("version")
			targetOS, _ := flags.GetString("os")
			targetArch, _ := flags.GetString("arch")
			crossOS, _ := flags.GetString("cross-os")
			crossArch, _ := flags.GetString("cross-arch")

			if targetOS != runtime.GOOS || targetArch != runtime.GOARCH {
				noCache, err := flags.GetBool("no-cache")
				if err != nil {
					return fmt.Errorf("could not get no-cache flag: %w", err)
				}
				dockerArgs := []string{"build", "--version", version, "--cross-os", crossOS, "--cross-arch", crossArch}
				return build.Docker(cmd.Context(), fmt.Sprintf("./dev-%s-%s", targetOS, targetArch), dockerArgs, build.DockerBuildOpts{
					NoCache: noCache,
					Image:   "gophertribe/gobuild:1.25-bookworm",
				})
			}
			if crossOS != "" && crossArch != "" {
				targetOS, targetArch = crossOS, crossArch
			}
			return build.GoBuild("dist/eeprom", "./cmd/eeprom", build.GoBuildOpts{
				Version:       version,
				InjectVersion: true,
				ConfigPackage: "github.com/mklimuk/i2cmem/config",
				EnableCgo:     true,
				Arch:          targetArch,
				OS:            targetOS,
			})
		},
	}
	cmd.Flags().Bool("no-cache", false, "do not use cache when building the app")
	cmd.Flags().String("version", "latest", "version of the cli")
	cmd.Flags().String("os", runtime.GOOS, "os to build for")
	cmd.Flags().String("arch", runtime.GOARCH, "arch to build for")
	cmd.Flags().String("cross-os", "", "os to cross-compile for, e.g. linux for a NanoPi")
	cmd.Flags().String("cross-arch", "", "arch to cross-compile for, e.g. arm")
	return cmd
}
