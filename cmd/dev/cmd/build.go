package cmd

import (
	"fmt"
	"log/slog"
	"runtime"
	"sort"

	"github.com/spf13/cobra"

	"github.com/gophertribe/devtool/build"
)

const configPackage = "github.com/mklimuk/onewire/pkg/config"

// target is a platform the cli is released for.
type target struct {
	OS   string
	Arch string
}

// Boards with a free GPIO pin or a USB port for the MCP2221 bridge.
var targets = map[string]target{
	"native": {OS: runtime.GOOS, Arch: runtime.GOARCH},
	"rpi":    {OS: "linux", Arch: "arm"},
	"rpi64":  {OS: "linux", Arch: "arm64"},
}

func targetNames() []string {
	names := make([]string, 0, len(targets))
	for name := range targets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func resolveTarget(name string) (target, error) {
	t, ok := targets[name]
	if !ok {
		return target{}, fmt.Errorf("unknown target %q, expected one of %v", name, targetNames())
	}
	return t, nil
}

func (t target) native() bool {
	return t.OS == runtime.GOOS && t.Arch == runtime.GOARCH
}

// output keeps the plain binary name for host builds so dist/ds18b20 can be run
// directly.
func (t target) output() string {
	if t.native() {
		return "dist/ds18b20"
	}
	return fmt.Sprintf("dist/ds18b20-%s-%s", t.OS, t.Arch)
}

// buildArgs are the arguments the dev binary gets inside the build container.
func buildArgs(name, version string) []string {
	return []string{"build", "--target", name, "--version", version}
}

func BuildCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "build",
		Short: "Build the ds18b20 cli",
		Long: fmt.Sprintf(`Build the ds18b20 cli for one of the supported targets %v.

The MCP2221 bridge is reached through hidapi, so the build needs cgo and an
ARM cross compiler for the rpi targets. Pass --docker to build inside the
gobuild image which carries both.`, targetNames()),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := cmd.Flag("target").Value.String()
			version := cmd.Flag("version").Value.String()
			t, err := resolveTarget(name)
			if err != nil {
				return err
			}
			docker, err := cmd.Flags().GetBool("docker")
			if err != nil {
				return fmt.Errorf("could not get docker flag: %w", err)
			}
			if !docker || t.native() {
				slog.Info("building ds18b20", "target", name, "os", t.OS, "arch", t.Arch, "output", t.output())
				return build.GoBuild(t.output(), "./cmd/ds18b20", build.GoBuildOpts{
					Version:       version,
					InjectVersion: true,
					ConfigPackage: configPackage,
					EnableCgo:     true,
					OS:            t.OS,
					Arch:          t.Arch,
				})
			}

			noCache, err := cmd.Flags().GetBool("no-cache")
			if err != nil {
				return fmt.Errorf("could not get no-cache flag: %w", err)
			}
			// the container runs linux on the host architecture
			return build.Docker(cmd.Context(), fmt.Sprintf("./dev-linux-%s", runtime.GOARCH), buildArgs(name, version), build.DockerBuildOpts{
				NoCache: noCache,
				Image:   "gophertribe/gobuild:1.25-bookworm",
			})
		},
	}
	cmd.Flags().String("target", "native", "board to build for")
	cmd.Flags().String("version", "latest", "version reported by ds18b20 --version")
	cmd.Flags().Bool("docker", false, "cross compile inside the build image")
	cmd.Flags().Bool("no-cache", false, "do not use cache when building the app")
	_ = cmd.RegisterFlagCompletionFunc("target", func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		return targetNames(), cobra.ShellCompDirectiveNoFileComp
	})
	return cmd
}
