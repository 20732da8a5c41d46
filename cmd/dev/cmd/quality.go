package cmd

import (
	"fmt"

	"github.com/gophertribe/devtool/test"
	"github.com/spf13/cobra"
)

type check struct {
	use, short, what string
	run              func() error
}

// QualityCmds returns the test and lint commands. Integration tests talk to a
// real 24LC256 and are left out of the default test run.
func QualityCmds() []*cobra.Command {
	checks := []check{
		{"test", "Run unit tests against the simulated EEPROM", "tests", test.Test},
		{"lint", "Run linting", "linting", test.Lint},
		{"integration-test", "Run integration tests on attached hardware", "integration testing", test.Integ},
	}
	cmds := make([]*cobra.Command, 0, len(checks))
	for _, c := range checks {
		cmds = append(cmds, &cobra.Command{
			Use:   c.use,
			Short: c.short,
			RunE: func(cmd *cobra.Command, args []string) error {
				if err := c.run(); err != nil {
					return fmt.Errorf("failed to run %s: %w", c.what, err)
				}
				return nil
			},
		})
	}
	return cmds
}
