package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/initializ/skillhost/policy"
	"github.com/initializ/skillhost/validate"
)

var validateCmd = &cobra.Command{
	Use:   "validate [config-file]",
	Short: "Validate a launch configuration against the security policy",
	Long: `Validate a JSON launch configuration against the security policy
without spawning anything. Reads from stdin when no file is given.

Examples:
  skillhost validate launch.json
  echo '{"command":"npx","args":["-y","pkg"]}' | skillhost validate`,
	Args: cobra.MaximumNArgs(1),
	RunE: validateRun,
}

func validateRun(cmd *cobra.Command, args []string) error {
	var data []byte
	var err error
	if len(args) == 1 {
		data, err = os.ReadFile(args[0])
	} else {
		data, err = io.ReadAll(os.Stdin)
	}
	if err != nil {
		return err
	}

	outcome := validate.New(policy.Default()).Validate(json.RawMessage(data))
	if !outcome.Valid() {
		fmt.Fprintf(os.Stderr, "REJECTED (%s): %s\n", outcome.Rejection.Reason, outcome.Rejection.Detail)
		return fmt.Errorf("launch configuration rejected")
	}

	out, err := json.MarshalIndent(outcome.Config, "", "  ")
	if err != nil {
		return err
	}
	fmt.Printf("OK: sanitized configuration\n%s\n", out)
	return nil
}
