package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"intentbridge/internal/articulation"
)

var parseStrictOnly bool

// parseCmd runs worker answers through the action-language parser offline.
var parseCmd = &cobra.Command{
	Use:   "parse [answer...]",
	Short: "Parse worker answers without starting a worker",
	Long: `Parses each argument (or each stdin line when no arguments are given) the way
the bridge parses worker answers, and prints the result as JSON.`,
	Example: `  intentbridge parse "Providing cover!|guard_area|use_gun"
  echo 'Sure thing | follow player' | intentbridge parse`,
	RunE: func(cmd *cobra.Command, args []string) error {
		inputs := args
		if len(inputs) == 0 {
			scanner := bufio.NewScanner(os.Stdin)
			for scanner.Scan() {
				if line := strings.TrimSpace(scanner.Text()); line != "" {
					inputs = append(inputs, line)
				}
			}
			if err := scanner.Err(); err != nil {
				return fmt.Errorf("read stdin: %w", err)
			}
		}

		parser := articulation.NewParser()
		enc := json.NewEncoder(cmd.OutOrStdout())
		failed := 0
		for _, in := range inputs {
			var (
				intent *articulation.ParsedIntent
				err    error
			)
			if parseStrictOnly {
				intent, err = articulation.ParseStrict(in)
			} else {
				intent, err = parser.Parse(in)
			}
			if err != nil {
				failed++
				_ = enc.Encode(map[string]string{"input": in, "error": err.Error()})
				continue
			}
			_ = enc.Encode(intentLine{
				Speech:   intent.Speech,
				Actions:  intent.Keywords(),
				Target:   intent.Target,
				Method:   string(intent.Method),
				Warnings: intent.Warnings,
			})
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d answer(s) did not parse", failed, len(inputs))
		}
		return nil
	},
}

func init() {
	parseCmd.Flags().BoolVar(&parseStrictOnly, "strict", false, "Only accept the exact speech|action|... grammar")
}
