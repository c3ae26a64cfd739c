package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/crossstack-ai/crossbridge/internal/classifier"
	"github.com/crossstack-ai/crossbridge/internal/config"
	"github.com/crossstack-ai/crossbridge/internal/model"
)

func (a *app) rulesCommand() *cobra.Command {
	cmd := &cobra.Command{Use: "rules", Short: "Inspect and test classification rules"}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "Print the effective rule set in match order",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.rulesList()
		},
	}

	var signature string
	testCmd := &cobra.Command{
		Use:   "test",
		Short: "Dry-run a signature through the rule engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.rulesTest(signature)
		},
	}
	testCmd.Flags().StringVar(&signature, "signature", "", "error signature text (required)")
	_ = testCmd.MarkFlagRequired("signature")

	var file string
	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Strictly validate a rule file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.rulesValidate(file)
		},
	}
	validateCmd.Flags().StringVar(&file, "file", "", "rule file to validate (required)")
	_ = validateCmd.MarkFlagRequired("file")

	cmd.AddCommand(listCmd, testCmd, validateCmd)
	return cmd
}

func (a *app) effectiveEngine() (*classifier.Engine, error) {
	if a.rulesPath == "" {
		return classifier.NewEngine(nil), nil
	}
	rules, err := classifier.LoadRules(a.rulesPath)
	if err != nil {
		return nil, &config.Error{Message: err.Error()}
	}
	return classifier.NewEngine(rules), nil
}

func (a *app) rulesList() error {
	engine, err := a.effectiveEngine()
	if err != nil {
		return a.fail(err)
	}
	rules := engine.Rules()
	if a.jsonOut {
		return printJSON(rules)
	}
	for _, r := range rules {
		fmt.Printf("p%-3d %-28s %-22s requires=%s", r.Priority, r.ID, r.Category,
			strings.Join(r.Requires, "+"))
		if len(r.Excludes) > 0 {
			fmt.Printf(" excludes=%s", strings.Join(r.Excludes, "+"))
		}
		fmt.Printf(" confidence=%.2f\n", r.Confidence)
	}
	return nil
}

func (a *app) rulesTest(signature string) error {
	engine, err := a.effectiveEngine()
	if err != nil {
		return a.fail(err)
	}
	c := engine.Classify("rules-test", signature)
	if a.jsonOut {
		return printJSON(c)
	}
	fmt.Printf("category: %s (confidence %.2f)\n", c.Category, c.Confidence)
	for _, ev := range c.Evidence {
		fmt.Printf("  matched %q (rule %s, line %d)\n", ev.Matched, ev.PatternID, ev.LineOffset)
	}
	if c.Category == model.CategoryUnknown {
		fmt.Println("  no rule matched")
	}
	return nil
}

func (a *app) rulesValidate(file string) error {
	rules, err := classifier.LoadRules(file)
	if err != nil {
		return a.fail(&config.Error{Message: err.Error()})
	}
	if a.jsonOut {
		return printJSON(map[string]any{"valid": true, "rules": len(rules)})
	}
	fmt.Printf("%s: %d rules, all valid\n", file, len(rules))
	return nil
}
