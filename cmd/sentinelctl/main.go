package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"github.com/armoriq/sentinel/internal/core"
	"github.com/armoriq/sentinel/internal/drift"
	"github.com/armoriq/sentinel/internal/embedding"
	"github.com/armoriq/sentinel/internal/intent"
	"github.com/armoriq/sentinel/internal/ledger"
	"github.com/armoriq/sentinel/internal/policy"
	"github.com/armoriq/sentinel/internal/sim"
	"github.com/spf13/cobra"
)

var (
	ledgerPath string
	demoKey    string
	rulesPath  string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "sentinelctl",
		Short: "Operator CLI for the sentinel supervision core",
	}
	rootCmd.PersistentFlags().StringVar(&ledgerPath, "ledger", "sentinel-audit.log", "path to the audit ledger file")
	rootCmd.PersistentFlags().StringVar(&demoKey, "demo-key", "", "HMAC demo signing key (required for signature checks on demo ledgers)")
	rootCmd.PersistentFlags().StringVar(&rulesPath, "rules", "configs/rules.yaml", "path to the rule source")

	rootCmd.AddCommand(newVerifyCmd())
	rootCmd.AddCommand(newSimulateCmd())
	rootCmd.AddCommand(newStatusCmd())
	rootCmd.AddCommand(newResurrectCmd())
	rootCmd.AddCommand(newLedgerCmd())
	rootCmd.AddCommand(newRulesCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func openLedger(logger *log.Logger) (*ledger.Ledger, error) {
	store, err := ledger.OpenFileStore(ledgerPath, logger)
	if err != nil {
		return nil, err
	}
	var signer ledger.Signer
	if demoKey != "" {
		signer = ledger.NewHMACSigner([]byte(demoKey), nil)
	} else {
		// Without --demo-key a built-in demo key is used; entries signed
		// under any other key fail the signature check during verify.
		signer = ledger.NewHMACSigner([]byte("sentinel-demo"), nil)
	}
	return ledger.Open(store, signer, logger)
}

// openCore assembles the same pipeline the daemon runs — rule source,
// drift engine, simulator, file-backed ledger — and rebuilds drift state
// by replaying the audit log.
func openCore(logger *log.Logger) (*core.Core, *ledger.Ledger, error) {
	data, err := os.ReadFile(rulesPath)
	if err != nil {
		return nil, nil, err
	}
	rs, err := policy.ParseRuleSource(data)
	if err != nil {
		return nil, nil, err
	}
	policyEngine := policy.NewEngine(rs, logger)

	driftEngine, err := drift.NewEngine(drift.DefaultConfig(), embedding.NewHashProvider(128), logger)
	if err != nil {
		return nil, nil, err
	}

	l, err := openLedger(logger)
	if err != nil {
		return nil, nil, err
	}

	simulator := sim.New(sim.DefaultConfig(), policyEngine, driftEngine, sim.DefaultRegistry(), logger)
	c := core.New(core.DefaultConfig(), policyEngine, driftEngine, simulator, l, logger)
	if err := c.Replay(context.Background()); err != nil {
		return nil, nil, err
	}
	return c, l, nil
}

func newVerifyCmd() *cobra.Command {
	var (
		agentID     string
		tool        string
		description string
		capsCSV     string
		argsJSON    string
	)

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Run a single intent through the admission pipeline",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := log.New(os.Stderr, "[sentinelctl] ", log.LstdFlags)
			c, _, err := openCore(logger)
			if err != nil {
				return err
			}

			toolArgs := map[string]interface{}{}
			if argsJSON != "" {
				if err := json.Unmarshal([]byte(argsJSON), &toolArgs); err != nil {
					return fmt.Errorf("parse --args: %w", err)
				}
			}
			var caps []string
			for _, part := range strings.Split(capsCSV, ",") {
				if part = strings.TrimSpace(part); part != "" {
					caps = append(caps, part)
				}
			}

			it := intent.New(agentID, description, tool, caps, toolArgs)
			decision, err := c.VerifyIntent(context.Background(), it, nil)
			if err != nil {
				return err
			}
			return printJSON(os.Stdout, decision)
		},
	}
	cmd.Flags().StringVar(&agentID, "agent", "cli", "agent id to verify as")
	cmd.Flags().StringVar(&tool, "tool", "", "tool name, e.g. Calendar.book")
	cmd.Flags().StringVar(&description, "description", "", "free-text intent description")
	cmd.Flags().StringVar(&capsCSV, "caps", "", "comma-separated declared capabilities")
	cmd.Flags().StringVar(&argsJSON, "args", "", "tool arguments as a JSON object")
	cmd.MarkFlagRequired("tool")
	return cmd
}

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status [agent-id]",
		Short: "Show an agent's risk state, or the fleet summary",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := log.New(os.Stderr, "[sentinelctl] ", log.LstdFlags)
			c, _, err := openCore(logger)
			if err != nil {
				return err
			}
			if len(args) == 0 {
				return printJSON(os.Stdout, c.Drift().Summary())
			}
			state, ok := c.AgentStatus(args[0])
			if !ok {
				return fmt.Errorf("unknown agent %q", args[0])
			}
			return printJSON(os.Stdout, state)
		},
	}
	return cmd
}

func newResurrectCmd() *cobra.Command {
	var (
		adminID string
		reason  string
	)

	cmd := &cobra.Command{
		Use:   "resurrect <agent-id>",
		Short: "Transition a killed agent back to active",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := log.New(os.Stderr, "[sentinelctl] ", log.LstdFlags)
			c, _, err := openCore(logger)
			if err != nil {
				return err
			}
			if err := c.Resurrect(args[0], adminID, reason); err != nil {
				return err
			}
			state, _ := c.AgentStatus(args[0])
			fmt.Printf("agent %s resurrected (level %s, score %.2f)\n", args[0], state.Level, state.Score)
			return nil
		},
	}
	cmd.Flags().StringVar(&adminID, "admin", "", "admin identity approving the resurrection")
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded in the RESURRECTION entry")
	cmd.MarkFlagRequired("admin")
	cmd.MarkFlagRequired("reason")
	return cmd
}

func newLedgerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Inspect and verify the audit ledger",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "verify",
		Short: "Walk the hash chain and verify every signature",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := log.New(os.Stderr, "[sentinelctl] ", log.LstdFlags)
			l, err := openLedger(logger)
			if err != nil {
				return err
			}
			ok, broken := l.VerifyChain()
			if !ok {
				return fmt.Errorf("chain BROKEN at entry %d (%d entries total)", broken, l.Len())
			}
			fmt.Printf("chain OK (%d entries)\n", l.Len())
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "export",
		Short: "Stream entries as JSON lines to stdout",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := log.New(os.Stderr, "[sentinelctl] ", log.LstdFlags)
			l, err := openLedger(logger)
			if err != nil {
				return err
			}
			return l.Export(os.Stdout, ledger.Filter{})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "summary",
		Short: "Print entry counts by kind and agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := log.New(os.Stderr, "[sentinelctl] ", log.LstdFlags)
			l, err := openLedger(logger)
			if err != nil {
				return err
			}
			return printJSON(os.Stdout, l.Summarize())
		},
	})

	return cmd
}

func newRulesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Inspect the declarative rule source",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "Parse the rule source and list rule descriptors",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(rulesPath)
			if err != nil {
				return err
			}
			rs, err := policy.ParseRuleSource(data)
			if err != nil {
				return err
			}
			fmt.Printf("version: %s\n", rs.Version)
			for _, r := range rs.Rules() {
				d := r.Descriptor()
				fmt.Printf("%-28s %-14s %s\n", d.ID, d.Domain, d.Description)
			}
			return nil
		},
	})

	return cmd
}

func newSimulateCmd() *cobra.Command {
	var agentID string

	cmd := &cobra.Command{
		Use:   "simulate [plan.json]",
		Short: "Dry-run a plan file through the pipeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := log.New(os.Stderr, "[sentinelctl] ", log.LstdFlags)
			c, _, err := openCore(logger)
			if err != nil {
				return err
			}

			planData, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			var steps []intent.PlanStep
			if err := json.Unmarshal(planData, &steps); err != nil {
				return fmt.Errorf("parse plan: %w", err)
			}
			plan := intent.NewPlan(agentID, steps)

			result, err := c.SimulatePlan(context.Background(), plan)
			if err != nil {
				return err
			}
			return printJSON(os.Stdout, result)
		},
	}
	cmd.Flags().StringVar(&agentID, "agent", "cli", "agent id to simulate as")
	return cmd
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
