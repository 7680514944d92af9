package toolbelt

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/siddhartha9/interruption-aware-voice-bot/pkg/types"
)

// The built-in demonstration tools cover the two cancellation archetypes: a
// slow synchronous lookup that polls its cancel signal between steps, and a
// fire-and-forget job that acknowledges immediately and finishes (or is
// cancelled) in the background.

const (
	balanceSteps     = 5
	balanceStepDelay = 100 * time.Millisecond
)

// CheckAccountBalance returns the slow synchronous demo tool. The lookup
// takes about half a second and observes cancellation within one step.
func CheckAccountBalance() BuiltinTool {
	return BuiltinTool{
		Definition: toolDef(
			"check_account_balance",
			"Look up the current balance of one of the user's accounts. Takes about half a second.",
			map[string]any{
				"account": map[string]any{
					"type":        "string",
					"description": "Account alias, for example \"checking\" or \"savings\".",
				},
			},
		),
		Handler: checkAccountBalance,
	}
}

func checkAccountBalance(ctx context.Context, args string) (string, error) {
	var req struct {
		Account string `json:"account"`
	}
	if err := parseArgs(args, &req); err != nil {
		return fmt.Sprintf("invalid arguments: %v", err), nil
	}
	if req.Account == "" {
		req.Account = "checking"
	}

	// The cancel signal is polled between steps, so an interruption stops
	// the lookup within one step interval.
	for step := 0; step < balanceSteps; step++ {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(balanceStepDelay):
		}
	}

	out, err := json.Marshal(map[string]any{
		"account":  req.Account,
		"balance":  demoBalance(req.Account),
		"currency": "EUR",
	})
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// EmailBankStatement returns the background demo tool: it acknowledges the
// request immediately while the delivery keeps running — and keeps its
// registry entry — until done.
func EmailBankStatement() BuiltinTool {
	return BuiltinTool{
		Definition: toolDef(
			"email_bank_statement",
			"Email the user's bank statement for a period to their registered address. Returns immediately; delivery happens in the background.",
			map[string]any{
				"period": map[string]any{
					"type":        "string",
					"description": "Statement period, for example \"last-month\" or \"2026-07\".",
				},
			},
		),
		Handler:    emailBankStatement,
		Background: true,
		Ack:        "the statement email has been scheduled; delivery continues in the background",
	}
}

func emailBankStatement(ctx context.Context, args string) (string, error) {
	var req struct {
		Period string `json:"period"`
	}
	if err := parseArgs(args, &req); err != nil {
		return fmt.Sprintf("invalid arguments: %v", err), nil
	}
	if req.Period == "" {
		req.Period = "last-month"
	}

	// Render, then deliver; the cancel signal is polled between the stages.
	for _, stage := range []time.Duration{200 * time.Millisecond, 300 * time.Millisecond} {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(stage):
		}
	}
	return fmt.Sprintf("statement for %s sent", req.Period), nil
}

// RegisterDefaults adds the built-in demonstration tools to the belt.
func RegisterDefaults(b *Belt) error {
	for _, tool := range []BuiltinTool{CheckAccountBalance(), EmailBankStatement()} {
		if err := b.RegisterBuiltin(tool); err != nil {
			return err
		}
	}
	return nil
}

func toolDef(name, description string, properties map[string]any) types.ToolDefinition {
	return types.ToolDefinition{
		Name:        name,
		Description: description,
		Parameters: map[string]any{
			"type":       "object",
			"properties": properties,
		},
	}
}

func parseArgs(args string, into any) error {
	if args == "" || args == "{}" {
		return nil
	}
	return json.Unmarshal([]byte(args), into)
}

// demoBalance derives a stable demo figure from the account name.
func demoBalance(account string) float64 {
	h := fnv.New32a()
	h.Write([]byte(account))
	cents := h.Sum32() % 1_000_000
	return float64(cents) / 100
}
