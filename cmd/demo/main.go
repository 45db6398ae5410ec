// Command demo runs a minimal end-to-end extraction: it builds a kernel,
// subscribes to lifecycle events, parses a sample invoice, then reuses the
// plan through a session.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"goa.design/clue/log"

	"goa.design/parserator/runtime/kernel"
	"goa.design/parserator/runtime/parse"
	"goa.design/parserator/runtime/telemetry"
)

const invoice = `Invoice #8271
Billed to: Ada Lovelace
Email: ada@example.com
Due date: 2026-09-15
Total: $1,249.00
`

func main() {
	ctx := log.Context(context.Background(), log.WithFormat(log.FormatTerminal))

	core, err := kernel.New(kernel.Options{
		APIKey: "pk-demo",
		Logger: telemetry.NewClueLogger(),
	})
	if err != nil {
		log.Error(ctx, err)
		os.Exit(1)
	}

	sub, err := core.Telemetry().Register(telemetry.ListenerFunc(
		func(ctx context.Context, ev telemetry.Event) error {
			log.Info(ctx, log.KV{K: "event", V: string(ev.Type)}, log.KV{K: "source", V: string(ev.Source)})
			return nil
		}))
	if err != nil {
		log.Error(ctx, err)
		os.Exit(1)
	}
	defer sub.Close()

	schema := map[string]any{
		"name":  "string",
		"email": "email",
		"due":   "date",
		"total": "currency",
	}

	resp := core.Parse(ctx, &parse.Request{
		InputData:    invoice,
		OutputSchema: schema,
	})
	printResponse("standalone parse", resp)

	// A session reuses the plan across parses, so only the first invoice
	// pays the planning cost.
	session := core.CreateSession(kernel.SessionParams{OutputSchema: schema})
	for _, input := range []string{invoice, "Invoice #8272\nBilled to: Grace Hopper\nEmail: grace@example.com\nDue date: 2026-10-01\nTotal: $312.40\n"} {
		resp := session.Parse(ctx, input, nil)
		printResponse("session parse", resp)
	}
	if err := session.WaitForIdle(ctx); err != nil {
		log.Error(ctx, err)
	}

	snap := session.Snapshot()
	fmt.Printf("session %s: %d parses, architect tokens %d, extractor tokens %d\n",
		snap.ID, snap.ParseCount, snap.TotalArchitectTokens, snap.TotalExtractorTokens)
}

func printResponse(label string, resp *parse.Response) {
	if !resp.Success {
		fmt.Printf("%s failed: %s\n", label, resp.Error.Message)
		return
	}
	data, _ := json.MarshalIndent(resp.ParsedData, "", "  ")
	fmt.Printf("%s (confidence %.2f, %d tokens):\n%s\n",
		label, resp.Metadata.Confidence, resp.Metadata.TokensUsed, data)
}
