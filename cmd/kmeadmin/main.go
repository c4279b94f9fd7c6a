package main

import (
	"encoding/base64"
	"fmt"
	"log"
	"os"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"

	"github.com/omkar-sarwat/Qumail-sub003/api"
	"github.com/omkar-sarwat/Qumail-sub003/api/clients"
	"github.com/omkar-sarwat/Qumail-sub003/cmd/flags"
)

func main() {
	_ = godotenv.Load()

	app := &cli.App{
		Name:  "kmeadmin",
		Usage: "Administer a KME node over its Key Delivery API",
		Flags: append([]cli.Flag{flags.ServerAddrFlag}, flags.CommonFlags...),
		Commands: []*cli.Command{
			{
				Name:  "register",
				Usage: "Register a principal and seed its key pool",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "id", Required: true, Usage: "principal identifier"},
					&cli.StringFlag{Name: "label", Usage: "display label"},
					&cli.StringFlag{Name: "contact", Usage: "contact address"},
					&cli.IntFlag{Name: "pool-size", Usage: "initial pool target size (0 uses the node default)"},
					&cli.IntFlag{Name: "max-keys", Usage: "pool hard capacity (0 uses the node default)"},
				},
				Action: runRegister,
			},
			{
				Name:      "deactivate",
				Usage:     "Soft-deactivate a principal",
				ArgsUsage: "<principal-id>",
				Action:    runDeactivate,
			},
			{
				Name:      "status",
				Usage:     "Show a principal's pool summary",
				ArgsUsage: "<principal-id>",
				Action:    runStatus,
			},
			{
				Name:   "principals",
				Usage:  "List registered principals",
				Action: runPrincipals,
			},
			{
				Name:      "sync",
				Usage:     "Run a manual pool synchronization",
				ArgsUsage: "<principal-id>",
				Action:    runSync,
			},
			{
				Name:      "tickets",
				Usage:     "List recent sync tickets for a principal",
				ArgsUsage: "<principal-id>",
				Action:    runTickets,
			},
			{
				Name:  "enc-keys",
				Usage: "Request encryption keys from a principal's pool",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "requester", Required: true, Usage: "requesting principal"},
					&cli.StringFlag{Name: "target", Required: true, Usage: "counterpart principal whose pool serves the keys"},
					&cli.IntFlag{Name: "count", Value: 1, Usage: "number of keys"},
					&cli.IntFlag{Name: "size", Usage: "key size in bits (0 uses the pool size)"},
				},
				Action: runEncKeys,
			},
			{
				Name:      "dec-keys",
				Usage:     "Retrieve keys by identifier from a principal's own pool",
				ArgsUsage: "<owner-id> <key-id>...",
				Action:    runDecKeys,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func deliveryClient(cCtx *cli.Context) *clients.DeliveryClient {
	return &clients.DeliveryClient{ServerAddr: cCtx.String(flags.ServerAddrFlag.Name)}
}

func runRegister(cCtx *cli.Context) error {
	client := deliveryClient(cCtx)
	p, err := client.RegisterPrincipal(cCtx.Context, api.RegisterPrincipalRequest{
		ID:              cCtx.String("id"),
		Label:           cCtx.String("label"),
		Contact:         cCtx.String("contact"),
		InitialPoolSize: cCtx.Int("pool-size"),
		MaxKeys:         cCtx.Int("max-keys"),
	})
	if err != nil {
		return err
	}
	fmt.Printf("registered %s (pool target %d, key size %dB)\n", p.ID, p.Pool.TargetSize, p.Pool.KeySize)
	return nil
}

func runDeactivate(cCtx *cli.Context) error {
	id := cCtx.Args().First()
	if id == "" {
		return fmt.Errorf("missing principal id")
	}
	if err := deliveryClient(cCtx).DeactivatePrincipal(cCtx.Context, id); err != nil {
		return err
	}
	fmt.Printf("deactivated %s\n", id)
	return nil
}

func runStatus(cCtx *cli.Context) error {
	id := cCtx.Args().First()
	if id == "" {
		return fmt.Errorf("missing principal id")
	}
	summary, err := deliveryClient(cCtx).Status(cCtx.Context, id)
	if err != nil {
		return err
	}
	fmt.Printf("pool %s: total=%d used=%d available=%d", summary.Owner, summary.Total, summary.Used, summary.Available)
	if summary.LastSync != nil {
		fmt.Printf(" last_sync=%s", summary.LastSync.Format("2006-01-02T15:04:05Z07:00"))
	}
	fmt.Println()
	return nil
}

func runPrincipals(cCtx *cli.Context) error {
	principals, err := deliveryClient(cCtx).Principals(cCtx.Context)
	if err != nil {
		return err
	}
	for _, p := range principals {
		state := "active"
		if !p.Active {
			state = "inactive"
		}
		role := "replica"
		if p.Home {
			role = "home"
		}
		fmt.Printf("%s\t%s\t%s\t%s\n", p.ID, p.Label, state, role)
	}
	return nil
}

func runSync(cCtx *cli.Context) error {
	id := cCtx.Args().First()
	if id == "" {
		return fmt.Errorf("missing principal id")
	}
	ticket, err := deliveryClient(cCtx).Sync(cCtx.Context, id)
	if err != nil {
		return err
	}
	fmt.Printf("sync %s: outcome=%s keys_pulled=%d\n", ticket.ID, ticket.Outcome, ticket.KeysPulled)
	if ticket.Error != "" {
		fmt.Printf("error: %s\n", ticket.Error)
	}
	return nil
}

func runTickets(cCtx *cli.Context) error {
	id := cCtx.Args().First()
	if id == "" {
		return fmt.Errorf("missing principal id")
	}
	tickets, err := deliveryClient(cCtx).Tickets(cCtx.Context, id)
	if err != nil {
		return err
	}
	for _, t := range tickets {
		fmt.Printf("%s\t%s\t%s\tpulled=%d\t%s\n", t.StartedAt.Format("2006-01-02T15:04:05Z07:00"), t.Trigger, t.Outcome, t.KeysPulled, t.Error)
	}
	return nil
}

func runEncKeys(cCtx *cli.Context) error {
	resp, err := deliveryClient(cCtx).EncryptionKeys(cCtx.Context, cCtx.String("target"), api.EncryptionKeysRequest{
		Requester: cCtx.String("requester"),
		Count:     cCtx.Int("count"),
		SizeBits:  cCtx.Int("size"),
	})
	if err != nil {
		return err
	}
	for _, k := range resp.Keys {
		fmt.Printf("%s\t%s\n", k.KeyID, base64.StdEncoding.EncodeToString(k.Material))
	}
	return nil
}

func runDecKeys(cCtx *cli.Context) error {
	args := cCtx.Args().Slice()
	if len(args) < 2 {
		return fmt.Errorf("usage: dec-keys <owner-id> <key-id>...")
	}
	resp, err := deliveryClient(cCtx).DecryptionKeys(cCtx.Context, args[0], args[1:])
	if err != nil {
		return err
	}
	for _, k := range resp.Keys {
		fmt.Printf("%s\t%s\n", k.KeyID, base64.StdEncoding.EncodeToString(k.Material))
	}
	for _, f := range resp.Failures {
		fmt.Printf("%s\tFAILED\t%s: %s\n", f.KeyID, f.Code, f.Message)
	}
	return nil
}
