package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"chainsensors/reseal"
)

var compDefCmd = &cobra.Command{
	Use:   "init-compdef",
	Short: "Initialize the reseal computation definition if it does not exist.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		d, err := openDeps(ctx, cfg, true)
		if err != nil {
			return err
		}
		defer d.Close()

		svc, err := reseal.NewService(d.client, d.blobs, d.store.Purchases(), d.idl, d.registry, nil, cfg.ResealConfig())
		if err != nil {
			return err
		}
		fmt.Println(promptStyle.Render(fmt.Sprintf("Checking computation definition %q...", cfg.CompName)))
		compDef, err := svc.EnsureCompDef(ctx)
		if err != nil {
			fmt.Println(warningStyle.Render(fmt.Sprintf("\n❌ Failed to initialize: %v", err)))
			return err
		}
		fmt.Println(successStyle.Render("\n✅ Computation definition ready"))
		fmt.Println(labelStyle.Render("   Account:"), compDef)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(compDefCmd)
}
