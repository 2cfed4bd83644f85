package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"chainsensors/indexer"
	"chainsensors/storage"
)

var statusJSON bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the indexer watermark, the slot lag and the stored event counts.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		d, err := openDeps(ctx, cfg, false)
		if err != nil {
			return err
		}
		defer d.Close()

		st, err := indexer.ReadStatus(ctx, d.client, d.store, cfg.ProgramID)
		if err != nil {
			return err
		}
		if statusJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(st)
		}

		pending, err := d.store.Purchases().ListByStatus(ctx, storage.PurchasePending)
		if err != nil {
			return err
		}
		failed, err := d.store.Purchases().ListByStatus(ctx, storage.PurchaseFailed)
		if err != nil {
			return err
		}

		fmt.Println(titleStyle.Render("📊 Indexer Status"))
		row := func(label string, value interface{}) {
			fmt.Println(labelStyle.Render(label), infoStyle.Render(fmt.Sprint(value)))
		}
		row("Program:", cfg.ProgramID)
		row("Last processed slot:", st.LastProcessedSlot)
		row("Last processed signature:", st.LastProcessedSignature)
		row("Current slot:", st.CurrentSlot)
		row("Slot lag:", st.SlotLag)
		row("Quality metrics:", st.EventCounts.Quality)
		row("Resealed capsules:", st.EventCounts.Reseal)
		row("Pending purchases:", len(pending))
		if len(failed) > 0 {
			fmt.Println(labelStyle.Render("Failed purchases:"), warningStyle.Render(fmt.Sprint(len(failed))))
		}
		return nil
	},
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "print the status as JSON")
	rootCmd.AddCommand(statusCmd)
}
