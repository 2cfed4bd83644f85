package cmd

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/AlecAivazis/survey/v2"
	"github.com/gagliardetto/solana-go"
	"github.com/spf13/cobra"

	"chainsensors/reseal"
)

var resealFlags struct {
	record      string
	listing     string
	capsuleCID  string
	buyerKeyHex string
}

var resealCmd = &cobra.Command{
	Use:   "reseal",
	Short: "Reseal the data key of one purchase for its buyer.",
	Long: `Reseal fetches the MXE capsule of a purchase, asks the Arcium network to
reseal it for the buyer's X25519 key, uploads the buyer capsule and finalizes
the purchase on chain. Values missing from the flags are taken from the local
purchase record, or prompted for.`,
	RunE: runReseal,
}

func init() {
	resealCmd.Flags().StringVar(&resealFlags.record, "record", "", "purchase record account")
	resealCmd.Flags().StringVar(&resealFlags.listing, "listing", "", "listing account")
	resealCmd.Flags().StringVar(&resealFlags.capsuleCID, "capsule-cid", "", "blob id of the MXE sealed capsule")
	resealCmd.Flags().StringVar(&resealFlags.buyerKeyHex, "buyer-key", "", "buyer X25519 public key, hex")
	rootCmd.AddCommand(resealCmd)
}

func askMissing(value *string, message string) error {
	if *value != "" {
		return nil
	}
	prompt := &survey.Input{Message: promptStyle.Render(message)}
	return survey.AskOne(prompt, value, survey.WithValidator(survey.Required))
}

func runReseal(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	f := resealFlags

	if err := askMissing(&f.record, "Enter the purchase record address:"); err != nil {
		return err
	}
	record, err := solana.PublicKeyFromBase58(strings.TrimSpace(f.record))
	if err != nil {
		return fmt.Errorf("invalid purchase record: %w", err)
	}

	d, err := openDeps(ctx, cfg, true)
	if err != nil {
		return err
	}
	defer d.Close()

	if p, err := d.store.Purchases().Get(ctx, record.String()); err != nil {
		return err
	} else if p != nil {
		fmt.Println(infoStyle.Render(fmt.Sprintf("Found local purchase (%s)", p.Status)))
		if f.listing == "" {
			f.listing = p.Listing
		}
		if f.capsuleCID == "" {
			f.capsuleCID = p.MxeCapsuleCID
		}
		if f.buyerKeyHex == "" {
			f.buyerKeyHex = hex.EncodeToString(p.BuyerX25519)
		}
	}

	for _, q := range []struct {
		value   *string
		message string
	}{
		{&f.listing, "Enter the listing address:"},
		{&f.capsuleCID, "Enter the MXE capsule blob id:"},
		{&f.buyerKeyHex, "Enter the buyer X25519 public key (hex):"},
	} {
		if err := askMissing(q.value, q.message); err != nil {
			return err
		}
	}

	listing, err := solana.PublicKeyFromBase58(strings.TrimSpace(f.listing))
	if err != nil {
		return fmt.Errorf("invalid listing: %w", err)
	}
	buyerKey, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(f.buyerKeyHex), "0x"))
	if err != nil {
		return fmt.Errorf("invalid buyer key: %w", err)
	}

	svc, err := reseal.NewService(d.client, d.blobs, d.store.Purchases(), d.idl, d.registry, nil, cfg.ResealConfig())
	if err != nil {
		return err
	}

	fmt.Println(promptStyle.Render(fmt.Sprintf("\nFetching capsule %s...", f.capsuleCID)))
	sealed, err := d.blobs.Get(ctx, f.capsuleCID)
	if err != nil {
		return fmt.Errorf("failed to fetch mxe capsule: %w", err)
	}

	fmt.Println(promptStyle.Render("Submitting reseal... this waits for the Arcium callback."))
	res, err := svc.ResealOnChain(ctx, reseal.ResealRequest{
		SealedCapsule:  sealed,
		BuyerPublicKey: buyerKey,
		Listing:        listing,
		PurchaseRecord: record,
	})
	if err != nil {
		fmt.Println(warningStyle.Render(fmt.Sprintf("\n❌ Reseal failed: %v", err)))
		return err
	}

	fmt.Println(successStyle.Render("\n✅ Reseal Complete!"))
	fmt.Println(labelStyle.Render("   Reseal signature:"), res.Signature)
	fmt.Println(labelStyle.Render("   Computation offset:"), res.Offset)
	fmt.Println(labelStyle.Render("   Callback found by:"), res.Strategy)
	fmt.Println(labelStyle.Render("   Buyer capsule:"), res.BuyerCapsuleID)
	if !res.FinalizeSignature.IsZero() {
		fmt.Println(labelStyle.Render("   Finalize signature:"), res.FinalizeSignature)
	}
	return nil
}
