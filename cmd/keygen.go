package cmd

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/AlecAivazis/survey/v2"
	"github.com/gagliardetto/solana-go"
	"github.com/spf13/cobra"
	"golang.org/x/crypto/curve25519"

	protocol "chainsensors/solana"
)

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate keys: a payer keypair or a buyer X25519 keypair.",
}

var keygenPayerOut string

var keygenPayerCmd = &cobra.Command{
	Use:   "payer",
	Short: "Create a new payer keypair file in the solana-keygen format.",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := keygenPayerOut
		if path == "" {
			var err error
			if path, err = protocol.DefaultKeypairPath(); err != nil {
				return err
			}
		}

		overwrite := false
		if _, err := protocol.LoadKeypair(path); err == nil {
			prompt := &survey.Confirm{
				Message: fmt.Sprintf("A keypair already exists at %s. Overwrite it?", path),
				Default: false,
			}
			if err := survey.AskOne(prompt, &overwrite); err != nil {
				return err
			}
			if !overwrite {
				fmt.Println(promptStyle.Render("\nKeygen cancelled."))
				return nil
			}
		}

		wallet := solana.NewWallet()
		if err := protocol.SaveKeypair(wallet.PrivateKey, path); err != nil {
			return err
		}
		fmt.Println(successStyle.Render("\n✅ Payer Keypair Created!"))
		fmt.Println(labelStyle.Render("   Address:"), wallet.PublicKey())
		fmt.Println(labelStyle.Render("   Saved to:"), path)
		return nil
	},
}

var keygenBuyerCmd = &cobra.Command{
	Use:   "buyer",
	Short: "Generate an X25519 keypair for opening buyer capsules.",
	RunE: func(cmd *cobra.Command, args []string) error {
		var priv [curve25519.ScalarSize]byte
		if _, err := rand.Read(priv[:]); err != nil {
			return err
		}
		pub, err := curve25519.X25519(priv[:], curve25519.Basepoint)
		if err != nil {
			return err
		}
		fmt.Println(titleStyle.Render("🔑 Buyer X25519 Keypair"))
		fmt.Println(labelStyle.Render("   Public key:"), hex.EncodeToString(pub))
		fmt.Println(warningStyle.Render("   Private key:"), hex.EncodeToString(priv[:]))
		fmt.Println(promptStyle.Render("\nKeep the private key offline. Only the public key goes on chain."))
		return nil
	},
}

func init() {
	keygenPayerCmd.Flags().StringVarP(&keygenPayerOut, "outfile", "o", "", "keypair path, defaults to the solana CLI keypair")
	keygenCmd.AddCommand(keygenPayerCmd, keygenBuyerCmd)
	rootCmd.AddCommand(keygenCmd)
}
