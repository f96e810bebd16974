package main

import (
	"fmt"
	"io"
	"net/http"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

type publicKeyResult struct {
	TenantID  string `json:"tenant_id"`
	ProductID string `json:"product_id"`
	PublicKey string `json:"public_key"`
}

func keysPath(productID string) string {
	return "/products/" + productID + "/keys"
}

// keysCmd は署名鍵の管理コマンド。
func keysCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage product signing keys",
	}
	cmd.AddCommand(keyCreateCmd("generate", "Generate the signing key pair for a product", ""))
	cmd.AddCommand(keyCreateCmd("rotate", "Archive the current key and generate a new one", "/rotate"))
	cmd.AddCommand(keyPublicCmd())
	cmd.AddCommand(keyListCmd())
	return cmd
}

func keyCreateCmd(use, short, suffix string) *cobra.Command {
	var productID, password string
	var keySize int
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			req := map[string]any{}
			if keySize > 0 {
				req["key_size_bits"] = keySize
			}
			if password != "" {
				req["password"] = password
			}
			body, err := callAPI(http.MethodPost, keysPath(productID)+suffix, req, http.StatusCreated)
			if err != nil {
				return err
			}
			var result publicKeyResult
			return render(cmd, body, &result, func(w io.Writer) {
				fmt.Fprint(w, result.PublicKey)
			})
		},
	}
	cmd.Flags().StringVar(&productID, "product", "", "Product ID (required)")
	cmd.Flags().IntVar(&keySize, "key-size", 0, "RSA key size in bits (server default when omitted)")
	cmd.Flags().StringVar(&password, "password", "", "Password used to encrypt the private key")
	_ = cmd.MarkFlagRequired("product")
	return cmd
}

func keyPublicCmd() *cobra.Command {
	var productID string
	cmd := &cobra.Command{
		Use:   "public",
		Short: "Print the current public key of a product",
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := callAPI(http.MethodGet, keysPath(productID)+"/public", nil, http.StatusOK)
			if err != nil {
				return err
			}
			var result publicKeyResult
			return render(cmd, body, &result, func(w io.Writer) {
				fmt.Fprint(w, result.PublicKey)
			})
		},
	}
	cmd.Flags().StringVar(&productID, "product", "", "Product ID (required)")
	_ = cmd.MarkFlagRequired("product")
	return cmd
}

func keyListCmd() *cobra.Command {
	var productID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List current and archived keys of a product",
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := callAPI(http.MethodGet, keysPath(productID), nil, http.StatusOK)
			if err != nil {
				return err
			}
			var result struct {
				Keys []struct {
					Generation uint   `json:"generation"`
					Thumbprint string `json:"thumbprint"`
					Status     string `json:"status"`
					Encrypted  bool   `json:"encrypted"`
					CreatedAt  string `json:"created_at"`
				} `json:"keys"`
			}
			return render(cmd, body, &result, func(out io.Writer) {
				w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
				fmt.Fprintln(w, "GENERATION\tSTATUS\tENCRYPTED\tTHUMBPRINT\tCREATED AT")
				for _, k := range result.Keys {
					fmt.Fprintf(w, "%d\t%s\t%t\t%s\t%s\n", k.Generation, k.Status, k.Encrypted, k.Thumbprint, k.CreatedAt)
				}
				_ = w.Flush()
			})
		},
	}
	cmd.Flags().StringVar(&productID, "product", "", "Product ID (required)")
	_ = cmd.MarkFlagRequired("product")
	return cmd
}
