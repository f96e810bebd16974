package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

type signedLicenseResult struct {
	LicenseID     string          `json:"license_id"`
	SignedLicense json.RawMessage `json:"signed_license"`
}

// licenseCmd はライセンスの署名・検証・失効コマンド。
func licenseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "license",
		Short: "Sign, verify and revoke licenses",
	}
	cmd.AddCommand(licenseSignCmd())
	cmd.AddCommand(licenseVerifyCmd())
	cmd.AddCommand(licenseRevokeCmd())
	return cmd
}

// parseFeatures は "id" または "id=name" 形式のフラグを機能一覧に変換する。
func parseFeatures(values []string) []map[string]any {
	features := make([]map[string]any, 0, len(values))
	for _, v := range values {
		id, name, _ := strings.Cut(v, "=")
		features = append(features, map[string]any{"id": id, "name": name, "enabled": true})
	}
	return features
}

// writeSignedLicense は署名済みライセンスを整形してファイルまたは標準出力に書く。
func writeSignedLicense(cmd *cobra.Command, signed json.RawMessage, path string) error {
	var buf bytes.Buffer
	if err := json.Indent(&buf, signed, "", "  "); err != nil {
		return fmt.Errorf("formatting signed license: %w", err)
	}
	buf.WriteByte('\n')
	if path == "" {
		_, err := cmd.OutOrStdout().Write(buf.Bytes())
		return err
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}

func licenseSignCmd() *cobra.Command {
	var productID, consumerID, tier, versions, issuer, keyPassword, outPath string
	var features []string
	var days int
	var maxUsers int64
	cmd := &cobra.Command{
		Use:   "sign",
		Short: "Issue and sign a license",
		RunE: func(cmd *cobra.Command, args []string) error {
			if days <= 0 {
				return fmt.Errorf("--days must be positive")
			}
			now := time.Now().UTC()
			req := map[string]any{
				"product_id":          productID,
				"consumer_id":         consumerID,
				"tier":                tier,
				"valid_from":          now,
				"valid_to":            now.AddDate(0, 0, days),
				"compatible_versions": versions,
				"features":            parseFeatures(features),
				"limits":              map[string]any{"max_users": maxUsers},
				"issuer":              issuer,
				"key_password":        keyPassword,
			}
			body, err := callAPI(http.MethodPost, "/licenses", req, http.StatusCreated)
			if err != nil {
				return err
			}
			if output == "json" {
				fmt.Fprintln(cmd.OutOrStdout(), string(body))
				return nil
			}
			var result signedLicenseResult
			if err := json.Unmarshal(body, &result); err != nil {
				return fmt.Errorf("parsing response: %w", err)
			}
			if err := writeSignedLicense(cmd, result.SignedLicense, outPath); err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "Signed license %s\n", result.LicenseID)
			return nil
		},
	}
	cmd.Flags().StringVar(&productID, "product", "", "Product ID (required)")
	cmd.Flags().StringVar(&consumerID, "consumer", "", "Consumer ID (required)")
	cmd.Flags().StringVar(&tier, "tier", "", "License tier")
	cmd.Flags().IntVar(&days, "days", 365, "Validity in days from now")
	cmd.Flags().StringVar(&versions, "compatible-versions", "", `Compatible product versions (e.g. ">= 1.2, < 3.0")`)
	cmd.Flags().StringArrayVar(&features, "feature", nil, "Enabled feature as id or id=name (repeatable)")
	cmd.Flags().Int64Var(&maxUsers, "max-users", 0, "Maximum users (0 = unlimited)")
	cmd.Flags().StringVar(&issuer, "issuer", "", "Issuer name")
	cmd.Flags().StringVar(&keyPassword, "key-password", "", "Password of the signing key")
	cmd.Flags().StringVar(&outPath, "out", "", "Write the signed license to this file")
	_ = cmd.MarkFlagRequired("product")
	_ = cmd.MarkFlagRequired("consumer")
	return cmd
}

func licenseVerifyCmd() *cobra.Command {
	var path, productID, productVersion string
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify a signed license file",
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("reading %s: %w", path, err)
			}
			req := map[string]any{
				"signed_license":      json.RawMessage(raw),
				"expected_product_id": productID,
				"product_version":     productVersion,
			}
			body, err := callAPI(http.MethodPost, "/licenses/verify", req, http.StatusOK)
			if err != nil {
				return err
			}
			var result struct {
				Status            string `json:"status"`
				Valid             bool   `json:"valid"`
				LicenseID         string `json:"license_id"`
				ValidTo           string `json:"valid_to"`
				GracePeriodExpiry string `json:"grace_period_expiry"`
				AvailableFeatures []struct {
					ID string `json:"id"`
				} `json:"available_features"`
				Messages []string `json:"messages"`
			}
			if err := render(cmd, body, &result, func(w io.Writer) {
				fmt.Fprintf(w, "Status:   %s\n", result.Status)
				fmt.Fprintf(w, "License:  %s\n", result.LicenseID)
				fmt.Fprintf(w, "Valid to: %s\n", result.ValidTo)
				if result.GracePeriodExpiry != "" {
					fmt.Fprintf(w, "Grace until: %s\n", result.GracePeriodExpiry)
				}
				ids := make([]string, len(result.AvailableFeatures))
				for i, f := range result.AvailableFeatures {
					ids[i] = f.ID
				}
				fmt.Fprintf(w, "Features: %s\n", strings.Join(ids, ", "))
				for _, m := range result.Messages {
					fmt.Fprintf(w, "  %s\n", m)
				}
			}); err != nil {
				return err
			}
			if !result.Valid && output != "json" {
				return fmt.Errorf("license is not valid: %s", result.Status)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&path, "file", "", "Signed license file (required)")
	cmd.Flags().StringVar(&productID, "product", "", "Expected product ID")
	cmd.Flags().StringVar(&productVersion, "product-version", "", "Product version to check compatibility against")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func licenseRevokeCmd() *cobra.Command {
	var licenseID, reason, at string
	cmd := &cobra.Command{
		Use:   "revoke",
		Short: "Revoke a license",
		RunE: func(cmd *cobra.Command, args []string) error {
			req := map[string]any{"reason": reason}
			if at != "" {
				t, err := time.Parse(time.RFC3339, at)
				if err != nil {
					return fmt.Errorf("--at must be RFC3339: %w", err)
				}
				req["revoked_at"] = t
			}
			body, err := callAPI(http.MethodPost, "/licenses/"+licenseID+"/revoke", req, http.StatusOK)
			if err != nil {
				return err
			}
			var result struct {
				LicenseID string `json:"license_id"`
				RevokedAt string `json:"revoked_at"`
			}
			return render(cmd, body, &result, func(w io.Writer) {
				fmt.Fprintf(w, "Revoked license %s at %s\n", result.LicenseID, result.RevokedAt)
			})
		},
	}
	cmd.Flags().StringVar(&licenseID, "license", "", "License ID (required)")
	cmd.Flags().StringVar(&reason, "reason", "", "Revocation reason")
	cmd.Flags().StringVar(&at, "at", "", "Schedule the revocation at this RFC3339 time")
	_ = cmd.MarkFlagRequired("license")
	return cmd
}
