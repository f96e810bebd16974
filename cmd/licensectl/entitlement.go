package main

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"text/tabwriter"

	"github.com/keygen-sh/machineid"
	"github.com/spf13/cobra"
)

// machineAppID はマシンIDのハッシュに混ぜるアプリケーション識別子。
const machineAppID = "license-service"

type activationResult struct {
	ID            string `json:"id"`
	ProductKey    string `json:"product_key"`
	MachineID     string `json:"machine_id"`
	Status        string `json:"status"`
	ActivatedAt   string `json:"activated_at"`
	LastHeartbeat string `json:"last_heartbeat"`
}

type slotResult struct {
	ID            string `json:"id"`
	SlotNumber    int    `json:"slot_number"`
	UserKey       string `json:"user_key"`
	Active        bool   `json:"active"`
	LastHeartbeat string `json:"last_heartbeat"`
	ReleasedAt    string `json:"released_at"`
}

// defaultMachineID はこのマシンの保護されたIDを返す。
func defaultMachineID() (string, error) {
	id, err := machineid.ProtectedID(machineAppID)
	if err != nil {
		return "", fmt.Errorf("reading machine id: %w", err)
	}
	return id, nil
}

func printActivation(w io.Writer, a activationResult) {
	fmt.Fprintf(w, "Activation %s (%s)\n", a.ID, a.Status)
	fmt.Fprintf(w, "  product key: %s\n  machine:     %s\n", a.ProductKey, a.MachineID)
	if a.LastHeartbeat != "" {
		fmt.Fprintf(w, "  heartbeat:   %s\n", a.LastHeartbeat)
	}
}

func printSlot(w io.Writer, s slotResult) {
	state := "released"
	if s.Active {
		state = "active"
	}
	fmt.Fprintf(w, "Slot %d %s (%s) %s\n", s.SlotNumber, s.UserKey, state, s.ID)
}

// activationCmd はプロダクトキーによるアクティベーションのコマンド。
func activationCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "activation",
		Short: "Manage product-key activations",
	}
	cmd.AddCommand(issueProductKeyCmd())
	cmd.AddCommand(activateCmd())
	cmd.AddCommand(activationPostCmd("heartbeat", "Record a heartbeat for an activation", "/heartbeat", false))
	cmd.AddCommand(activationPostCmd("deactivate", "Deactivate an activation", "/deactivate", true))
	cmd.AddCommand(activationPostCmd("revoke", "Revoke an activation", "/revoke", true))
	return cmd
}

func issueProductKeyCmd() *cobra.Command {
	var licenseID string
	var maxActivations int
	cmd := &cobra.Command{
		Use:   "issue-key",
		Short: "Issue a product key for a license",
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := callAPI(http.MethodPost, "/licenses/"+licenseID+"/product-keys",
				map[string]any{"max_activations": maxActivations}, http.StatusCreated)
			if err != nil {
				return err
			}
			var result struct {
				ProductKey     string `json:"product_key"`
				MaxActivations int    `json:"max_activations"`
			}
			return render(cmd, body, &result, func(w io.Writer) {
				fmt.Fprintf(w, "%s (max activations: %d)\n", result.ProductKey, result.MaxActivations)
			})
		},
	}
	cmd.Flags().StringVar(&licenseID, "license", "", "License ID (required)")
	cmd.Flags().IntVar(&maxActivations, "max", 1, "Maximum concurrent activations")
	_ = cmd.MarkFlagRequired("license")
	return cmd
}

func activateCmd() *cobra.Command {
	var productKey, machineID, machineName string
	cmd := &cobra.Command{
		Use:   "activate",
		Short: "Activate this machine (or --machine) with a product key",
		RunE: func(cmd *cobra.Command, args []string) error {
			if machineID == "" {
				id, err := defaultMachineID()
				if err != nil {
					return err
				}
				machineID = id
			}
			if machineName == "" {
				machineName, _ = os.Hostname()
			}
			body, err := callAPI(http.MethodPost, "/activations", map[string]any{
				"product_key":  productKey,
				"machine_id":   machineID,
				"machine_name": machineName,
			}, http.StatusOK)
			if err != nil {
				return err
			}
			var result activationResult
			return render(cmd, body, &result, func(w io.Writer) { printActivation(w, result) })
		},
	}
	cmd.Flags().StringVar(&productKey, "product-key", "", "Product key (required)")
	cmd.Flags().StringVar(&machineID, "machine", "", "Machine ID (defaults to this machine's protected ID)")
	cmd.Flags().StringVar(&machineName, "machine-name", "", "Machine name (defaults to hostname)")
	_ = cmd.MarkFlagRequired("product-key")
	return cmd
}

func activationPostCmd(use, short, suffix string, withReason bool) *cobra.Command {
	var activationID, reason string
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			var req any
			if withReason {
				req = map[string]any{"reason": reason}
			}
			want := http.StatusOK
			if use == "deactivate" {
				want = http.StatusNoContent
			}
			body, err := callAPI(http.MethodPost, "/activations/"+activationID+suffix, req, want)
			if err != nil {
				return err
			}
			if want == http.StatusNoContent {
				if output != "json" {
					fmt.Fprintf(cmd.OutOrStdout(), "Deactivated %s\n", activationID)
				}
				return nil
			}
			var result activationResult
			return render(cmd, body, &result, func(w io.Writer) { printActivation(w, result) })
		},
	}
	cmd.Flags().StringVar(&activationID, "id", "", "Activation ID (required)")
	if withReason {
		cmd.Flags().StringVar(&reason, "reason", "", "Reason recorded with the change")
	}
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

// slotCmd はボリュームライセンスとスロットのコマンド。
func slotCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "slot",
		Short: "Manage volumetric licenses and user slots",
	}
	cmd.AddCommand(volumetricCreateCmd())
	cmd.AddCommand(slotAllocateCmd())
	cmd.AddCommand(slotListCmd())
	cmd.AddCommand(slotPostCmd("heartbeat", "Record a heartbeat for a slot", "/heartbeat", false))
	cmd.AddCommand(slotPostCmd("release", "Release a slot", "/release", true))
	return cmd
}

func volumetricCreateCmd() *cobra.Command {
	var licenseID, matchBy string
	var maxConcurrent, maxTotal int
	cmd := &cobra.Command{
		Use:   "create-pool",
		Short: "Create a volumetric license for a license",
		RunE: func(cmd *cobra.Command, args []string) error {
			req := map[string]any{
				"max_concurrent_users": maxConcurrent,
				"max_total_users":      maxTotal,
				"policy":               map[string]any{"match_by": matchBy},
			}
			body, err := callAPI(http.MethodPost, "/licenses/"+licenseID+"/volumetric", req, http.StatusCreated)
			if err != nil {
				return err
			}
			var result struct {
				ID      string `json:"id"`
				BaseKey string `json:"base_key"`
			}
			return render(cmd, body, &result, func(w io.Writer) {
				fmt.Fprintf(w, "Volumetric license %s (base key %s)\n", result.ID, result.BaseKey)
			})
		},
	}
	cmd.Flags().StringVar(&licenseID, "license", "", "License ID (required)")
	cmd.Flags().IntVar(&maxConcurrent, "max-concurrent", 1, "Maximum concurrent users")
	cmd.Flags().IntVar(&maxTotal, "max-total", 1, "Maximum distinct users")
	cmd.Flags().StringVar(&matchBy, "match-by", "user", "Slot identity: user or machine")
	_ = cmd.MarkFlagRequired("license")
	return cmd
}

func slotAllocateCmd() *cobra.Command {
	var volumetricID, userID, userName, machineID string
	cmd := &cobra.Command{
		Use:   "allocate",
		Short: "Allocate a slot for a user or machine",
		RunE: func(cmd *cobra.Command, args []string) error {
			if userID == "" && machineID == "" {
				id, err := defaultMachineID()
				if err != nil {
					return err
				}
				machineID = id
			}
			body, err := callAPI(http.MethodPost, "/volumetric/"+volumetricID+"/slots", map[string]any{
				"user_id":    userID,
				"user_name":  userName,
				"machine_id": machineID,
			}, http.StatusOK)
			if err != nil {
				return err
			}
			var result slotResult
			return render(cmd, body, &result, func(w io.Writer) { printSlot(w, result) })
		},
	}
	cmd.Flags().StringVar(&volumetricID, "volumetric", "", "Volumetric license ID (required)")
	cmd.Flags().StringVar(&userID, "user", "", "User ID")
	cmd.Flags().StringVar(&userName, "user-name", "", "User display name")
	cmd.Flags().StringVar(&machineID, "machine", "", "Machine ID (defaults to this machine when no user is given)")
	_ = cmd.MarkFlagRequired("volumetric")
	return cmd
}

func slotListCmd() *cobra.Command {
	var volumetricID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the slots of a volumetric license",
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := callAPI(http.MethodGet, "/volumetric/"+volumetricID+"/slots", nil, http.StatusOK)
			if err != nil {
				return err
			}
			var result struct {
				Slots []slotResult `json:"slots"`
			}
			return render(cmd, body, &result, func(out io.Writer) {
				w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
				fmt.Fprintln(w, "SLOT\tUSER KEY\tACTIVE\tLAST HEARTBEAT\tID")
				for _, s := range result.Slots {
					heartbeat := s.LastHeartbeat
					if heartbeat == "" {
						heartbeat = "-"
					}
					fmt.Fprintf(w, "%d\t%s\t%t\t%s\t%s\n", s.SlotNumber, s.UserKey, s.Active, heartbeat, s.ID)
				}
				_ = w.Flush()
			})
		},
	}
	cmd.Flags().StringVar(&volumetricID, "volumetric", "", "Volumetric license ID (required)")
	_ = cmd.MarkFlagRequired("volumetric")
	return cmd
}

func slotPostCmd(use, short, suffix string, withReason bool) *cobra.Command {
	var slotID, reason string
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			var req any
			if withReason {
				req = map[string]any{"reason": reason}
			}
			body, err := callAPI(http.MethodPost, "/slots/"+slotID+suffix, req, http.StatusOK)
			if err != nil {
				return err
			}
			var result slotResult
			return render(cmd, body, &result, func(w io.Writer) { printSlot(w, result) })
		},
	}
	cmd.Flags().StringVar(&slotID, "slot", "", "Slot ID (required)")
	if withReason {
		cmd.Flags().StringVar(&reason, "reason", "", "Reason recorded with the release")
	}
	_ = cmd.MarkFlagRequired("slot")
	return cmd
}
