package main

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/salesagent/internal/catalog"
	"github.com/kalambet/salesagent/internal/config"
)

// --- status ---

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show whether the agent is running and what catalog it serves",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/health")
		if err != nil {
			printStatus("Server", "stopped")
			return nil
		}
		var health struct {
			Status       string `json:"status"`
			CatalogReady bool   `json:"catalog_ready"`
		}
		if err := decodeJSON(resp, &health); err != nil {
			printStatus("Server", "error (%v)", err)
			return nil
		}
		printStatus("Server", "running at %s", client.baseURL)

		st, err := fetchCatalogStatus(cmd, client)
		if err != nil {
			return err
		}
		printCatalogStatus(st)
		return nil
	},
}

// --- catalog ---

var catalogCmd = &cobra.Command{
	Use:   "catalog",
	Short: "Inspect and refresh the product catalog index",
}

var catalogStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the catalog index in service",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		st, err := fetchCatalogStatus(cmd, client)
		if err != nil {
			return err
		}
		printCatalogStatus(st)
		return nil
	},
}

var catalogReindexCmd = &cobra.Command{
	Use:   "reindex",
	Short: "Rebuild the catalog index if the source changed",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		printStep("Refreshing catalog...")
		resp, err := client.post(cmd.Context(), "/catalog/refresh", nil)
		if err != nil {
			return err
		}
		var result struct {
			Result string         `json:"result"`
			Status catalog.Status `json:"status"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Catalog %s", result.Result)
		printCatalogStatus(result.Status)
		return nil
	},
}

var catalogSearchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search the catalog the way a customer message would",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		query := strings.Join(args, " ")
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		path := fmt.Sprintf("/catalog/search?q=%s&k=%d", url.QueryEscape(query), limit)
		resp, err := client.get(cmd.Context(), path)
		if err != nil {
			return err
		}

		var hits []catalog.Hit
		if err := decodeJSON(resp, &hits); err != nil {
			return err
		}

		if len(hits) == 0 {
			fmt.Println("No results found.")
			return nil
		}

		for i, h := range hits {
			fmt.Printf("\n%s [distance: %.3f]\n", colorize(colorBold, fmt.Sprintf("%d. %s", i+1, h.Entry.Name)), h.Distance)
			if h.Entry.Price != "" {
				fmt.Printf("  Price: %s\n", h.Entry.Price)
			}
			fmt.Printf("  %s\n", truncate(h.Entry.Description, 300))
		}
		return nil
	},
}

func fetchCatalogStatus(cmd *cobra.Command, client *apiClient) (catalog.Status, error) {
	resp, err := client.get(cmd.Context(), "/catalog/status")
	if err != nil {
		return catalog.Status{}, err
	}
	var st catalog.Status
	if err := decodeJSON(resp, &st); err != nil {
		return catalog.Status{}, err
	}
	return st, nil
}

func printCatalogStatus(st catalog.Status) {
	if !st.Ready {
		printStatus("Catalog", "not indexed")
		return
	}
	printStatus("Catalog", "%d entries, %d dimensions", st.Entries, st.Dim)
	printStatus("Token", "%s", st.Token)
	printStatus("Built", "%s", st.BuiltAt.Local().Format(time.DateTime))
}

func init() {
	catalogSearchCmd.Flags().Int("limit", 5, "maximum number of results")
	catalogCmd.AddCommand(catalogStatusCmd)
	catalogCmd.AddCommand(catalogReindexCmd)
	catalogCmd.AddCommand(catalogSearchCmd)
}

// --- dialog ---

var dialogCmd = &cobra.Command{
	Use:   "dialog",
	Short: "Work with customer dialogs",
}

var dialogListCmd = &cobra.Command{
	Use:   "list",
	Short: "List dialogs that have history",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/dialogs")
		if err != nil {
			return err
		}
		var keys []string
		if err := decodeJSON(resp, &keys); err != nil {
			return err
		}
		if len(keys) == 0 {
			fmt.Println("No dialogs.")
			return nil
		}
		for _, k := range keys {
			fmt.Println(k)
		}
		return nil
	},
}

var dialogShowCmd = &cobra.Command{
	Use:   "show <dialog-key>",
	Short: "Show a dialog's history and state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/dialogs/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}

		var view struct {
			DialogKey string `json:"dialog_key"`
			Messages  []struct {
				Role      string    `json:"role"`
				Content   string    `json:"content"`
				CreatedAt time.Time `json:"created_at"`
			} `json:"messages"`
			ReminderStage   int    `json:"reminder_stage"`
			Blacklisted     bool   `json:"blacklisted"`
			BlacklistReason string `json:"blacklist_reason"`
		}
		if err := decodeJSON(resp, &view); err != nil {
			return err
		}

		if asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(view)
		}

		if view.Blacklisted {
			printStatus("Blacklisted", "%s", view.BlacklistReason)
		}
		printStatus("Reminder stage", "%d", view.ReminderStage)
		for _, m := range view.Messages {
			role := colorize(colorCyan, m.Role)
			if m.Role == "assistant" {
				role = colorize(colorGreen, m.Role)
			}
			fmt.Printf("%s  %s  %s\n", m.CreatedAt.Local().Format(time.DateTime), role, m.Content)
		}
		return nil
	},
}

var dialogSendCmd = &cobra.Command{
	Use:   "send <dialog-key> <text>",
	Short: "Run one customer message through the agent and print the outcome",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		ev := map[string]any{
			"dialog_key": args[0],
			"text":       strings.Join(args[1:], " "),
			"sender":     "cli",
		}
		resp, err := client.post(cmd.Context(), "/events?wait=true", ev)
		if err != nil {
			return err
		}
		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Outcome: %s", result["outcome"])
		return nil
	},
}

var dialogResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Delete all dialog history, reminder state and the blacklist",
	RunE: func(cmd *cobra.Command, args []string) error {
		confirm, _ := cmd.Flags().GetBool("confirm")
		if !confirm {
			printWarning("This will delete ALL dialog state. Use --confirm to proceed.")
			return nil
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.delete(cmd.Context(), "/dialogs")
		if err != nil {
			return err
		}
		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("All dialogs reset")
		return nil
	},
}

func init() {
	dialogShowCmd.Flags().Bool("json", false, "print raw JSON")
	dialogResetCmd.Flags().Bool("confirm", false, "confirm the reset")
	dialogCmd.AddCommand(dialogListCmd)
	dialogCmd.AddCommand(dialogShowCmd)
	dialogCmd.AddCommand(dialogSendCmd)
	dialogCmd.AddCommand(dialogResetCmd)
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Read()
		if err != nil {
			return err
		}

		for _, k := range config.ShowAll(cfg) {
			fmt.Printf("  %s = %s  %s\n", colorize(colorBold, k.Key), k.Value, colorize(colorCyan, "("+k.EnvVar+")"))
		}

		if err := cfg.Validate(); err != nil {
			printWarning("configuration is incomplete:\n%v", err)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long: "Set a configuration value in the config file. Secrets are read from the\n" +
		"environment only. Valid keys:\n  " + strings.Join(config.ValidKeys(), "\n  "),
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
