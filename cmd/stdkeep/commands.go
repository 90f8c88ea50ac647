package main

import (
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kalambet/stdkeep/internal/config"
)

var (
	getForce    bool
	getSkipAuto bool
	getMetaOnly bool
)

var getCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Fetch a standards document by key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		q := url.Values{}
		if getForce {
			q.Set("force_refresh", "true")
		}
		if getSkipAuto {
			q.Set("skip_auto_refresh", "true")
		}
		path := "/standards/" + url.PathEscape(args[0])
		if len(q) > 0 {
			path += "?" + q.Encode()
		}

		resp, err := client.get(path)
		if err != nil {
			return err
		}

		var std struct {
			Key                 string `json:"key"`
			Title               string `json:"title"`
			Content             string `json:"content"`
			LastUpdatedAt       string `json:"last_updated_at"`
			AccessCount         int64  `json:"access_count"`
			ConsecutiveFailures int    `json:"consecutive_failures"`
			RefreshInFlight     bool   `json:"refresh_in_flight"`
		}
		if err := decodeOrError(resp, &std); err != nil {
			printError("%v", err)
			return err
		}

		if getMetaOnly {
			printStatus("Key", "%s", std.Key)
			printStatus("Title", "%s", std.Title)
			printStatus("Last updated", "%s", std.LastUpdatedAt)
			printStatus("Access count", "%d", std.AccessCount)
			printStatus("Consecutive failures", "%d", std.ConsecutiveFailures)
			printStatus("Refresh in flight", "%v", std.RefreshInFlight)
			return nil
		}

		// Content to stdout so it pipes cleanly.
		fmt.Println(std.Content)
		if std.RefreshInFlight {
			printWarning("a refresh is running for %s; content may update shortly", std.Key)
		}
		return nil
	},
}

var refreshCmd = &cobra.Command{
	Use:   "refresh <key>",
	Short: "Queue a regeneration for a standards document",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post("/standards/"+url.PathEscape(args[0])+"/refresh", nil)
		if err != nil {
			return err
		}

		var result struct {
			TaskID string `json:"task_id"`
			Status string `json:"status"`
		}
		if err := decodeOrError(resp, &result); err != nil {
			printError("%v", err)
			return err
		}

		printSuccess("Refresh queued for %s (task %s)", args[0], result.TaskID)
		return nil
	},
}

var (
	addTitle     string
	addLanguage  string
	addName      string
	addVersion   string
	addSources   []string
	addFile      string
	addNoAutoUpd bool
)

var addCmd = &cobra.Command{
	Use:   "add [key]",
	Short: "Add a standards document",
	Long: `Add a standards document. With --file the content is seeded from disk;
without it the document is researched immediately by the research service.
The key defaults to language.name@version built from the flags.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		var content string
		if addFile != "" {
			data, err := os.ReadFile(addFile)
			if err != nil {
				return fmt.Errorf("reading %s: %w", addFile, err)
			}
			content = string(data)
		}

		body := map[string]any{
			"title":    addTitle,
			"language": addLanguage,
			"name":     addName,
			"version":  addVersion,
			"sources":  addSources,
			"content":  content,
		}
		if len(args) == 1 {
			body["key"] = args[0]
		}
		if addNoAutoUpd {
			body["auto_update_enabled"] = false
		}

		resp, err := client.post("/standards", body)
		if err != nil {
			return err
		}

		var result struct {
			Key    string `json:"key"`
			Status string `json:"status"`
		}
		if err := decodeOrError(resp, &result); err != nil {
			printError("%v", err)
			return err
		}

		if result.Status == "researching" {
			printSuccess("Added %s — researching content now", result.Key)
		} else {
			printSuccess("Added %s", result.Key)
		}
		return nil
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage stdkeep configuration",
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "Show all configuration values",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		for _, info := range config.ShowAll(cfg) {
			fmt.Printf("%-32s %-40s (env: %s)\n", info.Key, info.Value, info.EnvVar)
		}
		return nil
	},
}

var configGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Show one configuration value",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		for _, info := range config.ShowAll(cfg) {
			if info.Key == args[0] {
				fmt.Println(info.Value)
				return nil
			}
		}
		return fmt.Errorf("unknown config key %q (valid: %s)", args[0], strings.Join(config.ValidKeys(), ", "))
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.SetKey(args[0], args[1]); err != nil {
			printError("%v", err)
			return err
		}
		printSuccess("Set %s = %s", args[0], args[1])
		printWarning("restart the server for the change to take effect")
		return nil
	},
}

func init() {
	getCmd.Flags().BoolVar(&getForce, "force", false, "regenerate even if the document is fresh")
	getCmd.Flags().BoolVar(&getSkipAuto, "skip-auto-refresh", false, "serve the stored content without any staleness handling")
	getCmd.Flags().BoolVar(&getMetaOnly, "meta", false, "print freshness metadata instead of content")

	addCmd.Flags().StringVar(&addTitle, "title", "", "human-readable title")
	addCmd.Flags().StringVar(&addLanguage, "language", "", "language or ecosystem, e.g. go")
	addCmd.Flags().StringVar(&addName, "name", "", "standard name, e.g. errors")
	addCmd.Flags().StringVar(&addVersion, "version", "", "standard version, e.g. 1")
	addCmd.Flags().StringArrayVar(&addSources, "source", nil, "source URL to ground regeneration on (repeatable)")
	addCmd.Flags().StringVar(&addFile, "file", "", "seed content from a file instead of researching")
	addCmd.Flags().BoolVar(&addNoAutoUpd, "no-auto-update", false, "exclude this standard from automatic refreshes")

	configCmd.AddCommand(configListCmd)
	configCmd.AddCommand(configGetCmd)
	configCmd.AddCommand(configSetCmd)
}
