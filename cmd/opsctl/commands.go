package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/onnwee/opsdash/internal/cache"
	"github.com/onnwee/opsdash/internal/pending"
	"github.com/onnwee/opsdash/internal/records"
	"github.com/onnwee/opsdash/internal/syncer"
)

func init() {
	rootCmd.AddCommand(statusCmd, pendingCmd, drainCmd, readCmd, onlineCmd, offlineCmd, clearCmd, cacheCmd, storeCmd, configCmd)
	cacheCmd.AddCommand(cacheStatsCmd, cacheInvalidateCmd)
	storeCmd.AddCommand(storeFlushCmd)
	configCmd.AddCommand(configShowCmd, configSetCmd)

	cacheInvalidateCmd.Flags().String("cache", "", "limit key/pattern invalidation to one cache instance")
	cacheInvalidateCmd.Flags().String("key", "", "invalidate one key")
	cacheInvalidateCmd.Flags().String("tag", "", "invalidate every entry with this tag")
	cacheInvalidateCmd.Flags().String("pattern", "", "invalidate keys matching this regular expression")
	cacheInvalidateCmd.Flags().Bool("all", false, "clear everything")
}

// printRaw writes the server response as indented JSON.
func printRaw(w io.Writer, data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		_, err = w.Write(data)
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show connectivity, pending operations and per-collection sync state",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		var sum syncer.Summary
		data, err := c.do(cmd.Context(), http.MethodGet, "/api/sync/status", nil, &sum)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if flagJSON {
			return printRaw(out, data)
		}

		badge := "online"
		if !sum.Online {
			badge = "offline"
		}
		fmt.Fprintf(out, "Server:   %s (%s)\n", c.base, badge)
		fmt.Fprintf(out, "Pending:  %d operation(s)\n", sum.Pending)
		if len(sum.Collections) == 0 {
			return nil
		}
		names := make([]string, 0, len(sum.Collections))
		for name := range sum.Collections {
			names = append(names, name)
		}
		sort.Strings(names)

		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "\nCOLLECTION\tSTATE\tPENDING\tLAST ERROR")
		for _, name := range names {
			st := sum.Collections[name]
			fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", name, st.State, st.Pending, st.LastError)
		}
		return tw.Flush()
	},
}

var pendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "List queued operations in replay order",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		var resp struct {
			Operations []pending.Operation `json:"operations"`
		}
		data, err := c.do(cmd.Context(), http.MethodGet, "/api/sync/pending", nil, &resp)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if flagJSON {
			return printRaw(out, data)
		}
		if len(resp.Operations) == 0 {
			fmt.Fprintln(out, "No pending operations.")
			return nil
		}
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tCOLLECTION\tACTION\tRECORD\tATTEMPTS\tLAST ERROR")
		for _, op := range resp.Operations {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n", op.ID, op.Collection, op.Action, op.RecordID, op.Attempts, op.LastError)
		}
		return tw.Flush()
	},
}

var drainCmd = &cobra.Command{
	Use:   "drain",
	Short: "Replay the pending queue now",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		var resp struct {
			Replayed  int `json:"replayed"`
			Remaining int `json:"remaining"`
			Failed    []struct {
				ID         string `json:"id"`
				Collection string `json:"collection"`
				Error      string `json:"error"`
			} `json:"failed"`
		}
		data, err := c.do(cmd.Context(), http.MethodPost, "/api/sync/drain", nil, &resp)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if flagJSON {
			return printRaw(out, data)
		}
		fmt.Fprintf(out, "Replayed %d operation(s), %d remaining.\n", resp.Replayed, resp.Remaining)
		for _, f := range resp.Failed {
			fmt.Fprintf(out, "  failed %s (%s): %s\n", f.ID, f.Collection, f.Error)
		}
		return nil
	},
}

var readCmd = &cobra.Command{
	Use:   "read <collection>",
	Short: "Print a collection as the dashboard sees it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		var resp struct {
			State   syncer.State    `json:"state"`
			Records records.Records `json:"records"`
		}
		data, err := c.do(cmd.Context(), http.MethodGet, collectionPath(args[0]), nil, &resp)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if flagJSON {
			return printRaw(out, data)
		}
		fmt.Fprintf(out, "%s: %d record(s), %s\n", args[0], len(resp.Records), resp.State)
		enc := json.NewEncoder(out)
		for _, rec := range resp.Records {
			if err := enc.Encode(rec); err != nil {
				return err
			}
		}
		return nil
	},
}

func connectivityCmd(online bool) *cobra.Command {
	use, short := "online", "Report the remote as reachable and start a drain"
	if !online {
		use, short = "offline", "Report the remote as unreachable"
	}
	return &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			var sum syncer.Summary
			if _, err := c.do(cmd.Context(), http.MethodPut, "/api/sync/connectivity", map[string]bool{"online": online}, &sum); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Connectivity set to %s, %d operation(s) pending.\n", use, sum.Pending)
			return nil
		},
	}
}

var (
	onlineCmd  = connectivityCmd(true)
	offlineCmd = connectivityCmd(false)
)

var clearCmd = &cobra.Command{
	Use:   "clear <operation-id>",
	Short: "Discard one stuck pending operation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		if _, err := c.do(cmd.Context(), http.MethodDelete, "/api/sync/pending/"+url.PathEscape(args[0]), nil, nil); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Discarded %s.\n", args[0])
		return nil
	},
}

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect and invalidate server caches (admin)",
}

var cacheStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show per-instance cache counters",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		var resp struct {
			Caches []cache.Stats `json:"caches"`
		}
		data, err := c.do(cmd.Context(), http.MethodGet, "/api/admin/cache/stats", nil, &resp)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if flagJSON {
			return printRaw(out, data)
		}
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "CACHE\tSIZE\tCAPACITY\tHITS\tMISSES\tEVICTIONS\tHIT RATE")
		for _, s := range resp.Caches {
			fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%d\t%.1f%%\n", s.Name, s.Size, s.Capacity, s.Hits, s.Misses, s.Evictions, s.HitRate*100)
		}
		return tw.Flush()
	},
}

var cacheInvalidateCmd = &cobra.Command{
	Use:   "invalidate",
	Short: "Drop cache entries by --key, --tag, --pattern or --all",
	RunE: func(cmd *cobra.Command, args []string) error {
		flags := cmd.Flags()
		body := map[string]any{}
		for _, name := range []string{"cache", "key", "tag", "pattern"} {
			if v, _ := flags.GetString(name); v != "" {
				body[name] = v
			}
		}
		if all, _ := flags.GetBool("all"); all {
			body["all"] = true
		}

		c, err := newClient()
		if err != nil {
			return err
		}
		var resp struct {
			Removed int `json:"removed"`
		}
		if _, err := c.do(cmd.Context(), http.MethodPost, "/api/admin/cache/invalidate", body, &resp); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Removed %d entries.\n", resp.Removed)
		return nil
	},
}

var storeCmd = &cobra.Command{
	Use:   "store",
	Short: "Show durable store health (admin)",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		data, err := c.do(cmd.Context(), http.MethodGet, "/api/admin/store", nil, nil)
		if err != nil {
			return err
		}
		return printRaw(cmd.OutOrStdout(), data)
	},
}

var storeFlushCmd = &cobra.Command{
	Use:   "flush",
	Short: "Retry writes that have not reached the storage backend",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		data, err := c.do(cmd.Context(), http.MethodPost, "/api/admin/store/flush", nil, nil)
		if err != nil {
			return err
		}
		return printRaw(cmd.OutOrStdout(), data)
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage opsctl configuration",
	Long:  "View or modify the opsctl configuration stored in ~/.opsdash/config.toml.",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the current configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				fmt.Fprintf(cmd.OutOrStdout(), "No configuration file found; using %s.\n", defaultServerURL)
				return nil
			}
			return fmt.Errorf("cannot read config file: %w", err)
		}
		_, err = cmd.OutOrStdout().Write(data)
		return err
	},
}

var configSetCmd = &cobra.Command{
	Use:     "set <key> <value>",
	Short:   "Set a configuration value",
	Example: "  opsctl config set server.url http://ops.internal:8000\n  opsctl config set server.admin_token s3cret",
	Args:    cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := setConfigValue(cfg, args[0], args[1]); err != nil {
			return err
		}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Set %s\n", args[0])
		return nil
	},
}
