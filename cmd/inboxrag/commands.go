package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kalambet/inboxrag/internal/config"
	"github.com/kalambet/inboxrag/internal/mail"
	"github.com/kalambet/inboxrag/internal/retrieval"
	"github.com/kalambet/inboxrag/internal/storage"
)

// --- run ---

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Answer one batch of unread messages and print a JSON summary",
	Long: `Answer one batch of unread messages.

The summary {"processed": n} is written to stdout. Failures of individual
messages are logged and do not change the exit status; only configuration
errors and a failure to list the inbox do.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		setupLogging(cfg)

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, err := openApp(ctx, cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.ensureEngine(ctx); err != nil {
			return err
		}
		proc, err := a.processor(ctx)
		if err != nil {
			return err
		}

		rep, err := proc.Run(ctx)
		if err != nil {
			return err
		}
		for _, f := range rep.Failures() {
			printWarning("%s failed at %s: %v", f.ProviderID, f.Stage, f.Err)
		}
		return writeSummary(cmd.OutOrStdout(), rep.Summary())
	},
}

func writeSummary(w io.Writer, summary map[string]int) error {
	return json.NewEncoder(w).Encode(summary)
}

// --- import ---

var importCmd = &cobra.Command{
	Use:   "import <file.eml>...",
	Short: "Index archived messages as retrieval context",
	Long: `Index archived RFC 822 messages so later replies can draw on them.

Examples:
  inboxrag import ~/Mail/archive/*.eml`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		setupLogging(cfg)

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, err := openApp(ctx, cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.ensureEngine(ctx); err != nil {
			return err
		}

		n, err := importFiles(ctx, a.store, a.indexer, args)
		if err != nil {
			return err
		}
		printSuccess("Imported %d of %d message(s)", n, len(args))
		return nil
	},
}

type messageSaver interface {
	UpsertMessage(ctx context.Context, m storage.Message) (storage.Message, error)
}

type batchIndexer interface {
	IndexBatch(ctx context.Context, ids, texts []string) error
}

// importFiles parses and saves every readable file, then embeds them in one
// batch. Unparseable files are reported and skipped. It returns the number
// of messages indexed.
func importFiles(ctx context.Context, store messageSaver, ix batchIndexer, paths []string) (int, error) {
	var ids, texts []string
	for _, path := range paths {
		ex, err := parseEMLFile(path)
		if err != nil {
			printWarning("skipping %s: %v", path, err)
			continue
		}
		saved, err := store.UpsertMessage(ctx, storage.Message{
			ProviderID:   importProviderID(path, ex.MessageIDHeader),
			From:         ex.From,
			To:           ex.To,
			Subject:      ex.Subject,
			Snippet:      ellipsize(ex.BodyText, 200),
			BodyText:     ex.BodyText,
			ThreadHeader: ex.MessageIDHeader,
		})
		if err != nil {
			return 0, fmt.Errorf("saving %s: %w", path, err)
		}
		printStep("%s: %s", filepath.Base(path), ex.Subject)
		ids = append(ids, saved.ID)
		texts = append(texts, ex.BodyText)
	}
	if len(ids) == 0 {
		return 0, nil
	}
	if err := ix.IndexBatch(ctx, ids, texts); err != nil {
		return 0, fmt.Errorf("indexing: %w", err)
	}
	return len(ids), nil
}

func parseEMLFile(path string) (mail.Extracted, error) {
	f, err := os.Open(path)
	if err != nil {
		return mail.Extracted{}, err
	}
	defer f.Close()
	return mail.ParseEML(f)
}

// importProviderID keys imported mail by its Message-ID so re-importing the
// same message updates one row. Files without one are keyed by file name.
func importProviderID(path, messageID string) string {
	id := strings.Trim(strings.TrimSpace(messageID), "<>")
	if id == "" {
		id = filepath.Base(path)
	}
	return "eml:" + id
}

// --- search ---

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Show the stored messages most similar to a query",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		blocks, err := searchMail(cmd.Context(), client, strings.Join(args, " "), limit)
		if err != nil {
			return err
		}
		printBlocks(cmd.OutOrStdout(), blocks)
		return nil
	},
}

func searchMail(ctx context.Context, client *apiClient, query string, limit int) ([]retrieval.ContextBlock, error) {
	path := "/search?q=" + url.QueryEscape(query)
	if limit > 0 {
		path += fmt.Sprintf("&limit=%d", limit)
	}
	resp, err := client.get(ctx, path)
	if err != nil {
		return nil, err
	}
	var out struct {
		Results []retrieval.ContextBlock `json:"results"`
	}
	if err := decodeJSON(resp, &out); err != nil {
		return nil, err
	}
	return out.Results, nil
}

func init() {
	searchCmd.Flags().Int("limit", 0, "maximum number of results (server default when 0)")
}

// --- replies ---

var repliesCmd = &cobra.Command{
	Use:   "replies",
	Short: "Inspect sent replies",
}

var repliesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent replies",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), fmt.Sprintf("/replies?limit=%d", limit))
		if err != nil {
			return err
		}

		var out struct {
			Replies []struct {
				ID        string `json:"id"`
				MessageID string `json:"message_id"`
				Model     string `json:"model"`
				Text      string `json:"text"`
				CreatedAt string `json:"created_at"`
			} `json:"replies"`
		}
		if err := decodeJSON(resp, &out); err != nil {
			return err
		}

		if len(out.Replies) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "no replies yet")
			return nil
		}
		for _, r := range out.Replies {
			fmt.Fprintf(cmd.OutOrStdout(), "%s  %s  %s\n  %s\n",
				colorize(colorDim, r.CreatedAt), colorize(colorBold, r.MessageID), r.Model,
				ellipsize(strings.ReplaceAll(r.Text, "\n", " "), 100))
		}
		return nil
	},
}

func init() {
	repliesListCmd.Flags().Int("limit", 20, "maximum number of replies")
	repliesCmd.AddCommand(repliesListCmd)
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
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		for _, k := range config.ShowAll(cfg) {
			fmt.Fprintf(cmd.OutOrStdout(), "  %s = %s %s\n", colorize(colorBold, k.Key), k.Value, colorize(colorDim, "("+k.EnvVar+")"))
		}
		fmt.Fprintf(cmd.OutOrStdout(), "\nconfig file: %s\n", config.ConfigFilePath())
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value in the config file",
	Long: fmt.Sprintf(`Set a configuration value in the config file.

Secrets are read only from the environment or .env and cannot be set here.

Keys: %s`, strings.Join(config.ValidKeys(), ", ")),
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
