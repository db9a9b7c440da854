package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mkoziy/genome/loader/internal/api"
	"github.com/mkoziy/genome/loader/internal/loader"
	"github.com/mkoziy/genome/loader/internal/models"
	"github.com/mkoziy/genome/loader/internal/sources/clinvar"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:           "loader",
	Short:         "Variant ingestion and annotation enrichment",
	Long:          `Loads normalized variant records into a partitioned SQLite store, enriches them from registered annotation sources and keeps an audit trail of every load.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// withApp wires the application for one command run.
func withApp(fn func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx, configPath)
		if err != nil {
			return err
		}
		defer a.Close()
		return fn(ctx, a, cmd, args)
	}
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations",
	RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
		fmt.Println("database is up to date")
		return nil
	}),
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the HTTP API and sweep stuck batches",
	RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
		sweeper := a.sweeper()
		if err := sweeper.Start(ctx); err != nil {
			return err
		}
		defer sweeper.Stop()

		h := api.NewHandler(api.Deps{
			Queries:    a.queries,
			Registry:   a.registry,
			Engine:     a.engine,
			Recorder:   a.recorder,
			Active:     a.loader.Active,
			StaleAfter: a.cfg.Audit.StaleAfter,
		}, a.log)
		return api.Serve(ctx, a.cfg.Server.Addr, api.NewRouter(h, a.log, a.cfg.Server.AllowOrigins...), a.log)
	}),
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Report running batches without a recent heartbeat",
	RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
		stuck, err := a.sweeper().Sweep(ctx)
		if err != nil {
			return err
		}
		return printJSON(stuck)
	}),
}

var (
	loadHash    string
	loadForce   bool
	loadPolicy  string
	loadSources []string
	loadInline  bool
)

var loadCmd = &cobra.Command{
	Use:   "load <records.jsonl>...",
	Short: "Load files of normalized variant records (one JSON object per line)",
	Args:  cobra.MinimumNArgs(1),
	RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
		if loadHash != "" && len(args) > 1 {
			return fmt.Errorf("--hash applies to a single file")
		}

		jobs := make([]loader.Job, 0, len(args))
		for _, path := range args {
			f, err := os.Open(path)
			if err != nil {
				return err
			}
			defer f.Close()

			info, err := f.Stat()
			if err != nil {
				return err
			}
			hash := loadHash
			if hash == "" {
				if hash, err = contentHash(f); err != nil {
					return fmt.Errorf("hash %s: %w", path, err)
				}
			}

			req := loader.BeginRequest{
				FilePath:     path,
				FileHash:     hash,
				FileSize:     info.Size(),
				ForceReload:  loadForce,
				ReloadPolicy: models.ReloadPolicy(loadPolicy),
				Sources:      loadSources,
			}
			if cmd.Flags().Changed("inline") {
				req.EnrichInline = &loadInline
			}
			jobs = append(jobs, loader.Job{Request: req, Stream: loader.NewJSONLinesStream(f)})
		}

		results := a.loader.RunMany(ctx, jobs)
		summary := make([]loadSummary, len(results))
		var failed int
		for i, res := range results {
			summary[i] = loadSummary{File: args[i], Batch: res.Batch}
			if res.Err != nil {
				failed++
				summary[i].Error = res.Err.Error()
			}
		}
		if err := printJSON(summary); err != nil {
			return err
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d loads failed", failed, len(results))
		}
		return nil
	}),
}

type loadSummary struct {
	File  string            `json:"file"`
	Batch *models.LoadBatch `json:"batch,omitempty"`
	Error string            `json:"error,omitempty"`
}

// contentHash returns the sha256 of f and rewinds it.
func contentHash(f *os.File) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

var enrichSources []string

var enrichCmd = &cobra.Command{
	Use:   "enrich <batch-id>",
	Short: "Re-enrich the stored variants of a batch",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
		if _, err := a.recorder.Get(ctx, args[0]); err != nil {
			return err
		}
		res, err := a.engine.EnrichBatch(ctx, args[0], enrichSources)
		if err != nil {
			return err
		}
		return printJSON(res)
	}),
}

var batchHash string

var batchCmd = &cobra.Command{
	Use:   "batch [id]",
	Short: "Show a load batch, or the reload chain of --hash",
	Args:  cobra.MaximumNArgs(1),
	RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
		switch {
		case len(args) == 1:
			report, err := a.queries.Batch(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(report)
		case batchHash != "":
			history, err := a.queries.History(ctx, batchHash)
			if err != nil {
				return err
			}
			return printJSON(history)
		default:
			recent, err := a.recorder.Recent(ctx, 20)
			if err != nil {
				return err
			}
			return printJSON(recent)
		}
	}),
}

var sourcesCmd = &cobra.Command{
	Use:   "sources",
	Short: "Manage annotation sources",
}

var sourcesRegisterCmd = &cobra.Command{
	Use:   "register <manifest.yaml>",
	Short: "Register the annotation sources declared in a manifest",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		sources, err := a.registry.LoadManifest(ctx, data)
		if err != nil {
			return err
		}
		return printJSON(sources)
	}),
}

var sourcesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List annotation sources",
	RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
		return printJSON(a.registry.List())
	}),
}

var sourcesDeprecateCmd = &cobra.Command{
	Use:   "deprecate <name>",
	Short: "Stop joining a source without dropping its rows",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
		src, err := a.registry.Deprecate(ctx, args[0])
		if err != nil {
			return err
		}
		return printJSON(src)
	}),
}

var (
	clinvarVersion   string
	clinvarOverwrite bool
	clinvarQueries   []string
)

var importClinVarCmd = &cobra.Command{
	Use:   "import-clinvar",
	Short: "Import ClinVar interpretations as the clinvar annotation source",
	RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
		cv := a.cfg.ClinVar
		client := clinvar.NewClient(clinvar.ClientConfig{
			BaseURL: cv.BaseURL,
			APIKey:  cv.APIKey,
			Email:   cv.Email,
			Tool:    cv.Tool,
			Retry:   a.cfg.ClinVarRetry(),
		}, nil, a.log)
		res, err := clinvar.NewImporter(client, a.registry, a.log).Import(ctx, clinvar.ImportConfig{
			Version:   clinvarVersion,
			Overwrite: clinvarOverwrite,
			BatchSize: cv.BatchSize,
			Queries:   clinvarQueries,
		})
		if err != nil {
			return err
		}
		return printJSON(res)
	}),
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to YAML config (LOADER_* env vars override it)")

	loadCmd.Flags().StringVar(&loadHash, "hash", "", "content hash to record instead of the file's sha256")
	loadCmd.Flags().BoolVar(&loadForce, "force", false, "reload content that was already loaded")
	loadCmd.Flags().StringVar(&loadPolicy, "policy", "", "reload policy: replace or additive")
	loadCmd.Flags().StringSliceVar(&loadSources, "source", nil, "annotation sources for inline enrichment (default: all active)")
	loadCmd.Flags().BoolVar(&loadInline, "inline", false, "enrich records while loading")

	enrichCmd.Flags().StringSliceVar(&enrichSources, "source", nil, "annotation sources to join (default: all active)")
	batchCmd.Flags().StringVar(&batchHash, "hash", "", "list every batch of a content hash")

	importClinVarCmd.Flags().StringVar(&clinvarVersion, "version", "", "ClinVar release recorded as the source version")
	importClinVarCmd.Flags().BoolVar(&clinvarOverwrite, "overwrite", false, "replace the rows of an existing version")
	importClinVarCmd.Flags().StringArrayVar(&clinvarQueries, "query", nil, "Entrez search term (repeatable)")
	_ = importClinVarCmd.MarkFlagRequired("version")

	sourcesCmd.AddCommand(sourcesRegisterCmd, sourcesListCmd, sourcesDeprecateCmd)
	rootCmd.AddCommand(migrateCmd, serveCmd, sweepCmd, loadCmd, enrichCmd, batchCmd, sourcesCmd, importClinVarCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
