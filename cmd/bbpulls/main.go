// Package main provides the CLI entrypoint for bbpulls.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/JohanCodinha/bbpulls/internal/bitbucket"
	"github.com/JohanCodinha/bbpulls/internal/config"
	"github.com/JohanCodinha/bbpulls/internal/crypto"
	"github.com/JohanCodinha/bbpulls/internal/logger"
	"github.com/JohanCodinha/bbpulls/internal/md"
	"github.com/JohanCodinha/bbpulls/internal/model"
	"github.com/JohanCodinha/bbpulls/internal/store"
	"github.com/JohanCodinha/bbpulls/internal/sync"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	logger.Close()
	if err != nil {
		os.Exit(1)
	}
}

type globalOptions struct {
	configPath string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}

	root := &cobra.Command{
		Use:   "bbpulls",
		Short: "Incrementally synchronize Bitbucket pull requests",
		Long: `bbpulls pulls pull requests, their commits and comments from Bitbucket
Cloud or Bitbucket Server into a local SQLite store. Each run only fetches
what changed since the previous one.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", config.DefaultPath(), "configuration file")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override the configured log level")

	root.AddCommand(newSyncCmd(opts))
	root.AddCommand(newListCmd(opts))
	root.AddCommand(newShowCmd(opts))
	root.AddCommand(newEncryptCmd(opts))
	root.AddCommand(newKeygenCmd())
	return root
}

func newSyncCmd(opts *globalOptions) *cobra.Command {
	var status string
	var parallel int

	cmd := &cobra.Command{
		Use:   "sync [repo-id...]",
		Short: "Synchronize configured repositories",
		Long: `Synchronize the pull requests of the named repositories, or of every
configured repository when none is named. --status all syncs open pull
requests, then merged ones. A failing repository does not stop the others.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			statuses, err := parseStatus(status)
			if err != nil {
				return err
			}
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			repos, err := cfg.Select(args)
			if err != nil {
				return err
			}

			db, err := openStore(cfg.Database)
			if err != nil {
				return err
			}
			defer db.Close()

			timeout := cfg.Timeout
			if timeout <= 0 {
				timeout = bitbucket.DefaultTimeout
			}
			engine := sync.NewEngine(db, bitbucket.NewClient(timeout), bitbucket.NewDialect(cfg.Product, cfg.API), cfg.Key)

			if parallel <= 0 {
				parallel = cfg.Parallel
			}
			results := syncRepos(cmd.Context(), engine, repos, statuses, cfg.Credentials(), parallel)
			return report(cmd.OutOrStdout(), results)
		},
	}
	cmd.Flags().StringVar(&status, "status", "all", "pull request status to sync: open, merged or all")
	cmd.Flags().IntVar(&parallel, "parallel", 0, "repositories synced at once (default from config)")
	return cmd
}

func newListCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list <repo-id>",
		Short: "List stored pull requests of a repository",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			db, err := openStore(cfg.Database)
			if err != nil {
				return err
			}
			defer db.Close()

			prs, err := db.ListPullRequests(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printPullRequests(cmd.OutOrStdout(), args[0], prs, time.Now())
			return nil
		},
	}
}

func newShowCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <repo-id> <number>",
		Short: "Show a stored pull request as markdown",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			number, err := strconv.ParseInt(strings.TrimPrefix(args[1], "#"), 10, 64)
			if err != nil {
				return fmt.Errorf("invalid pull request number %q", args[1])
			}
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			db, err := openStore(cfg.Database)
			if err != nil {
				return err
			}
			defer db.Close()

			pr, err := db.GetPullRequest(cmd.Context(), args[0], number, model.RequestTypePull)
			if err != nil {
				return err
			}
			if pr == nil {
				return fmt.Errorf("pull request %s#%d is not stored", args[0], number)
			}
			fmt.Fprint(cmd.OutOrStdout(), md.ToMarkdown(pr))
			return nil
		},
	}
}

func newEncryptCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "encrypt <password>",
		Short: "Encrypt a repository password with the configured key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			ciphertext, err := crypto.Encrypt(args[0], cfg.Key)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), ciphertext)
			return nil
		},
	}
}

func newKeygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Print a new encryption key for the key setting",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := crypto.GenerateKey()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), key)
			return nil
		},
	}
}

// loadConfig reads the configuration and applies its logging settings.
func loadConfig(opts *globalOptions) (*config.Config, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}

	levelName := cfg.LogLevel
	if opts.logLevel != "" {
		levelName = opts.logLevel
	}
	level, err := logger.ParseLevel(levelName)
	if err != nil {
		return nil, err
	}
	logger.SetLevel(level)

	if cfg.LogFile != "" {
		if err := logger.SetLogFile(cfg.LogFile); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func openStore(path string) (*store.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}
	return store.InitDB(path)
}

func parseStatus(status string) ([]string, error) {
	switch strings.ToLower(status) {
	case sync.StatusOpen:
		return []string{sync.StatusOpen}, nil
	case sync.StatusMerged:
		return []string{sync.StatusMerged}, nil
	case "all", "":
		return []string{sync.StatusOpen, sync.StatusMerged}, nil
	default:
		return nil, fmt.Errorf("invalid status %q: must be open, merged or all", status)
	}
}

type syncer interface {
	Sync(ctx context.Context, repo model.Repo, status string, defaults model.Credentials) (int, error)
}

type repoResult struct {
	repo   string
	counts []statusCount
	err    error
}

type statusCount struct {
	status string
	count  int
}

// syncRepos syncs up to parallel repositories at once. Results keep the order of repos.
func syncRepos(ctx context.Context, s syncer, repos []model.Repo, statuses []string, creds model.Credentials, parallel int) []repoResult {
	if parallel <= 0 {
		parallel = 1
	}
	results := make([]repoResult, len(repos))

	var g errgroup.Group
	g.SetLimit(parallel)
	for i, repo := range repos {
		g.Go(func() error {
			res := repoResult{repo: repo.ID}
			for _, status := range statuses {
				n, err := s.Sync(ctx, repo, status, creds)
				res.counts = append(res.counts, statusCount{status: status, count: n})
				if err != nil {
					res.err = err
					break
				}
			}
			results[i] = res
			return nil
		})
	}
	g.Wait()
	return results
}

func report(w io.Writer, results []repoResult) error {
	failed := 0
	for _, r := range results {
		parts := make([]string, len(r.counts))
		for i, c := range r.counts {
			parts[i] = fmt.Sprintf("%d new %s", c.count, c.status)
		}
		line := r.repo + ": " + strings.Join(parts, ", ")
		if r.err != nil {
			failed++
			line += fmt.Sprintf(" (failed: %v)", r.err)
		}
		fmt.Fprintln(w, line)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d repositories failed", failed, len(results))
	}
	return nil
}

func printPullRequests(w io.Writer, repo string, prs []model.PullRequest, now time.Time) {
	if len(prs) == 0 {
		fmt.Fprintf(w, "no pull requests stored for %s\n", repo)
		return
	}
	fmt.Fprintf(w, "%s: %s pull requests\n", repo, humanize.Comma(int64(len(prs))))
	for _, pr := range prs {
		updated := humanize.RelTime(time.UnixMilli(pr.UpdatedAt), now, "ago", "from now")
		fmt.Fprintf(w, "#%-6d %-7s %-16s %s\n", pr.Number, pr.State, updated, pr.Title)
	}
}
