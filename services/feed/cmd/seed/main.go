package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"myway/internal/util"
	"myway/pkg/domain"
	"myway/pkg/store"
	"myway/services/feed/internal/config"
)

type seedFile struct {
	Posts []seedPost `yaml:"posts"`
	Users []seedUser `yaml:"users"`
}

// seedPost is a ready post attached to its author's feed, plus any extra
// feeds listed in AttachTo.
type seedPost struct {
	domain.Post `yaml:",inline"`
	AttachTo    []string `yaml:"attachTo"`
	Reasons     []string `yaml:"reasons"`
}

type seedUser struct {
	UID    string         `yaml:"uid"`
	Budget map[string]int `yaml:"budget"`
}

type summary struct {
	Posts    int
	Attaches int
	Users    int
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configPath string
		dryRun     bool
	)
	cmd := &cobra.Command{
		Use:   "seed <seed.yaml>",
		Short: "Seed posts and user budgets into the feed store",
		Long: `Seed writes ready posts (attached to their author's feed and any attachTo
feeds) and per-user budget overrides into the Postgres store named by the
feed config. With --dry-run the file is applied to an in-memory store instead.`,
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, configPath, args[0], dryRun)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", config.ConfigPath, "feed config file")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "apply the seed to an in-memory store and report counts")
	return cmd
}

func run(cmd *cobra.Command, configPath, seedPath string, dryRun bool) error {
	file, err := loadSeed(seedPath)
	if err != nil {
		return fmt.Errorf("load seed file: %w", err)
	}
	var st store.Store
	if dryRun {
		st = store.NewMemoryStore()
	} else {
		cfg, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		util.InitLogger(cfg.LogLevel)
		if strings.TrimSpace(cfg.DatabaseURL) == "" {
			return errors.New("seed requires databaseURL (set in config.yaml or DATABASE_URL)")
		}
		gs, err := store.NewGormStore(cfg.DatabaseURL,
			store.WithFeedCap(cfg.FeedIndexCap),
			store.WithFallbackCap(cfg.FallbackCap),
		)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer gs.Close()
		st = gs
	}

	sum, err := seed(cmd.Context(), st, file)
	if err != nil {
		return err
	}
	slog.Info("seed complete", "posts", sum.Posts, "attaches", sum.Attaches, "users", sum.Users, "dry_run", dryRun)
	fmt.Fprintf(cmd.OutOrStdout(), "posts=%d attaches=%d users=%d\n", sum.Posts, sum.Attaches, sum.Users)
	return nil
}

func loadSeed(path string) (seedFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return seedFile{}, err
	}
	var file seedFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return seedFile{}, fmt.Errorf("parse seed: %w", err)
	}
	return file, nil
}

// seed writes posts in parallel; users are applied after every post landed.
func seed(ctx context.Context, st store.Store, file seedFile) (summary, error) {
	var sum summary
	attaches := make([]int, len(file.Posts))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, sp := range file.Posts {
		g.Go(func() error {
			post := sp.Post
			if post.Status == "" {
				post.Status = domain.StatusReady
			}
			if post.Status != domain.StatusReady {
				return fmt.Errorf("post %s: seed posts must be ready", post.ID)
			}
			reasons := sp.Reasons
			if len(reasons) == 0 {
				reasons = []string{"seed"}
			}
			saved, err := st.SaveAndAttach(gctx, post.AuthorUID, post, 1.0, reasons)
			if err != nil {
				return fmt.Errorf("save post %s: %w", post.ID, err)
			}
			attaches[i]++
			for _, uid := range sp.AttachTo {
				if err := st.AttachToFeed(gctx, uid, saved, 1.0, reasons); err != nil {
					return fmt.Errorf("attach post %s to %s: %w", saved.ID, uid, err)
				}
				attaches[i]++
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return sum, err
	}
	sum.Posts = len(file.Posts)
	for _, n := range attaches {
		sum.Attaches += n
	}

	for _, u := range file.Users {
		if strings.TrimSpace(u.UID) == "" {
			return sum, errors.New("seed user without uid")
		}
		if u.Budget == nil {
			continue
		}
		if err := st.SetBudget(ctx, u.UID, domain.Budget(u.Budget)); err != nil {
			return sum, fmt.Errorf("set budget for %s: %w", u.UID, err)
		}
		sum.Users++
	}
	return sum, nil
}
