package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/rockenbf/oxen/lib/config"
	"github.com/rockenbf/oxen/lib/diff"
	"github.com/rockenbf/oxen/lib/index"
	"github.com/rockenbf/oxen/lib/logging"
	"github.com/rockenbf/oxen/lib/merge"
	"github.com/rockenbf/oxen/lib/migrate"
	"github.com/rockenbf/oxen/lib/oxerr"
	"github.com/rockenbf/oxen/lib/remote"
	"github.com/rockenbf/oxen/lib/repo"
	"github.com/rockenbf/oxen/lib/tabular"
)

func main() {
	if err := config.InitConfig(); err != nil {
		fmt.Fprintf(os.Stderr, "warning: %v\n", err)
	}
	if err := logging.InitLogger(); err != nil {
		fmt.Fprintf(os.Stderr, "warning: %v\n", err)
	}

	app := &cli.App{
		Name:  "oxen",
		Usage: "version large datasets like code",
		Commands: []*cli.Command{
			initCmd(),
			statusCmd(),
			addCmd(),
			rmCmd(),
			commitCmd(),
			logCmd(),
			branchCmd(),
			checkoutCmd(),
			mergeCmd(),
			remoteCmd(),
			pushCmd(),
			pullCmd(),
			fetchCmd(),
			cloneCmd(),
			dfCmd(),
			migrateCmd(),
			configCmd(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(oxerr.ExitCode(err))
	}
}

func openRepo() (*repo.LocalRepository, error) {
	wd, err := os.Getwd()
	if err != nil {
		return nil, oxerr.Wrap(oxerr.Io, err, "could not read working directory")
	}
	return repo.Find(wd)
}

func initCmd() *cli.Command {
	return &cli.Command{
		Name:      "init",
		Usage:     "initialize a repository",
		ArgsUsage: "<path>",
		Action: func(c *cli.Context) error {
			path := c.Args().First()
			if path == "" {
				path = "."
			}
			abs, err := filepath.Abs(path)
			if err != nil {
				return oxerr.Wrap(oxerr.InvalidInput, err, "invalid path")
			}
			r, err := repo.Init(abs)
			if err != nil {
				return err
			}
			fmt.Printf("Initialized oxen repository in %s\n", r.HiddenPath())
			return nil
		},
	}
}

func statusCmd() *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "show the working tree status",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "path", Usage: "restrict status to a subpath"},
		},
		Action: func(c *cli.Context) error {
			r, err := openRepo()
			if err != nil {
				return err
			}

			status, err := diff.Status(r, c.String("path"))
			if err != nil {
				return err
			}

			conflictStore, err := merge.OpenConflictStore(r)
			if err != nil {
				return err
			}
			defer conflictStore.Close()
			conflicts, err := conflictStore.List()
			if err != nil {
				return err
			}

			if len(conflicts) > 0 {
				fmt.Println("Unresolved merge conflicts:")
				for _, conflict := range conflicts {
					fmt.Printf("  both modified: %s\n", conflict.Path)
				}
				fmt.Println()
			}
			if len(status.Staged) > 0 {
				fmt.Println("Changes to be committed:")
				for _, s := range status.Staged {
					fmt.Printf("  %s: %s\n", s.Entry.Status, s.Path)
				}
				fmt.Println()
			}
			if len(status.Modified) > 0 || len(status.Removed) > 0 {
				fmt.Println("Changes not staged for commit:")
				for _, path := range status.Modified {
					fmt.Printf("  modified: %s\n", path)
				}
				for _, path := range status.Removed {
					fmt.Printf("  removed: %s\n", path)
				}
				fmt.Println()
			}
			if len(status.Untracked) > 0 {
				fmt.Println("Untracked files:")
				for _, path := range status.Untracked {
					fmt.Printf("  %s\n", path)
				}
				fmt.Println()
			}
			if status.IsClean() && len(conflicts) == 0 {
				fmt.Println("nothing to commit, working tree clean")
			}
			return nil
		},
	}
}

func addCmd() *cli.Command {
	return &cli.Command{
		Name:      "add",
		Usage:     "stage files for the next commit",
		ArgsUsage: "<path>...",
		Action: func(c *cli.Context) error {
			if c.NArg() == 0 {
				return oxerr.New(oxerr.InvalidInput, "nothing specified to add")
			}
			r, err := openRepo()
			if err != nil {
				return err
			}
			stager, err := index.NewStager(r)
			if err != nil {
				return err
			}
			defer stager.Close()

			for _, path := range c.Args().Slice() {
				if err := stager.Add(path); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

func rmCmd() *cli.Command {
	return &cli.Command{
		Name:      "rm",
		Usage:     "stage file removals",
		ArgsUsage: "<path>...",
		Action: func(c *cli.Context) error {
			if c.NArg() == 0 {
				return oxerr.New(oxerr.InvalidInput, "nothing specified to remove")
			}
			r, err := openRepo()
			if err != nil {
				return err
			}
			stager, err := index.NewStager(r)
			if err != nil {
				return err
			}
			defer stager.Close()

			for _, path := range c.Args().Slice() {
				if err := stager.Rm(path); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

func commitCmd() *cli.Command {
	return &cli.Command{
		Name:  "commit",
		Usage: "record staged changes",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "message", Aliases: []string{"m"}, Required: true},
		},
		Action: func(c *cli.Context) error {
			r, err := openRepo()
			if err != nil {
				return err
			}
			commit, err := index.Commit(r, c.String("message"))
			if err != nil {
				return err
			}
			fmt.Printf("commit %s\n", commit.Hash)
			return nil
		},
	}
}

func logCmd() *cli.Command {
	return &cli.Command{
		Name:  "log",
		Usage: "show commit history",
		Action: func(c *cli.Context) error {
			r, err := openRepo()
			if err != nil {
				return err
			}
			head, err := index.HeadCommit(r)
			if err != nil {
				return err
			}
			commits, err := index.NewCommits(r).Log(head.Hash)
			if err != nil {
				return err
			}
			for _, commit := range commits {
				date := time.Unix(commit.Timestamp, 0).UTC()
				fmt.Printf("commit %s\n", commit.Hash)
				fmt.Printf("Author: %s <%s>\n", commit.Author, commit.Email)
				fmt.Printf("Date:   %s\n\n", date.Format("2006-01-02 15:04:05 -0700"))
				fmt.Printf("    %s\n\n", commit.Message)
			}
			return nil
		},
	}
}

func branchCmd() *cli.Command {
	return &cli.Command{
		Name:      "branch",
		Usage:     "list branches or create one at HEAD",
		ArgsUsage: "[name]",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "delete", Aliases: []string{"d"}, Usage: "delete a branch"},
		},
		Action: func(c *cli.Context) error {
			r, err := openRepo()
			if err != nil {
				return err
			}
			refs := index.NewRefs(r)

			if name := c.String("delete"); name != "" {
				return refs.DeleteBranch(name)
			}

			if name := c.Args().First(); name != "" {
				head, err := refs.GetHead()
				if err != nil {
					return err
				}
				if head.Commit.IsZero() {
					return oxerr.New(oxerr.NotFound, "no commits yet")
				}
				return refs.CreateBranch(name, head.Commit)
			}

			head, err := refs.GetHead()
			if err != nil {
				return err
			}
			names, err := refs.ListBranches()
			if err != nil {
				return err
			}
			for _, name := range names {
				marker := "  "
				if name == head.Branch {
					marker = "* "
				}
				fmt.Printf("%s%s\n", marker, name)
			}
			return nil
		},
	}
}

func checkoutCmd() *cli.Command {
	return &cli.Command{
		Name:      "checkout",
		Usage:     "switch to a branch or commit",
		ArgsUsage: "<branch|hash>",
		Action: func(c *cli.Context) error {
			target := c.Args().First()
			if target == "" {
				return oxerr.New(oxerr.InvalidInput, "checkout target required")
			}
			r, err := openRepo()
			if err != nil {
				return err
			}
			return index.Checkout(r, target)
		},
	}
}

func mergeCmd() *cli.Command {
	return &cli.Command{
		Name:      "merge",
		Usage:     "merge a branch into the current branch",
		ArgsUsage: "<branch>",
		Action: func(c *cli.Context) error {
			branch := c.Args().First()
			if branch == "" {
				return oxerr.New(oxerr.InvalidInput, "branch name required")
			}
			r, err := openRepo()
			if err != nil {
				return err
			}
			result, err := merge.Merge(r, branch)
			if err != nil {
				return err
			}
			switch {
			case result.UpToDate:
				fmt.Println("Already up to date.")
			case result.FastForward:
				fmt.Println("Fast-forward")
			case len(result.Conflicts) > 0:
				for _, conflict := range result.Conflicts {
					fmt.Printf("CONFLICT: %s (base %s, head %s, merge %s)\n",
						conflict.Path, conflict.BaseHash, conflict.HeadHash, conflict.MergeHash)
				}
				return oxerr.Newf(oxerr.Conflict, "merge produced %d conflicts", len(result.Conflicts))
			default:
				fmt.Printf("merge commit %s\n", result.Commit.Hash)
			}
			return nil
		},
	}
}

func remoteCmd() *cli.Command {
	return &cli.Command{
		Name:  "remote",
		Usage: "manage remotes",
		Subcommands: []*cli.Command{
			{
				Name:      "add",
				ArgsUsage: "<name> <url>",
				Action: func(c *cli.Context) error {
					if c.NArg() != 2 {
						return oxerr.New(oxerr.InvalidInput, "usage: oxen remote add <name> <url>")
					}
					r, err := openRepo()
					if err != nil {
						return err
					}
					return r.SetRemote(c.Args().Get(0), c.Args().Get(1))
				},
			},
			{
				Name: "list",
				Action: func(c *cli.Context) error {
					r, err := openRepo()
					if err != nil {
						return err
					}
					for _, rmt := range r.Config.Remotes {
						fmt.Printf("%s\t%s\n", rmt.Name, rmt.URL)
					}
					return nil
				},
			},
		},
	}
}

func pushCmd() *cli.Command {
	return &cli.Command{
		Name:      "push",
		Usage:     "push a branch to a remote",
		ArgsUsage: "[<remote> <branch>]",
		Action: func(c *cli.Context) error {
			r, err := openRepo()
			if err != nil {
				return err
			}
			remoteName, branch := c.Args().Get(0), c.Args().Get(1)
			ctx, cancel := syncContext()
			defer cancel()
			stats, err := remote.Push(ctx, r, remoteName, branch)
			if err != nil {
				return err
			}
			fmt.Printf("pushed %d commits (%d nodes, %d blobs)\n",
				stats.CommitsPushed, stats.NodesUploaded, stats.BlobsUploaded)
			return nil
		},
	}
}

func pullCmd() *cli.Command {
	return &cli.Command{
		Name:      "pull",
		Usage:     "pull a branch from a remote",
		ArgsUsage: "[<remote> <branch>]",
		Action: func(c *cli.Context) error {
			r, err := openRepo()
			if err != nil {
				return err
			}
			remoteName, branch := pullArgs(c, r)
			ctx, cancel := syncContext()
			defer cancel()
			stats, err := remote.Pull(ctx, r, remoteName, branch)
			if err != nil {
				return err
			}
			if stats.UpToDate {
				fmt.Println("Already up to date.")
			} else {
				fmt.Printf("pulled %d commits (%d nodes, %d blobs)\n",
					stats.CommitsFetched, stats.NodesDownloaded, stats.BlobsDownloaded)
			}
			return nil
		},
	}
}

func fetchCmd() *cli.Command {
	return &cli.Command{
		Name:  "fetch",
		Usage: "download remote commits and trees without changing the working tree",
		Action: func(c *cli.Context) error {
			r, err := openRepo()
			if err != nil {
				return err
			}
			remoteName, branch := pullArgs(c, r)
			ctx, cancel := syncContext()
			defer cancel()
			stats, err := remote.Fetch(ctx, r, remoteName, branch, false)
			if err != nil {
				return err
			}
			if stats.UpToDate {
				fmt.Println("Already up to date.")
			} else {
				fmt.Printf("fetched %d commits (%d nodes)\n",
					stats.CommitsFetched, stats.NodesDownloaded)
			}
			return nil
		},
	}
}

// syncContext is the overall deadline for one sync operation; individual
// transfers have no timeout of their own.
func syncContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), time.Hour)
}

// pullArgs resolves the optional remote and branch args, defaulting to the
// sole remote and the current branch.
func pullArgs(c *cli.Context, r *repo.LocalRepository) (string, string) {
	remoteName, branch := c.Args().Get(0), c.Args().Get(1)
	if branch == "" {
		refs := index.NewRefs(r)
		if head, err := refs.GetHead(); err == nil && head.Branch != "" {
			branch = head.Branch
		} else {
			branch = repo.DefaultBranch
		}
	}
	return remoteName, branch
}

func cloneCmd() *cli.Command {
	return &cli.Command{
		Name:      "clone",
		Usage:     "clone a remote repository",
		ArgsUsage: "<url> [<dst>]",
		Action: func(c *cli.Context) error {
			url := c.Args().First()
			if url == "" {
				return oxerr.New(oxerr.InvalidInput, "remote url required")
			}
			ctx, cancel := syncContext()
			defer cancel()
			r, err := remote.Clone(ctx, url, c.Args().Get(1))
			if err != nil {
				return err
			}
			fmt.Printf("cloned into %s\n", r.Path)
			return nil
		},
	}
}

func dfCmd() *cli.Command {
	return &cli.Command{
		Name:      "df",
		Usage:     "show the storage-level summary of a tabular file",
		ArgsUsage: "<path>",
		Action: func(c *cli.Context) error {
			path := c.Args().First()
			if path == "" {
				return oxerr.New(oxerr.InvalidInput, "path required")
			}
			if !tabular.IsTabular(path) {
				return oxerr.Newf(oxerr.InvalidInput, "%q is not a tabular file", path)
			}
			summary, err := tabular.Summarize(path)
			if err != nil {
				return err
			}
			fmt.Printf("%s: %d rows x %d columns (%d bytes)\n",
				summary.Path, summary.NumRows, len(summary.Schema.Fields), summary.NumBytes)
			for _, field := range summary.Schema.Fields {
				fmt.Printf("  %s\n", field)
			}
			return nil
		},
	}
}

func migrateCmd() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "convert a legacy object store to the sharded merkle layout",
		Action: func(c *cli.Context) error {
			r, err := openRepo()
			if err != nil {
				return err
			}
			return migrate.Run(r)
		},
	}
}

func configCmd() *cli.Command {
	return &cli.Command{
		Name:  "config",
		Usage: "set the author identity",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "name"},
			&cli.StringFlag{Name: "email"},
		},
		Action: func(c *cli.Context) error {
			name, email := c.String("name"), c.String("email")
			if name == "" && email == "" {
				cfg, err := config.GetUserConfig()
				if err != nil {
					return err
				}
				fmt.Printf("name: %s\nemail: %s\n", cfg.Name, cfg.Email)
				return nil
			}
			cfg, err := config.GetUserConfig()
			if err != nil {
				return err
			}
			if name == "" {
				name = cfg.Name
			}
			if email == "" {
				email = cfg.Email
			}
			return config.SetUser(name, email)
		},
	}
}
