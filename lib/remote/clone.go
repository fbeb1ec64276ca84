package remote

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/rockenbf/oxen/lib/index"
	"github.com/rockenbf/oxen/lib/logging"
	"github.com/rockenbf/oxen/lib/repo"
)

// Clone creates a fresh repo at dst, wires the remote as origin, pulls the
// default branch, and checks it out.
func Clone(ctx context.Context, remoteURL, dst string) (*repo.LocalRepository, error) {
	if dst == "" {
		parts := strings.Split(strings.TrimSuffix(remoteURL, "/"), "/")
		dst = parts[len(parts)-1]
	}
	dst, err := filepath.Abs(dst)
	if err != nil {
		return nil, err
	}

	r, err := repo.Init(dst)
	if err != nil {
		return nil, err
	}
	if err := r.SetRemote("origin", remoteURL); err != nil {
		return nil, err
	}

	if _, err := Pull(ctx, r, "origin", repo.DefaultBranch); err != nil {
		return nil, err
	}

	refs := index.NewRefs(r)
	if err := refs.SetHeadBranch(repo.DefaultBranch); err != nil {
		return nil, err
	}
	tip, err := refs.GetBranchCommit(repo.DefaultBranch)
	if err != nil {
		return nil, err
	}
	if err := index.RestoreWorkingTree(r, tip); err != nil {
		return nil, err
	}

	logging.Infof("cloned %s into %s", remoteURL, dst)
	return r, nil
}
