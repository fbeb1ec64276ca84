package repo

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/spf13/viper"

	"github.com/rockenbf/oxen/lib/oxerr"
)

// Layout of the hidden dir, rooted at <repo>/.oxen
const (
	HiddenDir     = ".oxen"
	ConfigFile    = "config"
	HeadFile      = "HEAD"
	RefsDir       = "refs"
	BranchesDir   = "branches"
	StagingDir    = "staging"
	TreeDir       = "tree"
	NodesDir      = "nodes"
	VersionsDir   = "versions"
	HistoryDir    = "history"
	DirHashesDir  = "dir_hashes"
	MergeDir      = "merge"
	LockFile      = "lock"
	IgnoreFile    = ".oxenignore"
	DefaultBranch = "main"

	// MinVersion is written into new repo configs; migrated repos are
	// bumped to it so old writers take the new tree layout.
	MinVersion = "0.19.0"
)

// Remote is a named remote endpoint in the repo config.
type Remote struct {
	Name string `mapstructure:"name"`
	URL  string `mapstructure:"url"`
}

// Config is the per-repo configuration stored at .oxen/config.
type Config struct {
	RepoID      string   `mapstructure:"repo_id"`
	MinVersion  string   `mapstructure:"min_version"`
	TabularHash string   `mapstructure:"tabular_hash"`
	Remotes     []Remote `mapstructure:"remotes"`
}

// LocalRepository is a repo rooted at Path with its hidden dir layout.
type LocalRepository struct {
	Path   string
	Config Config
}

// HiddenPath returns <repo>/.oxen
func (r *LocalRepository) HiddenPath() string {
	return filepath.Join(r.Path, HiddenDir)
}

func (r *LocalRepository) ConfigPath() string {
	return filepath.Join(r.HiddenPath(), ConfigFile)
}

func (r *LocalRepository) HeadPath() string {
	return filepath.Join(r.HiddenPath(), HeadFile)
}

func (r *LocalRepository) BranchesPath() string {
	return filepath.Join(r.HiddenPath(), RefsDir, BranchesDir)
}

func (r *LocalRepository) StagingPath() string {
	return filepath.Join(r.HiddenPath(), StagingDir)
}

func (r *LocalRepository) TreeNodesPath() string {
	return filepath.Join(r.HiddenPath(), TreeDir, NodesDir)
}

func (r *LocalRepository) VersionsPath() string {
	return filepath.Join(r.HiddenPath(), VersionsDir)
}

func (r *LocalRepository) HistoryPath() string {
	return filepath.Join(r.HiddenPath(), HistoryDir)
}

func (r *LocalRepository) CommitHistoryPath(commitID string) string {
	return filepath.Join(r.HistoryPath(), commitID)
}

func (r *LocalRepository) DirHashesPath(commitID string) string {
	return filepath.Join(r.CommitHistoryPath(commitID), DirHashesDir)
}

func (r *LocalRepository) MergePath() string {
	return filepath.Join(r.HiddenPath(), MergeDir)
}

// Init creates a new repository at path. Fails with AlreadyExists if the
// hidden dir is present.
func Init(path string) (*LocalRepository, error) {
	hidden := filepath.Join(path, HiddenDir)
	if _, err := os.Stat(hidden); err == nil {
		return nil, oxerr.Newf(oxerr.AlreadyExists, "repository already exists at %s", path)
	}

	dirs := []string{
		hidden,
		filepath.Join(hidden, RefsDir, BranchesDir),
		filepath.Join(hidden, StagingDir),
		filepath.Join(hidden, TreeDir, NodesDir),
		filepath.Join(hidden, VersionsDir),
		filepath.Join(hidden, HistoryDir),
		filepath.Join(hidden, MergeDir),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, oxerr.Wrapf(oxerr.Io, err, "could not create %s", dir)
		}
	}

	repo := &LocalRepository{
		Path: path,
		Config: Config{
			RepoID:      uuid.NewString(),
			MinVersion:  MinVersion,
			TabularHash: "rows-ordered",
		},
	}
	if err := repo.SaveConfig(); err != nil {
		return nil, err
	}

	// HEAD starts attached to the default branch; the branch ref itself is
	// only written by the first commit.
	head := fmt.Sprintf("ref: %s\n", DefaultBranch)
	if err := os.WriteFile(repo.HeadPath(), []byte(head), 0644); err != nil {
		return nil, oxerr.Wrap(oxerr.Io, err, "could not write HEAD")
	}

	return repo, nil
}

// Open loads the repository rooted exactly at path.
func Open(path string) (*LocalRepository, error) {
	hidden := filepath.Join(path, HiddenDir)
	if _, err := os.Stat(hidden); err != nil {
		return nil, oxerr.Newf(oxerr.NotFound, "no repository found at %s", path)
	}

	repo := &LocalRepository{Path: path}
	if err := repo.loadConfig(); err != nil {
		return nil, err
	}
	return repo, nil
}

// Find walks upward from path looking for a repository root.
func Find(path string) (*LocalRepository, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, oxerr.Wrap(oxerr.InvalidInput, err, "invalid path")
	}

	for {
		if _, err := os.Stat(filepath.Join(abs, HiddenDir)); err == nil {
			return Open(abs)
		}
		parent := filepath.Dir(abs)
		if parent == abs {
			return nil, oxerr.Newf(oxerr.NotFound, "no repository found above %s", path)
		}
		abs = parent
	}
}

func (r *LocalRepository) loadConfig() error {
	v := viper.New()
	v.SetConfigFile(r.ConfigPath())
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return oxerr.Wrap(oxerr.InvalidInput, err, "could not read repo config")
	}
	if err := v.Unmarshal(&r.Config); err != nil {
		return oxerr.Wrap(oxerr.InvalidInput, err, "could not parse repo config")
	}
	return nil
}

// SaveConfig writes the repo config back to .oxen/config.
func (r *LocalRepository) SaveConfig() error {
	v := viper.New()
	v.SetConfigType("yaml")
	v.Set("repo_id", r.Config.RepoID)
	v.Set("min_version", r.Config.MinVersion)
	v.Set("tabular_hash", r.Config.TabularHash)
	remotes := make([]map[string]string, 0, len(r.Config.Remotes))
	for _, remote := range r.Config.Remotes {
		remotes = append(remotes, map[string]string{"name": remote.Name, "url": remote.URL})
	}
	v.Set("remotes", remotes)
	if err := v.WriteConfigAs(r.ConfigPath()); err != nil {
		return oxerr.Wrap(oxerr.Io, err, "could not write repo config")
	}
	return nil
}

// GetRemote looks up a remote by name. An empty name returns the first
// remote if only one is configured.
func (r *LocalRepository) GetRemote(name string) (*Remote, error) {
	if name == "" {
		if len(r.Config.Remotes) == 1 {
			return &r.Config.Remotes[0], nil
		}
		name = "origin"
	}
	for i := range r.Config.Remotes {
		if r.Config.Remotes[i].Name == name {
			return &r.Config.Remotes[i], nil
		}
	}
	return nil, oxerr.Newf(oxerr.NotFound, "remote %q not configured", name)
}

// SetRemote adds or replaces a remote.
func (r *LocalRepository) SetRemote(name, url string) error {
	for i := range r.Config.Remotes {
		if r.Config.Remotes[i].Name == name {
			r.Config.Remotes[i].URL = url
			return r.SaveConfig()
		}
	}
	r.Config.Remotes = append(r.Config.Remotes, Remote{Name: name, URL: url})
	return r.SaveConfig()
}
