package remote

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	jsoniter "github.com/json-iterator/go"

	"github.com/rockenbf/oxen/lib/config"
	"github.com/rockenbf/oxen/lib/hash"
	"github.com/rockenbf/oxen/lib/logging"
	"github.com/rockenbf/oxen/lib/oxerr"
)

// Client talks the sync protocol to one remote repository. The base URL
// names the repo, e.g. http://host:3000/repos/ox/cats; endpoint paths are
// appended to it.
type Client struct {
	baseURL string
	http    *http.Client
	token   string
}

// NewClient builds a client for a remote repo URL, attaching the auth token
// configured for the host, if any.
func NewClient(remoteURL string) (*Client, error) {
	parsed, err := url.Parse(remoteURL)
	if err != nil || parsed.Host == "" {
		return nil, oxerr.Newf(oxerr.InvalidInput, "invalid remote url %q", remoteURL)
	}
	// No per-request timeout: individual transfers run as long as they
	// need; the caller's context enforces the overall deadline.
	return &Client{
		baseURL: strings.TrimSuffix(remoteURL, "/"),
		http:    &http.Client{},
		token:   config.AuthTokenForHost(parsed.Host),
	}, nil
}

func (c *Client) url(path string) string {
	return c.baseURL + path
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.url(path), body)
	if err != nil {
		return nil, oxerr.Wrap(oxerr.InvalidInput, err, "could not build request")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

// do runs a request, mapping transport errors and 5xx to RemoteUnavailable
// and 401/403 to AuthFailed. Other statuses are returned to the caller.
func (c *Client) do(req *http.Request) (*http.Response, error) {
	res, err := c.http.Do(req)
	if err != nil {
		if req.Context().Err() != nil {
			return nil, oxerr.Wrap(oxerr.Timeout, err, "request cancelled")
		}
		return nil, oxerr.Wrapf(oxerr.RemoteUnavailable, err, "%s %s failed", req.Method, req.URL)
	}
	switch {
	case res.StatusCode >= 500:
		res.Body.Close()
		return nil, oxerr.Newf(oxerr.RemoteUnavailable, "%s %s returned %d", req.Method, req.URL, res.StatusCode)
	case res.StatusCode == http.StatusUnauthorized || res.StatusCode == http.StatusForbidden:
		res.Body.Close()
		return nil, oxerr.Newf(oxerr.AuthFailed, "%s %s returned %d", req.Method, req.URL, res.StatusCode)
	}
	return res, nil
}

// HasNode checks for a node db on the remote.
func (c *Client) HasNode(ctx context.Context, h hash.Hash) (bool, error) {
	req, err := c.newRequest(ctx, http.MethodHead, "/tree/nodes/"+h.String(), nil)
	if err != nil {
		return false, err
	}
	res, err := c.do(req)
	if err != nil {
		return false, err
	}
	defer res.Body.Close()
	return res.StatusCode == http.StatusOK, nil
}

// GetNode downloads one node db tarball and unpacks it into nodesRoot.
func (c *Client) GetNode(ctx context.Context, h hash.Hash, nodesRoot string) error {
	req, err := c.newRequest(ctx, http.MethodGet, "/tree/nodes/"+h.String(), nil)
	if err != nil {
		return err
	}
	res, err := c.do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode == http.StatusNotFound {
		return oxerr.Newf(oxerr.NotFound, "remote has no node %s", h)
	}
	if res.StatusCode != http.StatusOK {
		return oxerr.Newf(oxerr.RemoteUnavailable, "get node %s returned %d", h, res.StatusCode)
	}
	return UnpackTarball(res.Body, nodesRoot)
}

// PutNode uploads one node db directory as a gzipped tarball.
func (c *Client) PutNode(ctx context.Context, h hash.Hash, nodesRoot string) error {
	buf, err := PackNodeDB(nodesRoot, h)
	if err != nil {
		return err
	}
	req, err := c.newRequest(ctx, http.MethodPost, "/tree/nodes", bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/gzip")
	res, err := c.do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return oxerr.Newf(oxerr.RemoteUnavailable, "put node %s returned %d", h, res.StatusCode)
	}
	return nil
}

// DownloadTree fetches the tarball of an entire subtree into nodesRoot.
func (c *Client) DownloadTree(ctx context.Context, h hash.Hash, nodesRoot string) error {
	req, err := c.newRequest(ctx, http.MethodGet, "/tree/"+h.String()+"/download", nil)
	if err != nil {
		return err
	}
	res, err := c.do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode == http.StatusNotFound {
		return oxerr.Newf(oxerr.NotFound, "remote has no tree %s", h)
	}
	if res.StatusCode != http.StatusOK {
		return oxerr.Newf(oxerr.RemoteUnavailable, "download tree %s returned %d", h, res.StatusCode)
	}
	return UnpackTarball(res.Body, nodesRoot)
}

type hashesResponse struct {
	Hashes []hash.Hash `json:"hashes"`
}

// MissingFileHashes asks the remote which file payloads under a vnode it
// lacks.
func (c *Client) MissingFileHashes(ctx context.Context, vnode hash.Hash) ([]hash.Hash, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/tree/nodes/"+vnode.String()+"/missing_file_hashes", nil)
	if err != nil {
		return nil, err
	}
	res, err := c.do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return nil, oxerr.Newf(oxerr.RemoteUnavailable, "missing_file_hashes returned %d", res.StatusCode)
	}

	var parsed hashesResponse
	if err := jsoniter.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return nil, oxerr.Wrap(oxerr.RemoteUnavailable, err, "bad missing_file_hashes response")
	}
	return parsed.Hashes, nil
}

// BranchView is the wire shape of one remote branch.
type BranchView struct {
	Name     string `json:"name"`
	CommitID string `json:"commit_id"`
}

// GetBranch reads a remote branch head. A missing branch returns ok=false.
func (c *Client) GetBranch(ctx context.Context, name string) (hash.Hash, bool, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/branches/"+name, nil)
	if err != nil {
		return hash.Zero, false, err
	}
	res, err := c.do(req)
	if err != nil {
		return hash.Zero, false, err
	}
	defer res.Body.Close()
	if res.StatusCode == http.StatusNotFound {
		return hash.Zero, false, nil
	}
	if res.StatusCode != http.StatusOK {
		return hash.Zero, false, oxerr.Newf(oxerr.RemoteUnavailable, "get branch %q returned %d", name, res.StatusCode)
	}

	var view BranchView
	if err := jsoniter.NewDecoder(res.Body).Decode(&view); err != nil {
		return hash.Zero, false, oxerr.Wrap(oxerr.RemoteUnavailable, err, "bad branch response")
	}
	h, err := hash.Parse(view.CommitID)
	if err != nil {
		return hash.Zero, false, err
	}
	return h, true, nil
}

type setBranchRequest struct {
	CommitID    string `json:"commit_id"`
	OldCommitID string `json:"old_commit_id,omitempty"`
}

// SetBranch compare-and-swaps a remote branch from expected (zero for
// creation) to next. A lost race surfaces as Conflict.
func (c *Client) SetBranch(ctx context.Context, name string, expected, next hash.Hash) error {
	body := setBranchRequest{CommitID: next.String()}
	if !expected.IsZero() {
		body.OldCommitID = expected.String()
	}
	payload, err := jsoniter.Marshal(&body)
	if err != nil {
		return oxerr.Wrap(oxerr.InvalidInput, err, "could not encode branch request")
	}

	req, err := c.newRequest(ctx, http.MethodPost, "/branches/"+name, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := c.do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	switch res.StatusCode {
	case http.StatusOK, http.StatusCreated:
		return nil
	case http.StatusConflict:
		return oxerr.Newf(oxerr.Conflict, "remote branch %q moved; fetch and retry", name)
	default:
		return oxerr.Newf(oxerr.RemoteUnavailable, "set branch %q returned %d", name, res.StatusCode)
	}
}

// HasBlob checks a payload on the remote.
func (c *Client) HasBlob(ctx context.Context, h hash.Hash) (bool, error) {
	req, err := c.newRequest(ctx, http.MethodHead, "/versions/"+h.String(), nil)
	if err != nil {
		return false, err
	}
	res, err := c.do(req)
	if err != nil {
		return false, err
	}
	defer res.Body.Close()
	return res.StatusCode == http.StatusOK, nil
}

// GetBlob streams one payload from the remote.
func (c *Client) GetBlob(ctx context.Context, h hash.Hash) (io.ReadCloser, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/versions/"+h.String(), nil)
	if err != nil {
		return nil, err
	}
	res, err := c.do(req)
	if err != nil {
		return nil, err
	}
	if res.StatusCode == http.StatusNotFound {
		res.Body.Close()
		return nil, oxerr.Newf(oxerr.NotFound, "remote has no blob %s", h)
	}
	if res.StatusCode != http.StatusOK {
		res.Body.Close()
		return nil, oxerr.Newf(oxerr.RemoteUnavailable, "get blob %s returned %d", h, res.StatusCode)
	}
	return res.Body, nil
}

// PutBlob uploads one payload as multipart form data.
func (c *Client) PutBlob(ctx context.Context, h hash.Hash, src io.Reader) error {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, err := writer.CreateFormFile("file", h.String())
	if err != nil {
		return oxerr.Wrap(oxerr.Io, err, "could not build multipart body")
	}
	if _, err := io.Copy(part, src); err != nil {
		return oxerr.Wrap(oxerr.Io, err, "could not read blob for upload")
	}
	if err := writer.Close(); err != nil {
		return oxerr.Wrap(oxerr.Io, err, "could not finish multipart body")
	}

	req, err := c.newRequest(ctx, http.MethodPost, "/versions", &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	res, err := c.do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return oxerr.Newf(oxerr.RemoteUnavailable, "put blob %s returned %d", h, res.StatusCode)
	}
	return nil
}

// GetDirHashes downloads a commit's dir_hashes store into its history dir.
func (c *Client) GetDirHashes(ctx context.Context, commit hash.Hash, historyRoot string) error {
	req, err := c.newRequest(ctx, http.MethodGet, "/history/"+commit.String()+"/dir_hashes", nil)
	if err != nil {
		return err
	}
	res, err := c.do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode == http.StatusNotFound {
		return oxerr.Newf(oxerr.NotFound, "remote has no dir_hashes for %s", commit)
	}
	if res.StatusCode != http.StatusOK {
		return oxerr.Newf(oxerr.RemoteUnavailable, "get dir_hashes returned %d", res.StatusCode)
	}
	return UnpackTarball(res.Body, historyRoot)
}

// PutDirHashes uploads a commit's dir_hashes store.
func (c *Client) PutDirHashes(ctx context.Context, commit hash.Hash, historyRoot string) error {
	buf, err := PackDir(historyRoot, commit.String())
	if err != nil {
		return err
	}
	req, err := c.newRequest(ctx, http.MethodPost, "/history/"+commit.String()+"/dir_hashes", bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/gzip")
	res, err := c.do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return oxerr.Newf(oxerr.RemoteUnavailable, "put dir_hashes returned %d", res.StatusCode)
	}
	return nil
}

// RepoView is the wire shape of a remote repository.
type RepoView struct {
	Namespace string `json:"namespace"`
	Name      string `json:"name"`
}

// CreateRepo creates the repository this client points at. Already-existing
// repos are fine.
func (c *Client) CreateRepo(ctx context.Context) error {
	ns, name, err := c.repoPath()
	if err != nil {
		return err
	}
	payload, err := jsoniter.Marshal(&RepoView{Namespace: ns, Name: name})
	if err != nil {
		return oxerr.Wrap(oxerr.InvalidInput, err, "could not encode repo request")
	}

	root, err := c.rootURL()
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("%s/repos/%s/%s", root, ns, name), bytes.NewReader(payload))
	if err != nil {
		return oxerr.Wrap(oxerr.InvalidInput, err, "could not build request")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := c.do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode == http.StatusOK || res.StatusCode == http.StatusCreated ||
		res.StatusCode == http.StatusConflict {
		return nil
	}
	return oxerr.Newf(oxerr.RemoteUnavailable, "create repo returned %d", res.StatusCode)
}

// repoPath splits the base URL into namespace and repo name, expecting
// .../repos/{ns}/{name}.
func (c *Client) repoPath() (string, string, error) {
	parsed, err := url.Parse(c.baseURL)
	if err != nil {
		return "", "", oxerr.Wrap(oxerr.InvalidInput, err, "invalid remote url")
	}
	parts := strings.Split(strings.Trim(parsed.Path, "/"), "/")
	if len(parts) < 3 || parts[len(parts)-3] != "repos" {
		return "", "", oxerr.Newf(oxerr.InvalidInput, "remote url %q does not name a repo", c.baseURL)
	}
	return parts[len(parts)-2], parts[len(parts)-1], nil
}

func (c *Client) rootURL() (string, error) {
	parsed, err := url.Parse(c.baseURL)
	if err != nil {
		return "", oxerr.Wrap(oxerr.InvalidInput, err, "invalid remote url")
	}
	idx := strings.Index(parsed.Path, "/repos/")
	if idx < 0 {
		return "", oxerr.Newf(oxerr.InvalidInput, "remote url %q does not name a repo", c.baseURL)
	}
	return parsed.Scheme + "://" + parsed.Host + parsed.Path[:idx], nil
}

// PackNodeDB tars one node db directory, preserving the sharded layout so
// the receiver can unpack verbatim under tree/nodes.
func PackNodeDB(nodesRoot string, h hash.Hash) ([]byte, error) {
	var buf bytes.Buffer
	tw := NewTarballWriter(&buf)
	if err := tw.AddNodeDB(nodesRoot, h); err != nil {
		return nil, err
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// PackDir builds a gzipped tar of root/sub with paths relative to root.
func PackDir(root, sub string) ([]byte, error) {
	var buf bytes.Buffer
	tw := NewTarballWriter(&buf)
	if err := tw.AddDir(root, sub); err != nil {
		return nil, err
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// UnpackTarball expands a gzipped tar into root. Entries that try to
// escape root are rejected.
func UnpackTarball(r io.Reader, root string) error {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return oxerr.Wrap(oxerr.RemoteUnavailable, err, "bad gzip stream")
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return oxerr.Wrap(oxerr.RemoteUnavailable, err, "bad tar stream")
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}

		clean := filepath.Clean(filepath.FromSlash(hdr.Name))
		if strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
			return oxerr.Newf(oxerr.InvalidInput, "tar entry %q escapes target dir", hdr.Name)
		}
		dst := filepath.Join(root, clean)
		if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
			return oxerr.Wrap(oxerr.Io, err, "could not create unpack dir")
		}
		f, err := os.Create(dst)
		if err != nil {
			return oxerr.Wrapf(oxerr.Io, err, "could not create %s", dst)
		}
		if _, err := io.Copy(f, tr); err != nil {
			f.Close()
			return oxerr.Wrapf(oxerr.Io, err, "could not write %s", dst)
		}
		if err := f.Close(); err != nil {
			return oxerr.Wrapf(oxerr.Io, err, "could not close %s", dst)
		}
		logging.Debugf("unpacked %s", clean)
	}
}
