package web

import (
	"bytes"

	"github.com/gofiber/fiber/v2"

	"github.com/rockenbf/oxen/lib/blob"
	"github.com/rockenbf/oxen/lib/hash"
	"github.com/rockenbf/oxen/lib/logging"
	"github.com/rockenbf/oxen/lib/remote"
	"github.com/rockenbf/oxen/lib/tree"
)

// getTreeNode serves one node db as a gzipped tarball. HEAD requests answer
// the has_node probe.
func getTreeNode(c *fiber.Ctx, s *Server) error {
	r, err := s.openRepo(c)
	if err != nil {
		return errorResponse(c, err)
	}
	nodeHash, err := hash.Parse(c.Params("hash"))
	if err != nil {
		return errorResponse(c, err)
	}

	if !tree.NodeDBExists(r.TreeNodesPath(), nodeHash) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "node not found",
		})
	}

	buf, err := remote.PackNodeDB(r.TreeNodesPath(), nodeHash)
	if err != nil {
		return errorResponse(c, err)
	}
	c.Set(fiber.HeaderContentType, "application/gzip")
	return c.Send(buf)
}

// postTreeNode unpacks an uploaded node db tarball into tree/nodes.
func postTreeNode(c *fiber.Ctx, s *Server) error {
	r, err := s.openRepo(c)
	if err != nil {
		return errorResponse(c, err)
	}

	if err := remote.UnpackTarball(bytes.NewReader(c.Body()), r.TreeNodesPath()); err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(fiber.Map{"status": "ok"})
}

// downloadTree serves the tarball of an entire subtree: every node db
// reachable from the given hash.
func downloadTree(c *fiber.Ctx, s *Server) error {
	r, err := s.openRepo(c)
	if err != nil {
		return errorResponse(c, err)
	}
	rootHash, err := hash.Parse(c.Params("hash"))
	if err != nil {
		return errorResponse(c, err)
	}

	t := tree.New(r.TreeNodesPath())
	if !t.HasNode(rootHash) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "tree not found",
		})
	}

	var tarball bytes.Buffer
	packer := remote.NewTarballWriter(&tarball)
	err = t.WalkNodeDBs(rootHash, func(h hash.Hash) error {
		return packer.AddNodeDB(r.TreeNodesPath(), h)
	})
	if err != nil {
		return errorResponse(c, err)
	}
	if err := packer.Close(); err != nil {
		return errorResponse(c, err)
	}

	logging.Debugf("serving subtree %s (%d bytes)", rootHash, tarball.Len())
	c.Set(fiber.HeaderContentType, "application/gzip")
	return c.Send(tarball.Bytes())
}

// getMissingFileHashes lists the file content hashes under a vnode whose
// blobs this server lacks.
func getMissingFileHashes(c *fiber.Ctx, s *Server) error {
	r, err := s.openRepo(c)
	if err != nil {
		return errorResponse(c, err)
	}
	vnodeHash, err := hash.Parse(c.Params("hash"))
	if err != nil {
		return errorResponse(c, err)
	}

	t := tree.New(r.TreeNodesPath())
	fileHashes, err := t.FileHashesUnderVNode(vnodeHash)
	if err != nil {
		return errorResponse(c, err)
	}

	blobs := blob.NewStore(r.VersionsPath())
	missing := make([]hash.Hash, 0, len(fileHashes))
	for _, h := range fileHashes {
		if !blobs.Has(h) {
			missing = append(missing, h)
		}
	}
	return c.JSON(fiber.Map{"hashes": missing})
}
