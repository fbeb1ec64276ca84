package web

import (
	"bytes"
	"os"

	"github.com/gofiber/fiber/v2"

	"github.com/rockenbf/oxen/lib/hash"
	"github.com/rockenbf/oxen/lib/remote"
)

// getDirHashes serves a commit's dir_hashes store as a tarball so it
// travels alongside the commit's nodes.
func getDirHashes(c *fiber.Ctx, s *Server) error {
	r, err := s.openRepo(c)
	if err != nil {
		return errorResponse(c, err)
	}
	commit, err := hash.Parse(c.Params("commit"))
	if err != nil {
		return errorResponse(c, err)
	}

	dir := r.DirHashesPath(commit.String())
	if _, err := os.Stat(dir); err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "dir_hashes not found",
		})
	}

	buf, err := remote.PackDir(r.HistoryPath(), commit.String())
	if err != nil {
		return errorResponse(c, err)
	}
	c.Set(fiber.HeaderContentType, "application/gzip")
	return c.Send(buf)
}

// postDirHashes unpacks an uploaded dir_hashes tarball into the commit's
// history dir.
func postDirHashes(c *fiber.Ctx, s *Server) error {
	r, err := s.openRepo(c)
	if err != nil {
		return errorResponse(c, err)
	}
	if _, err := hash.Parse(c.Params("commit")); err != nil {
		return errorResponse(c, err)
	}

	if err := remote.UnpackTarball(bytes.NewReader(c.Body()), r.HistoryPath()); err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(fiber.Map{"status": "ok"})
}
