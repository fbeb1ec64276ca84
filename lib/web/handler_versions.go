package web

import (
	"github.com/gofiber/fiber/v2"

	"github.com/rockenbf/oxen/lib/blob"
	"github.com/rockenbf/oxen/lib/hash"
	"github.com/rockenbf/oxen/lib/logging"
)

// getVersion streams one blob's bytes.
func getVersion(c *fiber.Ctx, s *Server) error {
	r, err := s.openRepo(c)
	if err != nil {
		return errorResponse(c, err)
	}
	blobHash, err := hash.Parse(c.Params("hash"))
	if err != nil {
		return errorResponse(c, err)
	}

	blobs := blob.NewStore(r.VersionsPath())
	if !blobs.Has(blobHash) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "version not found",
		})
	}
	return c.SendFile(blobs.Path(blobHash))
}

// postVersion accepts blob uploads as multipart form data; each part's
// filename is its content hash.
func postVersion(c *fiber.Ctx, s *Server) error {
	r, err := s.openRepo(c)
	if err != nil {
		return errorResponse(c, err)
	}

	form, err := c.MultipartForm()
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "multipart form required",
		})
	}

	blobs := blob.NewStore(r.VersionsPath())
	stored := 0
	for _, headers := range form.File {
		for _, header := range headers {
			blobHash, err := hash.Parse(header.Filename)
			if err != nil {
				return errorResponse(c, err)
			}
			src, err := header.Open()
			if err != nil {
				return errorResponse(c, err)
			}
			err = blobs.Put(blobHash, src)
			src.Close()
			if err != nil {
				return errorResponse(c, err)
			}
			stored++
			logging.Debugf("stored version %s", blobHash)
		}
	}

	return c.JSON(fiber.Map{"status": "ok", "stored": stored})
}
