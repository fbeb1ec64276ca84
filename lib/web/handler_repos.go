package web

import (
	"os"

	"github.com/gofiber/fiber/v2"

	"github.com/rockenbf/oxen/lib/logging"
	"github.com/rockenbf/oxen/lib/repo"
)

type repoView struct {
	Namespace string `json:"namespace"`
	Name      string `json:"name"`
}

type transferRequest struct {
	Namespace string `json:"namespace"`
}

func createRepo(c *fiber.Ctx, s *Server) error {
	namespace := c.Params("namespace")
	name := c.Params("name")

	record, err := s.Registry.Create(namespace, name)
	if err != nil {
		return errorResponse(c, err)
	}

	if _, err := repo.Init(s.repoPath(namespace, name)); err != nil {
		s.Registry.Delete(namespace, name)
		return errorResponse(c, err)
	}

	logging.Infof("created repo %s/%s", namespace, name)
	return c.Status(fiber.StatusCreated).JSON(repoView{
		Namespace: record.Namespace,
		Name:      record.Name,
	})
}

func deleteRepo(c *fiber.Ctx, s *Server) error {
	namespace := c.Params("namespace")
	name := c.Params("name")

	if err := s.Registry.Delete(namespace, name); err != nil {
		return errorResponse(c, err)
	}
	if err := os.RemoveAll(s.repoPath(namespace, name)); err != nil {
		return errorResponse(c, err)
	}

	logging.Infof("deleted repo %s/%s", namespace, name)
	return c.JSON(fiber.Map{"status": "deleted"})
}

func transferRepo(c *fiber.Ctx, s *Server) error {
	namespace := c.Params("namespace")
	name := c.Params("name")

	var req transferRequest
	if err := c.BodyParser(&req); err != nil || req.Namespace == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "namespace is required",
		})
	}

	record, err := s.Registry.Transfer(namespace, name, req.Namespace)
	if err != nil {
		return errorResponse(c, err)
	}

	if err := os.MkdirAll(s.repoPath(req.Namespace, ""), 0755); err != nil {
		return errorResponse(c, err)
	}
	if err := os.Rename(s.repoPath(namespace, name), s.repoPath(req.Namespace, name)); err != nil {
		// Roll the registry back so it keeps matching the filesystem.
		s.Registry.Transfer(req.Namespace, name, namespace)
		return errorResponse(c, err)
	}

	logging.Infof("transferred repo %s/%s to %s", namespace, name, req.Namespace)
	return c.JSON(repoView{Namespace: record.Namespace, Name: record.Name})
}

func listRepos(c *fiber.Ctx, s *Server) error {
	records, err := s.Registry.List()
	if err != nil {
		return errorResponse(c, err)
	}
	views := make([]repoView, 0, len(records))
	for _, record := range records {
		views = append(views, repoView{Namespace: record.Namespace, Name: record.Name})
	}
	return c.JSON(fiber.Map{"repositories": views})
}
