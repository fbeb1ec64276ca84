package web

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/spf13/viper"

	"github.com/rockenbf/oxen/lib/logging"
	"github.com/rockenbf/oxen/lib/oxerr"
	"github.com/rockenbf/oxen/lib/repo"
)

// Server hosts repositories under a data root: one bare repo directory per
// namespace/name, plus the sqlite registry.
type Server struct {
	DataRoot string
	Registry *Registry
}

// NewServer prepares the data root and registry.
func NewServer(dataRoot string) (*Server, error) {
	if err := os.MkdirAll(dataRoot, 0755); err != nil {
		return nil, oxerr.Wrap(oxerr.Io, err, "could not create data root")
	}
	registry, err := OpenRegistry(dataRoot)
	if err != nil {
		return nil, err
	}
	return &Server{DataRoot: dataRoot, Registry: registry}, nil
}

// repoPath is the on-disk location of one hosted repo.
func (s *Server) repoPath(namespace, name string) string {
	return filepath.Join(s.DataRoot, namespace, name)
}

// openRepo loads a hosted repo after checking the registry.
func (s *Server) openRepo(c *fiber.Ctx) (*repo.LocalRepository, error) {
	namespace := c.Params("namespace")
	name := c.Params("name")
	if _, err := s.Registry.Get(namespace, name); err != nil {
		return nil, err
	}
	return repo.Open(s.repoPath(namespace, name))
}

// App builds the fiber app with every route mounted.
func (s *Server) App() *fiber.App {
	app := fiber.New(fiber.Config{
		BodyLimit:             1024 * 1024 * 1024,
		DisableStartupMessage: true,
	})

	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowHeaders: "Origin, Content-Type, Accept, Authorization",
		AllowMethods: "GET, POST, PUT, PATCH, DELETE, HEAD, OPTIONS",
	}))
	app.Use(authMiddleware)

	// Repo administration
	app.Post("/repos/:namespace/:name", func(c *fiber.Ctx) error {
		return createRepo(c, s)
	})
	app.Delete("/repos/:namespace/:name", func(c *fiber.Ctx) error {
		return deleteRepo(c, s)
	})
	app.Patch("/repos/:namespace/:name/transfer", func(c *fiber.Ctx) error {
		return transferRepo(c, s)
	})
	app.Get("/repos", func(c *fiber.Ctx) error {
		return listRepos(c, s)
	})

	// Per-repo sync protocol
	scoped := app.Group("/repos/:namespace/:name")
	scoped.Get("/tree/nodes/:hash", func(c *fiber.Ctx) error {
		return getTreeNode(c, s)
	})
	scoped.Post("/tree/nodes", func(c *fiber.Ctx) error {
		return postTreeNode(c, s)
	})
	scoped.Get("/tree/nodes/:hash/missing_file_hashes", func(c *fiber.Ctx) error {
		return getMissingFileHashes(c, s)
	})
	scoped.Get("/tree/:hash/download", func(c *fiber.Ctx) error {
		return downloadTree(c, s)
	})
	scoped.Get("/branches/:branch", func(c *fiber.Ctx) error {
		return getBranch(c, s)
	})
	scoped.Post("/branches/:branch", func(c *fiber.Ctx) error {
		return setBranch(c, s)
	})
	scoped.Put("/branches/:branch", func(c *fiber.Ctx) error {
		return setBranch(c, s)
	})
	scoped.Delete("/branches/:branch", func(c *fiber.Ctx) error {
		return deleteBranch(c, s)
	})
	scoped.Get("/branches", func(c *fiber.Ctx) error {
		return listBranches(c, s)
	})
	scoped.Get("/versions/:hash", func(c *fiber.Ctx) error {
		return getVersion(c, s)
	})
	scoped.Post("/versions", func(c *fiber.Ctx) error {
		return postVersion(c, s)
	})
	scoped.Get("/history/:commit/dir_hashes", func(c *fiber.Ctx) error {
		return getDirHashes(c, s)
	})
	scoped.Post("/history/:commit/dir_hashes", func(c *fiber.Ctx) error {
		return postDirHashes(c, s)
	})

	return app
}

// StartServer runs the server on the configured port.
func StartServer(dataRoot string) error {
	server, err := NewServer(dataRoot)
	if err != nil {
		return err
	}

	port := viper.GetInt("server.port")
	if port == 0 {
		port = 3000
	}

	logging.Infof("oxen server listening on :%d, data root %s", port, dataRoot)
	return server.App().Listen(fmt.Sprintf(":%d", port))
}

// errorResponse maps an error kind to an HTTP status and a JSON body.
func errorResponse(c *fiber.Ctx, err error) error {
	status := fiber.StatusInternalServerError
	switch oxerr.KindOf(err) {
	case oxerr.NotFound:
		status = fiber.StatusNotFound
	case oxerr.AlreadyExists:
		status = fiber.StatusConflict
	case oxerr.Conflict:
		status = fiber.StatusConflict
	case oxerr.InvalidInput:
		status = fiber.StatusBadRequest
	case oxerr.AuthFailed:
		status = fiber.StatusUnauthorized
	}
	return c.Status(status).JSON(fiber.Map{
		"error": err.Error(),
	})
}
