package web

import (
	"github.com/gofiber/fiber/v2"

	"github.com/rockenbf/oxen/lib/hash"
	"github.com/rockenbf/oxen/lib/index"
	"github.com/rockenbf/oxen/lib/logging"
)

type branchView struct {
	Name     string `json:"name"`
	CommitID string `json:"commit_id"`
}

type setBranchRequest struct {
	CommitID    string `json:"commit_id"`
	OldCommitID string `json:"old_commit_id"`
}

func getBranch(c *fiber.Ctx, s *Server) error {
	r, err := s.openRepo(c)
	if err != nil {
		return errorResponse(c, err)
	}
	name := c.Params("branch")

	refs := index.NewRefs(r)
	commit, err := refs.GetBranchCommit(name)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(branchView{Name: name, CommitID: commit.String()})
}

// setBranch advances a branch with compare-and-swap semantics: the request
// carries the expected prior commit, empty for branch creation. A losing
// writer gets a 409 and must re-sync.
func setBranch(c *fiber.Ctx, s *Server) error {
	r, err := s.openRepo(c)
	if err != nil {
		return errorResponse(c, err)
	}
	name := c.Params("branch")

	var req setBranchRequest
	if err := c.BodyParser(&req); err != nil || req.CommitID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "commit_id is required",
		})
	}
	next, err := hash.Parse(req.CommitID)
	if err != nil {
		return errorResponse(c, err)
	}
	expected := hash.Zero
	if req.OldCommitID != "" {
		expected, err = hash.Parse(req.OldCommitID)
		if err != nil {
			return errorResponse(c, err)
		}
	}

	refs := index.NewRefs(r)
	if err := refs.CompareAndSwapBranch(name, expected, next); err != nil {
		return errorResponse(c, err)
	}

	logging.Debugf("branch %s -> %s", name, next)
	return c.JSON(branchView{Name: name, CommitID: next.String()})
}

func deleteBranch(c *fiber.Ctx, s *Server) error {
	r, err := s.openRepo(c)
	if err != nil {
		return errorResponse(c, err)
	}
	name := c.Params("branch")

	refs := index.NewRefs(r)
	if err := refs.DeleteBranch(name); err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(fiber.Map{"status": "deleted"})
}

func listBranches(c *fiber.Ctx, s *Server) error {
	r, err := s.openRepo(c)
	if err != nil {
		return errorResponse(c, err)
	}

	refs := index.NewRefs(r)
	names, err := refs.ListBranches()
	if err != nil {
		return errorResponse(c, err)
	}
	views := make([]branchView, 0, len(names))
	for _, name := range names {
		commit, err := refs.GetBranchCommit(name)
		if err != nil {
			continue
		}
		views = append(views, branchView{Name: name, CommitID: commit.String()})
	}
	return c.JSON(fiber.Map{"branches": views})
}
