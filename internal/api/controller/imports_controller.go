package controller

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/containerd/errdefs"
	"github.com/gin-gonic/gin"

	"github.com/mkrull/storekit/internal/importer"
	"github.com/mkrull/storekit/internal/logger"
	"github.com/mkrull/storekit/internal/store"
)

// ImportsController accepts raw import payloads and runs them as background
// import operations against the store.
type ImportsController struct {
	store *store.Store
}

// NewImportsController creates an imports controller writing to s.
func NewImportsController(s *store.Store) *ImportsController {
	return &ImportsController{store: s}
}

// CreateCommits handles POST /imports/commits. The request body is handed to
// the commit import strategy on a dedicated background context; the observing
// side picks the result up through the commit notification. Partial failures
// commit the valid entries and report 422 with the rejection details.
func (ic *ImportsController) CreateCommits(c *gin.Context) {
	log := logger.WithComponent("imports-controller")
	log.Debugf("POST /imports/commits handler called")

	payload, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable request body"})
		return
	}

	ctx := ic.store.NewBackgroundContext()
	op, err := importer.NewOperation(importer.NewCommitStrategy(), json.RawMessage(payload), ctx)
	if err != nil {
		ctx.Close()
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	runErr := op.Run()
	ctx.Close()

	switch {
	case runErr == nil:
		c.JSON(http.StatusAccepted, gin.H{"status": "imported"})
	case errdefs.IsInvalidArgument(runErr):
		// Valid entries were still committed; report what was rejected.
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"status": "partial",
			"error":  runErr.Error(),
		})
	default:
		log.Errorf("commit import failed: %v", runErr)
		c.JSON(http.StatusInternalServerError, gin.H{"error": runErr.Error()})
	}
}
