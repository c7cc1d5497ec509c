package controller

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mkrull/storekit/internal/importer"
	"github.com/mkrull/storekit/internal/logger"
	"github.com/mkrull/storekit/internal/observer"
	"github.com/mkrull/storekit/internal/store"
)

// recordView is the JSON rendering of one tracked record.
type recordView struct {
	ID      string `json:"id"`
	SHA     string `json:"sha"`
	Message string `json:"message"`
	Author  string `json:"author"`
	Date    string `json:"date"`
	Index   int    `json:"index"`
}

// RecordsController exposes the server's observation controller over HTTP.
type RecordsController struct {
	ctrl *observer.Controller
}

// NewRecordsController creates a records controller backed by ctrl.
func NewRecordsController(ctrl *observer.Controller) *RecordsController {
	return &RecordsController{ctrl: ctrl}
}

// List handles GET /records - returns the tracked snapshot in order.
func (rc *RecordsController) List(c *gin.Context) {
	logger.WithComponent("records-controller").Debugf("GET /records handler called")

	recs := rc.ctrl.Records()
	views := make([]recordView, len(recs))
	for i, rec := range recs {
		views[i] = viewOf(rec, i)
	}
	c.JSON(http.StatusOK, views)
}

// DeleteAll handles DELETE /records - removes every tracked record.
// Deletion runs on a background context; completion surfaces through the
// controller's callbacks, so the response is 202.
func (rc *RecordsController) DeleteAll(c *gin.Context) {
	logger.WithComponent("records-controller").Debugf("DELETE /records handler called")

	if rc.ctrl.Count() == 0 {
		c.JSON(http.StatusConflict, gin.H{"error": "no tracked records to delete"})
		return
	}
	rc.ctrl.DeleteObjectsAsync()
	c.JSON(http.StatusAccepted, gin.H{"status": "deleting"})
}

func viewOf(rec *store.Record, index int) recordView {
	str := func(attr string) string {
		s, _ := rec.Attr(attr).(string)
		return s
	}
	return recordView{
		ID:      string(rec.ID),
		SHA:     str(importer.AttrSHA),
		Message: str(importer.AttrMessage),
		Author:  str(importer.AttrAuthor),
		Date:    str(importer.AttrDate),
		Index:   index,
	}
}
