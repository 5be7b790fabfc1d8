package web

import (
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/tyemirov/clinicdesk/internal/authkit"
	"github.com/tyemirov/clinicdesk/internal/records"
)

const (
	// EventReady is sent once the stream is subscribed.
	EventReady = "ready"
	// EventChange carries one JSON-encoded records.Change.
	EventChange = "change"
	// EventPing keeps idle connections open.
	EventPing = "ping"

	changeBufferSize = 64
)

type changeStream struct {
	feed      records.ChangeFeed
	heartbeat time.Duration
	shutdown  <-chan struct{}
	logger    *zap.Logger
}

// serve streams the changes visible to the caller as server-sent events.
// Doctor rows are limited to the caller's own row and prescriptions to the
// caller's own prescriptions.
func (stream *changeStream) serve(contextGin *gin.Context) {
	subjectID, ok := authkit.SubjectFromContext(contextGin)
	if !ok {
		contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid_token"})
		return
	}
	filter := records.ChangeFilter{Table: contextGin.Query("table"), RowID: contextGin.Query("row_id")}
	switch filter.Table {
	case records.TableDoctors:
		if filter.RowID != "" && filter.RowID != subjectID {
			contextGin.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}
		filter.RowID = subjectID
	case records.TablePrescriptions:
		filter.DoctorID = subjectID
	case records.TablePatients:
	default:
		contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "unknown_table"})
		return
	}

	changes := make(chan records.Change, changeBufferSize)
	release := stream.feed.Subscribe(filter, func(change records.Change) {
		select {
		case changes <- change:
		default:
			stream.logger.Warn("change stream overflow",
				zap.String("code", "web.changes.dropped"),
				zap.String("subject_id", subjectID),
				zap.String("row_id", change.RowID))
		}
	})
	defer release()

	ticker := time.NewTicker(stream.heartbeat)
	defer ticker.Stop()

	contextGin.Header("Cache-Control", "no-cache")
	contextGin.Header("Connection", "keep-alive")
	contextGin.Header("X-Accel-Buffering", "no")
	contextGin.SSEvent(EventReady, filter.Table)
	contextGin.Writer.Flush()

	requestContext := contextGin.Request.Context()
	contextGin.Stream(func(io.Writer) bool {
		select {
		case <-requestContext.Done():
			return false
		case <-stream.shutdown:
			return false
		case change := <-changes:
			contextGin.SSEvent(EventChange, change)
			return true
		case <-ticker.C:
			contextGin.SSEvent(EventPing, time.Now().UTC().Unix())
			return true
		}
	})
}
