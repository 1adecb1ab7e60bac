package session

import (
	"fmt"
	"time"

	"github.com/taskcluster/slugid-go/slugid"
)

// NewID returns a connection id of the form conn-<unix-millis>-<suffix>. Ids
// are only used to correlate log lines and need not be unique.
func NewID() string {
	return fmt.Sprintf("conn-%d-%s", time.Now().UnixMilli(), slugid.Nice()[:8])
}
