package baseline

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// EventID derives the identifier of a cloud activity item. The same
// (folder, item, activity type, timestamp) always yields the same id, so
// replays across overlapping poll windows collapse on insert.
func EventID(folderID, itemID, activityType string, at time.Time) string {
	name := strings.Join([]string{
		folderID,
		itemID,
		activityType,
		at.UTC().Format(time.RFC3339Nano),
	}, "|")
	return "cloud-" + uuid.NewSHA1(uuid.NameSpaceURL, []byte(name)).String()
}
