package cloud

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/effaaykhan/Data-Loss-Prevention-sub002/pkg/models"
)

// Activity is one decoded Drive Activity resource.
type Activity = map[string]interface{}

// actionSubtypes maps Drive action details onto event subtypes. Actions
// absent from the map (share, comment, restore, permission changes) are
// outside the monitored vocabulary.
var actionSubtypes = map[string]models.Subtype{
	"create":   models.SubtypeCreate,
	"upload":   models.SubtypeCreate,
	"edit":     models.SubtypeModify,
	"delete":   models.SubtypeDelete,
	"trash":    models.SubtypeDelete,
	"move":     models.SubtypeMove,
	"copy":     models.SubtypeCopy,
	"download": models.SubtypeDownload,
}

// Item is the normalized view of an activity.
type Item struct {
	RawAction string
	Subtype   models.Subtype
	Tracked   bool
	Actor     string
	ItemID    string
	ItemName  string
	MimeType  string
	At        time.Time
}

// Normalize extracts the fields the poller needs. An activity without a
// parseable timestamp is an error.
func Normalize(a Activity) (Item, error) {
	var it Item
	it.RawAction, it.Subtype, it.Tracked = action(a)
	it.Actor = actor(a)

	if target, ok := first(a, "targets"); ok {
		it.ItemID = strings.TrimPrefix(getString(target, "driveItem.name"), "items/")
		it.ItemName = getString(target, "driveItem.title")
		it.MimeType = getString(target, "driveItem.mimeType")
	}

	ts := getString(a, "timestamp", "timeRange.endTime", "timeRange.startTime")
	at, ok := parseTime(ts)
	if !ok {
		return it, fmt.Errorf("activity has no usable timestamp (%q)", ts)
	}
	it.At = at
	return it, nil
}

func action(a Activity) (string, models.Subtype, bool) {
	v, ok := getPath(a, "primaryActionDetail")
	if !ok {
		return "", "", false
	}
	detail, ok := v.(map[string]interface{})
	if !ok {
		return "", "", false
	}
	keys := sortedKeys(detail)
	for _, k := range keys {
		if st, ok := actionSubtypes[k]; ok {
			return k, st, true
		}
	}
	for _, k := range keys {
		nested, ok := detail[k].(map[string]interface{})
		if !ok {
			continue
		}
		for _, nk := range sortedKeys(nested) {
			if st, ok := actionSubtypes[nk]; ok {
				return nk, st, true
			}
		}
	}
	if len(keys) > 0 {
		return keys[0], "", false
	}
	return "", "", false
}

func actor(a Activity) string {
	u, ok := first(a, "actors")
	if !ok {
		return "unknown@drive"
	}
	if s := getString(u, "user.knownUser.emailAddress", "user.knownUser.personName", "user.emailAddress"); s != "" {
		return s
	}
	return "unknown@drive"
}

func first(root map[string]interface{}, path string) (map[string]interface{}, bool) {
	v, ok := getPath(root, path)
	if !ok {
		return nil, false
	}
	list, ok := v.([]interface{})
	if !ok || len(list) == 0 {
		return nil, false
	}
	m, ok := list[0].(map[string]interface{})
	return m, ok
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func parseTime(value string) (time.Time, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339} {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

func getString(root map[string]interface{}, paths ...string) string {
	for _, path := range paths {
		if v, ok := getPath(root, path); ok {
			switch val := v.(type) {
			case string:
				if val != "" {
					return val
				}
			case float64:
				return fmt.Sprintf("%d", int64(val))
			}
		}
	}
	return ""
}

func getPath(root map[string]interface{}, path string) (interface{}, bool) {
	var current interface{} = root
	for _, part := range strings.Split(path, ".") {
		m, ok := current.(map[string]interface{})
		if !ok {
			return nil, false
		}
		v, ok := m[part]
		if !ok {
			return nil, false
		}
		current = v
	}
	return current, true
}
