package ingest

import (
	"fmt"

	"github.com/streamtools/streamer.tools/pkg/reconcile"
	"github.com/streamtools/streamer.tools/pkg/report"
)

// otaUpdates extracts firmware version markers from a reconciled batch.
// Devices report their running OS and sensor-app builds as readings on
// reserved streams after an update; the newest marker wins.
func otaUpdates(items []reconcile.Reading) map[string]interface{} {
	updates := make(map[string]interface{})

	for _, it := range items {
		switch it.Stream {
		case report.StreamOSTagVersion:
			tv := report.DecodeTagVersion(it.Value)
			updates["os_tag"] = tv.Tag
			updates["os_version"] = fmt.Sprintf("v%d.%d", tv.Major, tv.Minor)
		case report.StreamAppTagVersion:
			tv := report.DecodeTagVersion(it.Value)
			updates["app_tag"] = tv.Tag
			updates["app_version"] = fmt.Sprintf("v%d.%d", tv.Major, tv.Minor)
		}
	}

	return updates
}
