package actions

import (
	"errors"

	"github.com/bringyour/offline/offline"
)

// loads the initial actions of a report. Report data arrives as response patches
// into the report collection
func (self *Actions) OpenReport(reportId string) (*offline.QueueEntry, error) {
	if reportId == "" {
		return nil, errors.New("report id is required")
	}
	// report data may be trimmed under memory pressure and reloaded
	self.client.Store().SetEvictable(ReportKey(reportId), true)
	return self.client.SubmitRead(
		CommandOpenReport,
		offline.Parameters{"reportID": reportId},
		BuildOpenReport(reportId),
	), nil
}

func BuildOpenReport(reportId string) offline.Patches {
	loading := func(isLoading bool) []offline.Patch {
		return []offline.Patch{
			offline.MergePatch(ReportMetadataKey(reportId), map[string]any{
				"isLoadingInitialReportActions": isLoading,
			}),
		}
	}
	return offline.Patches{
		Optimistic: loading(true),
		Success:    loading(false),
		Failure:    loading(false),
	}
}
