package deploy

import (
	"strings"

	"github.com/animus-labs/dbschedule/internal/domain"
)

var causeMarkers = []struct {
	cause   domain.DeployCause
	markers []string
}{
	{domain.DeployCausePermission, []string{"accessdenied", "access denied", "not authorized", "unauthorized", "forbidden"}},
	{domain.DeployCauseQuota, []string{"limitexceeded", "limit exceeded", "quota", "throttl", "too many"}},
	{domain.DeployCauseConflict, []string{"already exists", "alreadyexists", "in progress", "_in_progress", "resourceconflict", "drift", "modified outside"}},
	{domain.DeployCauseValidation, []string{"validation", "template format", "invalid", "malformed", "parameter", "insufficientcapabilities", "requires capabilities"}},
}

// classifyReason maps a provider failure reason onto a deploy cause.
func classifyReason(reason string) domain.DeployCause {
	lower := strings.ToLower(reason)
	for _, group := range causeMarkers {
		for _, marker := range group.markers {
			if strings.Contains(lower, marker) {
				return group.cause
			}
		}
	}
	return domain.DeployCauseUnknown
}
