package alerts

import (
	"camwatch/internal/analyzer"
	"camwatch/internal/backend"
)

// Policy is what a severity level triggers downstream.
type Policy struct {
	Priority      backend.Priority
	NotifyManager bool
}

var policies = map[analyzer.Severity]Policy{
	analyzer.SeverityLow:      {Priority: backend.PriorityLow},
	analyzer.SeverityMedium:   {Priority: backend.PriorityMedium},
	analyzer.SeverityHigh:     {Priority: backend.PriorityHigh, NotifyManager: true},
	analyzer.SeverityCritical: {Priority: backend.PriorityUrgent, NotifyManager: true},
}

// PolicyFor returns the policy of s. Unknown severities are treated as medium.
func PolicyFor(s analyzer.Severity) Policy {
	if p, ok := policies[s]; ok {
		return p
	}
	return policies[analyzer.SeverityMedium]
}
