package stream

// Coordination-info payloads are free-form maps assembled from other
// agents' findings and progress. They are injected into prompts, so
// the same element caps apply as for log retrieval. Truncation is
// structure-aware and idempotent: applying it to already-truncated
// input changes nothing.

const (
	maxCoordFindings = 3
	maxCoordProgress = 5
	maxCoordAgents   = 2

	// TruncatedKey marks a payload that lost elements to truncation.
	TruncatedKey = "_truncated"
)

// TruncateCoordination caps the well-known list fields of a
// coordination payload in place and returns it. Nil maps pass through.
func TruncateCoordination(info map[string]any) map[string]any {
	if info == nil {
		return nil
	}
	truncated := false
	truncated = capListField(info, "findings", maxCoordFindings) || truncated
	truncated = capListField(info, "recent_findings", maxCoordFindings) || truncated
	truncated = capListField(info, "progress", maxCoordProgress) || truncated
	truncated = capListField(info, "progress_history", maxCoordProgress) || truncated
	truncated = capListField(info, "agents", maxCoordAgents) || truncated
	truncated = capListField(info, "sibling_agents", maxCoordAgents) || truncated

	for _, v := range info {
		if nested, ok := v.(map[string]any); ok {
			TruncateCoordination(nested)
			if nested[TruncatedKey] == true {
				truncated = true
			}
		}
	}

	if truncated {
		info[TruncatedKey] = true
	}
	return info
}

func capListField(info map[string]any, key string, max int) bool {
	list, ok := info[key].([]any)
	if !ok || len(list) <= max {
		return false
	}
	info[key] = list[:max]
	return true
}
