package billing

import "fmt"

// ResourceType represents the kind of resource being metered
type ResourceType string

const (
	// ResourceVideo tracks generated or uploaded videos
	ResourceVideo ResourceType = "video"

	// ResourceDocument tracks generated documents
	ResourceDocument ResourceType = "document"

	// ResourceStorageDelta tracks newly stored bytes, measured in MiB
	ResourceStorageDelta ResourceType = "storage_delta"

	// ResourceTranscriptionSeconds tracks seconds of transcribed media
	ResourceTranscriptionSeconds ResourceType = "transcription_seconds"

	// ResourceAITokens tracks model tokens consumed
	ResourceAITokens ResourceType = "ai_tokens"

	// ResourceCaseCreated tracks newly opened cases
	ResourceCaseCreated ResourceType = "case_created"

	// ResourceSearchQuery tracks search requests
	ResourceSearchQuery ResourceType = "search_query"
)

// String returns the string representation of ResourceType
func (r ResourceType) String() string {
	return string(r)
}

// IsValid returns true if the resource type is valid
func (r ResourceType) IsValid() bool {
	switch r {
	case ResourceVideo,
		ResourceDocument,
		ResourceStorageDelta,
		ResourceTranscriptionSeconds,
		ResourceAITokens,
		ResourceCaseCreated,
		ResourceSearchQuery:
		return true
	}
	return false
}

// Unit returns the measurement unit for this resource type
func (r ResourceType) Unit() Unit {
	switch r {
	case ResourceStorageDelta:
		return UnitMebibytes
	case ResourceTranscriptionSeconds:
		return UnitSeconds
	case ResourceAITokens:
		return UnitTokens
	default:
		return UnitCount
	}
}

// DisplayName returns a human-readable name for the resource type
func (r ResourceType) DisplayName() string {
	switch r {
	case ResourceVideo:
		return "Videos"
	case ResourceDocument:
		return "Documents"
	case ResourceStorageDelta:
		return "Storage"
	case ResourceTranscriptionSeconds:
		return "Transcription"
	case ResourceAITokens:
		return "AI Tokens"
	case ResourceCaseCreated:
		return "Cases"
	case ResourceSearchQuery:
		return "Searches"
	default:
		return string(r)
	}
}

// AllResourceTypes returns all valid resource types in display order
func AllResourceTypes() []ResourceType {
	return []ResourceType{
		ResourceVideo,
		ResourceDocument,
		ResourceStorageDelta,
		ResourceTranscriptionSeconds,
		ResourceAITokens,
		ResourceCaseCreated,
		ResourceSearchQuery,
	}
}

// ParseResourceType parses a string into a ResourceType
func ParseResourceType(s string) (ResourceType, error) {
	r := ResourceType(s)
	if !r.IsValid() {
		return "", fmt.Errorf("invalid resource type: %s", s)
	}
	return r, nil
}

// Unit represents the unit of measurement for a resource
type Unit string

const (
	UnitCount     Unit = "count"
	UnitMebibytes Unit = "MiB"
	UnitSeconds   Unit = "seconds"
	UnitTokens    Unit = "tokens"
)

// String returns the string representation of Unit
func (u Unit) String() string {
	return string(u)
}

// FormatValue formats a value with the appropriate unit suffix
func (u Unit) FormatValue(value int64) string {
	switch u {
	case UnitMebibytes:
		return formatMebibytes(value)
	case UnitSeconds:
		return formatSeconds(value)
	case UnitTokens:
		return fmt.Sprintf("%d tokens", value)
	default:
		return fmt.Sprintf("%d", value)
	}
}

// BytesToMebibytes converts a byte count into whole MiB, rounding up
func BytesToMebibytes(bytes int64) int64 {
	const mib = 1 << 20
	if bytes <= 0 {
		return 0
	}
	return (bytes + mib - 1) / mib
}

func formatMebibytes(mib int64) string {
	const (
		GiB = 1024
		TiB = GiB * 1024
	)

	switch {
	case mib >= TiB:
		return fmt.Sprintf("%.2f TB", float64(mib)/TiB)
	case mib >= GiB:
		return fmt.Sprintf("%.2f GB", float64(mib)/GiB)
	default:
		return fmt.Sprintf("%d MB", mib)
	}
}

func formatSeconds(s int64) string {
	if s >= 3600 {
		return fmt.Sprintf("%dh %dm", s/3600, (s%3600)/60)
	}
	if s >= 60 {
		return fmt.Sprintf("%dm %ds", s/60, s%60)
	}
	return fmt.Sprintf("%ds", s)
}
