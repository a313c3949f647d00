package docsession

// VersionOrder is the result of comparing two document handles.
// It is a partial order: concurrent revisions have no winner.
type VersionOrder int

const (
	VersionEqual VersionOrder = iota
	VersionLessThan
	VersionGreaterThan
	VersionConcurrent
	VersionNonComparable
)

func (o VersionOrder) String() string {
	switch o {
	case VersionEqual:
		return "equal"
	case VersionLessThan:
		return "less_than"
	case VersionGreaterThan:
		return "greater_than"
	case VersionConcurrent:
		return "concurrent"
	default:
		return "non_comparable"
	}
}
