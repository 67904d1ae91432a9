package preflight

// Plan selects the checks Run performs before a sync touches either tree.
type Plan struct {
	LocalAccessible    bool
	MirrorAccessible   bool
	RootsNotNested     bool
	EnsureMirrorExists bool
	MirrorWritable     bool
}

// SyncPlan is the full set of checks for a sync run.
var SyncPlan = Plan{
	LocalAccessible:    true,
	MirrorAccessible:   true,
	RootsNotNested:     true,
	EnsureMirrorExists: true,
	MirrorWritable:     true,
}

// ReadOnlyPlan is used by commands that scan but never write, such as plan.
var ReadOnlyPlan = Plan{
	LocalAccessible:  true,
	MirrorAccessible: true,
	RootsNotNested:   true,
}
