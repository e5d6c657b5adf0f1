package build

// DeploymentType is an enum specifying the deployment to compile.
type DeploymentType byte

const (
	// Development is a deployment that writes sub-system logs straight to
	// stdout when built with the stdlog tag, which is what unit tests use.
	Development DeploymentType = iota

	// Production is a deployment that hands every sub-system logger to the
	// backend chosen by the host application.
	Production
)

// String returns a human readable name for a build type.
func (b DeploymentType) String() string {
	switch b {
	case Development:
		return "development"
	case Production:
		return "production"
	default:
		return "unknown"
	}
}
