package version

// Version is the chainstream release. Builds may override it with
// -ldflags "-X github.com/rubiojr/chainstream/pkg/version.Version=...".
var Version = "0.4.0"

// BuildVersion returns the version string for display
func BuildVersion() string {
	return "chainstream version " + Version
}

// APIVersion returns just the version number for API responses
func APIVersion() string {
	return Version
}
