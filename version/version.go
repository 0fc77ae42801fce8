package version

// Version is the agent release version, overridden at build time via
// -ldflags "-X aegis/version.Version=...".
var Version = "0.3.0"
