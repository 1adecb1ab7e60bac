package internal

// Version is the semantic version of dashproxy. It is overridden at build time
// with `-ldflags "-X github.com/hvacmon/dashproxy/internal.Version=..."`.
var Version = "1.3.0"
