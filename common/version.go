package common

// PackageName tags metrics and logs emitted by this service.
const PackageName = "qumail-kme"

// Version is set at build time via -ldflags.
var Version = "dev"
