package cmd

import (
	"fmt"
	"runtime"

	"github.com/paulschiretz/pgl-sync/pkg/buildinfo"
)

// RunVersion prints the application version together with the baseline
// format it reads and writes.
func RunVersion(appName, appVersion string) error {
	fmt.Printf("%s version %s (baseline schema %s, %s %s/%s)\n",
		appName, appVersion, buildinfo.MetadataSchema, runtime.Version(), runtime.GOOS, runtime.GOARCH)
	return nil
}
