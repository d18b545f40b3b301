package dirsync

import (
	"context"

	"github.com/hashicorp/terraform-plugin-log/tflog"
)

// Subsystem is the tflog subsystem used by this package.
const Subsystem = "dirsync"

// NewLoggingContext registers the dirsync subsystem on ctx. Its level can be
// set independently with AD_DIRSYNC_LOG_DIRSYNC.
func NewLoggingContext(ctx context.Context) context.Context {
	return tflog.NewSubsystem(ctx, Subsystem,
		tflog.WithLevelFromEnv("AD_DIRSYNC_LOG_DIRSYNC"),
	)
}
