package submitter

import (
	"fmt"
	"time"

	"github.com/cuemby/conductor/pkg/types"
)

const sentinelPrefix = "# AUTO_CONDUCTOR_TASK:"

// Schedule is one periodically-submitted task, backed by a single cron
// entry plus its preceding sentinel comment.
type Schedule struct {
	ID        string
	Name      string
	CronExpr  string
	Command   string
	Class     types.TaskClass
	Priority  types.Priority
	Enabled   bool
	CreatedAt time.Time
}

func (s Schedule) sentinelLine() string {
	return fmt.Sprintf("%s%s - %s (created: %s)", sentinelPrefix, s.ID, s.Name, s.CreatedAt.Format(time.RFC3339))
}

func (s Schedule) cronLine() string {
	taskctlCmd := fmt.Sprintf("taskctl submit --name %q --class %s --priority %s -- %s",
		s.Name, s.Class, s.Priority, s.Command)
	if s.Enabled {
		return fmt.Sprintf("%s %s", s.CronExpr, taskctlCmd)
	}
	return fmt.Sprintf("#DISABLED# %s %s", s.CronExpr, taskctlCmd)
}
