package submitter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/conductor/pkg/types"
)

// memCrontab is an in-process fake standing in for the system crontab so
// tests never touch the machine's real cron configuration.
type memCrontab struct {
	content string
}

func (m *memCrontab) Read() (string, error) { return m.content, nil }
func (m *memCrontab) Write(c string) error  { m.content = c; return nil }

func newTestScheduler() (*Scheduler, *memCrontab) {
	fake := &memCrontab{content: "# some unrelated job\n0 3 * * * /usr/bin/backup.sh\n"}
	return newWithIO(fake), fake
}

func TestAddScheduleAssignsIDAndPersists(t *testing.T) {
	s, fake := newTestScheduler()

	sched, err := s.AddSchedule(Schedule{Name: "nightly-scan", CronExpr: "0 2 * * *", Command: "scan.sh --full"})
	require.NoError(t, err)
	assert.NotEmpty(t, sched.ID)
	assert.Equal(t, types.ClassMedium, sched.Class)
	assert.Equal(t, types.PriorityNormal, sched.Priority)
	assert.True(t, sched.Enabled)

	assert.Contains(t, fake.content, "/usr/bin/backup.sh", "unrelated lines survive a write")
	assert.Contains(t, fake.content, sentinelPrefix+sched.ID)
	assert.Contains(t, fake.content, `taskctl submit --name "nightly-scan" --class medium --priority normal -- scan.sh --full`)
}

func TestAddScheduleRejectsMissingCommand(t *testing.T) {
	s, _ := newTestScheduler()
	_, err := s.AddSchedule(Schedule{Name: "x", CronExpr: "* * * * *"})
	assert.Error(t, err)
}

func TestListSchedulesRoundTripsThroughCrontab(t *testing.T) {
	s, _ := newTestScheduler()
	a, err := s.AddSchedule(Schedule{Name: "a", CronExpr: "*/5 * * * *", Command: "echo a"})
	require.NoError(t, err)
	b, err := s.AddSchedule(Schedule{Name: "b", CronExpr: "0 * * * *", Command: "echo b", Class: types.ClassHeavy})
	require.NoError(t, err)

	got, err := s.ListSchedules()
	require.NoError(t, err)
	require.Len(t, got, 2)

	byID := map[string]Schedule{got[0].ID: got[0], got[1].ID: got[1]}
	assert.Equal(t, "*/5 * * * *", byID[a.ID].CronExpr)
	assert.Equal(t, types.ClassHeavy, byID[b.ID].Class)
}

func TestDisableScheduleCommentsOutCronLineButKeepsIt(t *testing.T) {
	s, fake := newTestScheduler()
	sched, err := s.AddSchedule(Schedule{Name: "x", CronExpr: "* * * * *", Command: "echo hi"})
	require.NoError(t, err)

	require.NoError(t, s.DisableSchedule(sched.ID))
	assert.Contains(t, fake.content, "#DISABLED#")

	got, err := s.ListSchedules()
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.False(t, got[0].Enabled)

	require.NoError(t, s.EnableSchedule(sched.ID))
	got, err = s.ListSchedules()
	require.NoError(t, err)
	assert.True(t, got[0].Enabled)
}

func TestRemoveScheduleDeletesOnlyThatEntry(t *testing.T) {
	s, _ := newTestScheduler()
	a, err := s.AddSchedule(Schedule{Name: "a", CronExpr: "* * * * *", Command: "echo a"})
	require.NoError(t, err)
	b, err := s.AddSchedule(Schedule{Name: "b", CronExpr: "* * * * *", Command: "echo b"})
	require.NoError(t, err)

	require.NoError(t, s.RemoveSchedule(a.ID))

	got, err := s.ListSchedules()
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, b.ID, got[0].ID)
}

func TestRemoveScheduleErrorsOnUnknownID(t *testing.T) {
	s, _ := newTestScheduler()
	assert.Error(t, s.RemoveSchedule("does-not-exist"))
}
