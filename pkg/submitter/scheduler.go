package submitter

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/conductor/pkg/log"
	"github.com/cuemby/conductor/pkg/types"
)

var managedLinePattern = regexp.MustCompile(
	`^(#DISABLED#\s+)?(\S+\s+\S+\s+\S+\s+\S+\s+\S+)\s+taskctl submit --name "([^"]*)" --class (\S+) --priority (\S+) -- (.+)$`,
)

// Scheduler keeps no in-memory copy of the schedules: the crontab file is
// the only record, so every mutation re-reads it under mu, applies the
// change, and writes the whole file back.
type Scheduler struct {
	io crontabIO
	mu sync.Mutex
}

// New returns a Scheduler backed by the real system crontab.
func New() *Scheduler {
	return &Scheduler{io: execCrontab{}}
}

func newWithIO(io crontabIO) *Scheduler {
	return &Scheduler{io: io}
}

// parsed is the crontab split into schedules this package manages and the
// other lines (blank lines, comments, unrelated jobs) that must round-trip
// untouched.
type parsed struct {
	schedules []Schedule
	other     []string
}

func parseCrontab(content string) parsed {
	lines := strings.Split(content, "\n")
	var p parsed

	for i := 0; i < len(lines); i++ {
		line := lines[i]
		id, name, createdAt, ok := parseSentinel(line)
		if !ok {
			if strings.TrimSpace(line) != "" {
				p.other = append(p.other, line)
			}
			continue
		}
		if i+1 >= len(lines) {
			break
		}
		i++
		sched, ok := parseManagedLine(lines[i])
		if !ok {
			continue
		}
		sched.ID = id
		sched.Name = name
		sched.CreatedAt = createdAt
		p.schedules = append(p.schedules, sched)
	}
	return p
}

func parseSentinel(line string) (id, name string, createdAt time.Time, ok bool) {
	if !strings.HasPrefix(line, sentinelPrefix) {
		return "", "", time.Time{}, false
	}
	rest := strings.TrimPrefix(line, sentinelPrefix)
	idPart, tail, found := strings.Cut(rest, " - ")
	if !found {
		return "", "", time.Time{}, false
	}
	namePart, tsPart, found := strings.Cut(tail, " (created: ")
	if !found {
		return "", "", time.Time{}, false
	}
	tsPart = strings.TrimSuffix(tsPart, ")")
	ts, err := time.Parse(time.RFC3339, tsPart)
	if err != nil {
		ts = time.Time{}
	}
	return idPart, namePart, ts, true
}

func parseManagedLine(line string) (Schedule, bool) {
	m := managedLinePattern.FindStringSubmatch(line)
	if m == nil {
		return Schedule{}, false
	}
	return Schedule{
		CronExpr: m[2],
		Class:    types.TaskClass(m[4]),
		Priority: types.Priority(m[5]),
		Command:  m[6],
		Enabled:  m[1] == "",
	}, true
}

func render(p parsed) string {
	var b strings.Builder
	for _, line := range p.other {
		b.WriteString(line)
		b.WriteString("\n")
	}
	for _, s := range p.schedules {
		b.WriteString(s.sentinelLine())
		b.WriteString("\n")
		b.WriteString(s.cronLine())
		b.WriteString("\n")
	}
	return b.String()
}

// AddSchedule assigns sched an ID and creation time if unset, appends it to
// the crontab, and returns the stored copy.
func (s *Scheduler) AddSchedule(sched Schedule) (Schedule, error) {
	if sched.Command == "" {
		return Schedule{}, fmt.Errorf("submitter: command is required")
	}
	if sched.CronExpr == "" {
		return Schedule{}, fmt.Errorf("submitter: cron expression is required")
	}
	if sched.Class == "" {
		sched.Class = types.ClassMedium
	}
	if sched.Priority == "" {
		sched.Priority = types.PriorityNormal
	}
	if sched.ID == "" {
		sched.ID = uuid.NewString()
	}
	sched.CreatedAt = time.Now()
	sched.Enabled = true

	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.load()
	if err != nil {
		return Schedule{}, err
	}
	p.schedules = append(p.schedules, sched)
	if err := s.io.Write(render(p)); err != nil {
		return Schedule{}, err
	}
	log.WithComponent("submitter").Info().Str("schedule_id", sched.ID).Str("cron", sched.CronExpr).Msg("schedule added")
	return sched, nil
}

// RemoveSchedule deletes the schedule with the given ID.
func (s *Scheduler) RemoveSchedule(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.load()
	if err != nil {
		return err
	}
	kept, found := removeByID(p.schedules, id)
	if !found {
		return fmt.Errorf("submitter: schedule %s not found", id)
	}
	p.schedules = kept
	return s.io.Write(render(p))
}

// EnableSchedule re-activates a previously disabled schedule.
func (s *Scheduler) EnableSchedule(id string) error {
	return s.setEnabled(id, true)
}

// DisableSchedule comments out a schedule's cron line without deleting it.
func (s *Scheduler) DisableSchedule(id string) error {
	return s.setEnabled(id, false)
}

func (s *Scheduler) setEnabled(id string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.load()
	if err != nil {
		return err
	}
	found := false
	for i := range p.schedules {
		if p.schedules[i].ID == id {
			p.schedules[i].Enabled = enabled
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("submitter: schedule %s not found", id)
	}
	return s.io.Write(render(p))
}

// ListSchedules returns every schedule this package manages, in crontab
// order.
func (s *Scheduler) ListSchedules() ([]Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.load()
	if err != nil {
		return nil, err
	}
	return p.schedules, nil
}

func (s *Scheduler) load() (parsed, error) {
	content, err := s.io.Read()
	if err != nil {
		return parsed{}, err
	}
	return parseCrontab(content), nil
}

func removeByID(schedules []Schedule, id string) ([]Schedule, bool) {
	kept := make([]Schedule, 0, len(schedules))
	found := false
	for _, sc := range schedules {
		if sc.ID == id {
			found = true
			continue
		}
		kept = append(kept, sc)
	}
	return kept, found
}
