package submitter

import (
	"bytes"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// crontabIO abstracts reading and rewriting the crontab so tests can swap
// in a fake instead of touching the machine's real cron configuration.
type crontabIO interface {
	Read() (string, error)
	Write(content string) error
}

// execCrontab shells out to the system `crontab` binary, the same
// interface an operator would use by hand.
type execCrontab struct{}

func (execCrontab) Read() (string, error) {
	out, err := exec.Command("crontab", "-l").Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && strings.Contains(string(exitErr.Stderr), "no crontab") {
			return "", nil
		}
		return "", fmt.Errorf("submitter: reading crontab: %w", err)
	}
	return string(out), nil
}

func (execCrontab) Write(content string) error {
	cmd := exec.Command("crontab", "-")
	cmd.Stdin = bytes.NewBufferString(content)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("submitter: writing crontab: %w (%s)", err, string(out))
	}
	return nil
}
