// Package submitter manages periodic task submission by durably editing
// the operator's own crontab, rather than running a scheduler loop inside
// this process. Each entry is a normal cron line that shells out to
// `taskctl submit` at fire time; the daemon never has to be running for a
// schedule to fire, and `crontab -l` remains the single source of truth an
// operator can inspect or edit by hand.
//
// Entries are located in the crontab by a sentinel comment line:
//
//	# AUTO_CONDUCTOR_TASK:<id> - <name> (created: <rfc3339 timestamp>)
//	*/15 * * * * taskctl submit --name "<name>" --class medium --priority normal -- <command>
//
// This is deliberately built on os/exec and line parsing instead of a
// cron-execution library: the job here is not "run a Go function on a
// schedule inside this process" but "durably rewrite a different program's
// configuration file," which no scheduling library does for you.
package submitter
