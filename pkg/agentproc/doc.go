/*
Package agentproc runs the agent CLI as a managed subprocess.

Runner wraps os/exec the way the container runtime wraps containerd:
start the process, stream its combined output through a callback as it
arrives, and on Stop send SIGTERM first, give the process a grace period
to exit on its own, then SIGKILL it and everything in its process group.

	Spawn(ctx, cmd) ──▶ os/exec.Cmd (own process group)
	        │
	        ▼
	  stdout/stderr ──▶ onOutput(chunk) ──▶ Security Gate MaskOutput
	        │
	        ▼
	  Stop(grace) ──▶ SIGTERM ──▶ wait(grace) ──▶ SIGKILL if still alive
*/
package agentproc
