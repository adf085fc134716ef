package agentproc

import "syscall"

func setpgid() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true}
}

// signalGroup signals the entire process group led by pid, so a shell
// wrapper's children are torn down along with it.
func signalGroup(pid int, sig syscall.Signal) {
	syscall.Kill(-pid, sig)
}
