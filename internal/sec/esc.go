// Exit code extraction for pidfd based process watching.
package sec

/*
#include <signal.h>

// Collapse a siginfo_t from waitid(2) into a shell style exit code:
// exit(n) stays n, death by signal becomes 128+signo.
int siginfo_exit_code(siginfo_t *info) {
    switch (info->si_code) {
        case CLD_EXITED:
            return info->si_status;
        case CLD_KILLED:
        case CLD_DUMPED:
            return 128 + info->si_status;
        default:
            return -1;
    }
}
*/
import "C"

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// ExitCode converts the Siginfo filled in by unix.Waitid into a shell
// convention exit code, -1 when the child has not actually exited.
func ExitCode(src *unix.Siginfo) int {
	return int(C.siginfo_exit_code((*C.siginfo_t)(unsafe.Pointer(src))))
}
