package poll

import "golang.org/x/sys/unix"

const pollRdHup = unix.POLLRDHUP
