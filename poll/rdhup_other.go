//go:build unix && !linux

package poll

const pollRdHup = 0
