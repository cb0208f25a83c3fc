package main

import (
	"os"
	"syscall"
)

func main() {
	commonMain()
}

func ignoredSignal(sig os.Signal) bool {
	// ignore SIGURG entirely, the go runtime uses it for goroutine preemption
	return sig == syscall.SIGURG
}
