//go:build !linux

package main

import (
	"fmt"
	"os"
)

func main() {
	//nolint:forbidigo
	fmt.Println("budslink-agent needs BlueZ and only runs on linux")
	os.Exit(1)
}
