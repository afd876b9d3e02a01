package main

import (
	"github.com/ky4olb/wwvengine/internal/recovery"
)

func main() {
	defer recovery.HandlePanic()
	execute()
}
