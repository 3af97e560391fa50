package main

import (
	"echokeeper/cmd/client/cmd"
)

func main() {
	cmd.Execute()
}
