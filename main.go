package main

import "github.com/dotclaw/dotclaw/cmd"

func main() {
	cmd.Execute()
}
