package main

import "github.com/wentf9/xops-link/cmd"

func main() {
	cmd.Execute()
}
