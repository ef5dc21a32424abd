package main

import "go.pilab.hu/imagewatch/cmd/imagewatch/cmd"

func main() {
	cmd.Execute()
}
