package main

import "github.com/audiolibrelab/micbooth/cmd"

func main() {
	cmd.Execute()
}
