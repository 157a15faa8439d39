package main

import "github.com/arcward/taskconcierge/cmd"

func main() {
	cmd.Execute()
}
