package main

import "github.com/accord-kv/accord/cmd"

func main() {
	cmd.Execute()
}
