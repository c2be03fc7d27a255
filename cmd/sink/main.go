package main

import "github.com/vietddude/substreams-redis-sink/internal/cli"

func main() {
	cli.Execute()
}
