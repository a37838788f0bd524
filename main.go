package main

import (
	"fmt"

	"github.com/collabkit/roomkit/cmd"
)

func main() {
	if err := cmd.Run(); err != nil {
		fmt.Println(err.Error())
		return
	}
}
