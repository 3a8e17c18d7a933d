package main

import (
	"fmt"

	"github.com/openpad/pad-collab-service/cmd"
)

func main() {
	if err := cmd.Run(); err != nil {
		fmt.Println(err.Error())
		return
	}
}
