package main

import (
	"log"

	"github.com/wyf7685/nonebot-plugin-exe-code-sub000/internal/app"
)

func main() {
	if err := app.Run(); err != nil {
		log.Fatal(err)
	}
}
