package main

import (
	_ "github.com/samsamfire/gocbus/pkg/chip/socketcanraw"
)
