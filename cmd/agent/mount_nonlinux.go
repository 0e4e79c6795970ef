//go:build !linux

package main

import "fmt"

func runInit() error {
	return fmt.Errorf("agent: init sequence requires linux")
}

func mountOverlay(layerDirs []string, upper, work, merged string) error {
	return fmt.Errorf("agent: overlay mount requires linux")
}

func rebootSystem() {}
