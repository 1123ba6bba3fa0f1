// Package testutil holds JSON fixtures shared across package tests.
package testutil

import (
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
)

// LoadJSON unmarshals a fixture file from this directory into target.
func LoadJSON(filename string, target any) error {
	_, currentFile, _, _ := runtime.Caller(0)
	data, err := os.ReadFile(filepath.Join(filepath.Dir(currentFile), filename))
	if err != nil {
		return err
	}
	return json.Unmarshal(data, target)
}
