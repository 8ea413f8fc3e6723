package main

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// manifestInfo is the subset of a mission's manifest.json this CLI needs to
// re-derive seat counts for commands that operate on an existing run dir.
type manifestInfo struct {
	MissionID string   `json:"mission_id"`
	Team      []string `json:"team"`
	MaxRounds int      `json:"max_rounds"`
}

func readManifest(runDir string) (manifestInfo, error) {
	var m manifestInfo
	data, err := os.ReadFile(filepath.Join(runDir, "manifest.json"))
	if err != nil {
		return m, err
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return m, err
	}
	return m, nil
}
