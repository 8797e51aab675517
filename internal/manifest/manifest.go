// Package manifest loads the two immutable JSON records from spec.md §3
// and §6: the game manifest (looked up by gameId) and the per-server
// instance config. File locations follow SPEC_FULL.md §3's expansion of
// spec.md's otherwise-unspecified layout.
package manifest

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Game is the immutable, runtime-constant game manifest from spec.md §3.
type Game struct {
	Name         string `json:"name"`
	DisplayName  string `json:"displayName"`
	DownloadType string `json:"downloadType"`
	DownloadID   string `json:"downloadId"`
	BinDir       string `json:"binDir"`
	BinName      string `json:"binName"`
}

// SupportedDownloadType names the only content-delivery driver currently
// implemented, per spec.md §4.5's "initially: only the steam-style content
// client" precondition.
const SupportedDownloadType = "steam"

// Instance is the per-server configuration from spec.md §6's instance file
// shape.
type Instance struct {
	Name        string `json:"name"`
	UUID        string `json:"uuid"`
	DisplayName string `json:"displayName"`
	Port        int    `json:"port"`
	MaxPlayers  int    `json:"maxplayers"`
	RCON        string `json:"rcon"`

	SRCDSParams map[string]string `json:"srcds_params,omitempty"`
	CSGOParams  map[string]string `json:"csgo_params,omitempty"`

	BinDirOverride  string `json:"binDirOverride,omitempty"`
	BinNameOverride string `json:"binNameOverride,omitempty"`
	CmdlineOverride string `json:"cmdlineOverride,omitempty"`
}

// GamePath returns the path of gameID's manifest file under root, per
// SPEC_FULL.md §3: "<SERVER_FILES_ROOT_DIR>/manifests/<gameId>.json".
func GamePath(root, gameID string) string {
	return filepath.Join(root, "manifests", gameID+".json")
}

// InstancePath returns the path of instanceID's config file under root, per
// SPEC_FULL.md §3: "<SERVER_FILES_ROOT_DIR>/instances/<instanceId>.json".
func InstancePath(root, instanceID string) string {
	return filepath.Join(root, "instances", instanceID+".json")
}

// LoadGame reads and parses gameID's manifest from root.
func LoadGame(root, gameID string) (*Game, error) {
	var g Game
	if err := loadJSON(GamePath(root, gameID), &g); err != nil {
		return nil, fmt.Errorf("load game manifest %q: %w", gameID, err)
	}
	return &g, nil
}

// LoadInstance reads and parses instanceID's config from root.
func LoadInstance(root, instanceID string) (*Instance, error) {
	var inst Instance
	if err := loadJSON(InstancePath(root, instanceID), &inst); err != nil {
		return nil, fmt.Errorf("load instance config %q: %w", instanceID, err)
	}
	return &inst, nil
}

func loadJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// ResolvedBinDir returns the instance's bin dir override if set, else the
// game manifest's.
func ResolvedBinDir(g *Game, inst *Instance) string {
	if inst.BinDirOverride != "" {
		return inst.BinDirOverride
	}
	return g.BinDir
}

// ResolvedBinName returns the instance's bin name override if set, else the
// game manifest's.
func ResolvedBinName(g *Game, inst *Instance) string {
	if inst.BinNameOverride != "" {
		return inst.BinNameOverride
	}
	return g.BinName
}
