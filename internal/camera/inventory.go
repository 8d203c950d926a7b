package camera

import (
	"errors"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// InventoryEntry is one camera declared in the inventory file.
type InventoryEntry struct {
	ID             string   `yaml:"id"`
	Name           string   `yaml:"name"`
	StreamURL      string   `yaml:"stream_url"`
	Location       string   `yaml:"location"`
	DetectionTypes []string `yaml:"detection_types"`
	Monitor        bool     `yaml:"monitor"`
}

type inventoryFile struct {
	Cameras []InventoryEntry `yaml:"cameras"`
}

// LoadInventory parses a YAML camera inventory:
//
//	cameras:
//	  - id: aisle-3
//	    name: Aisle 3
//	    stream_url: rtsp://10.0.0.12/stream1
//	    location: zone_a
//	    detection_types: [idle, mess]
//	    monitor: true
//
// An entry without an id gets one derived from its stream_url, so the same
// file maps to the same cameras on every start.
func LoadInventory(path string) ([]InventoryEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read inventory: %w", err)
	}

	var f inventoryFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse inventory %s: %w", path, err)
	}

	for i, c := range f.Cameras {
		if c.StreamURL == "" {
			return nil, fmt.Errorf("inventory entry %d (%s): stream_url is required", i, c.ID)
		}
		f.Cameras[i].ID = c.stableID()
	}
	return f.Cameras, nil
}

func (c InventoryEntry) stableID() string {
	if c.ID != "" {
		return c.ID
	}
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(c.StreamURL)).String()
}

// Register adds every inventory entry not already known to m and returns
// the ids of entries marked for monitoring.
func (m *Manager) Register(entries []InventoryEntry) []string {
	var monitored []string
	for _, c := range entries {
		c.ID = c.stableID()
		cam, err := m.AddCamera(c.ID, c.Name, c.StreamURL, c.Location, c.DetectionTypes)
		switch {
		case errors.Is(err, ErrCameraExists):
			cam = &Camera{ID: c.ID}
		case err != nil:
			log.Warn().Str("camera_id", c.ID).Err(err).Msg("skipping inventory entry")
			continue
		}
		if c.Monitor {
			monitored = append(monitored, cam.ID)
		}
	}
	return monitored
}
