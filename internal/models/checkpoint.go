package models

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
)

// CheckpointPrefix is the directory name prefix of saved training snapshots
const CheckpointPrefix = "checkpoint_"

var checkpointPattern = regexp.MustCompile(`^` + CheckpointPrefix + `(\d+)$`)

// Checkpoint represents a saved snapshot of model weights
type Checkpoint struct {
	Path     string `json:"path"`
	Epoch    int    `json:"epoch"`
	HasEpoch bool   `json:"has_epoch"`
}

// Name returns the checkpoint directory basename
func (c Checkpoint) Name() string {
	return filepath.Base(c.Path)
}

func (c Checkpoint) String() string {
	if !c.HasEpoch {
		return c.Path
	}
	return fmt.Sprintf("%s (epoch %d)", c.Path, c.Epoch)
}

// ParseCheckpointName extracts the epoch from a directory name
// Format: checkpoint_<epoch>
func ParseCheckpointName(name string) (int, bool) {
	m := checkpointPattern.FindStringSubmatch(name)
	if m == nil {
		return 0, false
	}
	epoch, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return epoch, true
}

// CheckpointDirName generates the directory name for an epoch
func CheckpointDirName(epoch int) string {
	return fmt.Sprintf("%s%d", CheckpointPrefix, epoch)
}
