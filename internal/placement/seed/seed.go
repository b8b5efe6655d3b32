// Package seed builds NoCloud seed images handed to freshly created VMs.
package seed

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/kdomanski/iso9660"
)

// VolumeLabel is the label cloud-init looks for on a NoCloud seed.
const VolumeLabel = "cidata"

// Config is the guest identity written into the seed.
type Config struct {
	InstanceID string
	Hostname   string
	// UserData is written verbatim; a minimal cloud-config is used when empty.
	UserData string
}

// MetaData renders the meta-data document.
func (c Config) MetaData() string {
	return fmt.Sprintf("instance-id: %s\nlocal-hostname: %s\n", c.InstanceID, c.Hostname)
}

func (c Config) userData() string {
	if strings.TrimSpace(c.UserData) != "" {
		return c.UserData
	}
	return fmt.Sprintf("#cloud-config\nhostname: %s\n", c.Hostname)
}

// Write writes the seed image for cfg to w.
func Write(w io.Writer, cfg Config) error {
	if cfg.InstanceID == "" || cfg.Hostname == "" {
		return fmt.Errorf("seed: instance id and hostname are required")
	}

	writer, err := iso9660.NewWriter()
	if err != nil {
		return fmt.Errorf("create iso writer: %w", err)
	}
	defer writer.Cleanup()

	if err := writer.AddFile(strings.NewReader(cfg.MetaData()), "meta-data"); err != nil {
		return fmt.Errorf("stage meta-data: %w", err)
	}
	if err := writer.AddFile(strings.NewReader(cfg.userData()), "user-data"); err != nil {
		return fmt.Errorf("stage user-data: %w", err)
	}
	if err := writer.WriteTo(w, VolumeLabel); err != nil {
		return fmt.Errorf("write iso: %w", err)
	}
	return nil
}

// Build returns the seed image for cfg.
func Build(cfg Config) ([]byte, error) {
	var buf bytes.Buffer
	if err := Write(&buf, cfg); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
