package setup

import (
	"os"
	"os/exec"

	"github.com/cochaviz/slicenet/internal/models"
)

var (
	geteuid  = os.Geteuid
	lookPath = exec.LookPath
)

// Preflight verifies the process runs as root and that every command is on
// PATH. It matches orchestrator.Preflight.
func Preflight(commands ...string) error {
	if err := requireRoot(); err != nil {
		return err
	}
	return ensureCommands(commands...)
}

func requireRoot() error {
	if geteuid() != 0 {
		return models.Errorf(models.ErrPrivilege, "preflight", "", "run me as root")
	}
	return nil
}

func ensureCommands(names ...string) error {
	for _, name := range names {
		if _, err := lookPath(name); err != nil {
			return models.Wrap(models.ErrDependencyMissing, "preflight", name, err)
		}
	}
	return nil
}
