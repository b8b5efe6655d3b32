// Package testutil holds helpers shared by database tests.
package testutil

import (
	"fmt"
	"strings"
)

// NewTestDSN returns a DSN for a named in-memory SQLite database that is
// shared by every connection of one test.
func NewTestDSN(testName string) string {
	name := strings.NewReplacer("/", "_", " ", "_").Replace(testName)
	return fmt.Sprintf("file:%s?mode=memory&cache=shared", name)
}
